// Package pipeline implements the per-grid impostor generation sequence:
// stream regions, build viz groups, schedule LOD tiles, aggregate height
// fields, encode sculpt/texture artifacts, deduplicate them through the
// asset catalog, and stage the resulting initial_impostors rows.
package pipeline

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/animats/impostorpipeline/internal/catalog"
	"github.com/animats/impostorpipeline/internal/heightfield"
	"github.com/animats/impostorpipeline/internal/model"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"
	"github.com/animats/impostorpipeline/internal/scheduler"
	"github.com/animats/impostorpipeline/internal/sculpt"
	"github.com/animats/impostorpipeline/internal/storage"
	"github.com/animats/impostorpipeline/internal/vizgroup"
)

// maxFilenameLen bounds generated artifact filenames; the upload target
// rejects longer asset names.
const maxFilenameLen = 63

// StageError names the stage and location at which a run aborted, so a
// caller's fatal-error message can name the failed stage and grid.
type StageError struct {
	Stage string
	Grid  string
	LocX  int64
	LocY  int64
	LOD   int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for grid %s at (%d,%d) lod %d: %v", e.Stage, e.Grid, e.LocX, e.LocY, e.LOD, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage, grid string, locX, locY int64, lod int, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Grid: grid, LocX: locX, LocY: locY, LOD: lod, Err: err}
}

// Options configures one Pipeline run.
type Options struct {
	CornersTouch bool
	OutDir       string
}

// Summary reports what one grid's run produced.
type Summary struct {
	Grid            string
	RegionsStreamed int
	GroupsCompleted int
	TilesEmitted    int
	AssetsGenerated int
	AssetsReused    int
}

// Pipeline ties the storage port, viz-group builder, LOD tile scheduler,
// sculpt encoder, and asset catalog together for one batch run.
type Pipeline struct {
	store   storage.Store
	cat     catalog.Catalog
	fetcher *sculpt.TerrainTileFetcher
	opts    Options
	now     func() time.Time
}

// New builds a Pipeline. now defaults to time.Now when nil; tests may
// override it for deterministic CreationTime/filename assertions.
func New(store storage.Store, cat catalog.Catalog, fetcher *sculpt.TerrainTileFetcher, opts Options, now func() time.Time) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{store: store, cat: cat, fetcher: fetcher, opts: opts, now: now}
}

// Run generates impostors for one grid: stream the grid's regions into viz
// groups, number the groups largest first, replace any previously staged
// rows, then sweep each group through the LOD scheduler.
func (p *Pipeline) Run(ctx context.Context, grid string) (Summary, error) {
	summary := Summary{Grid: grid}

	groups, streamed, err := p.collectGroups(ctx, grid)
	if err != nil {
		return summary, err
	}
	summary.RegionsStreamed = streamed
	summary.GroupsCompleted = len(groups)

	// Larger groups get smaller viz_group ids.
	sort.SliceStable(groups, func(i, j int) bool {
		return len(groups[i].Members) > len(groups[j].Members)
	})

	if err := p.store.ClearInitialImpostors(ctx, grid); err != nil {
		return summary, stageErr("clear_initial_impostors", grid, 0, 0, 0, err)
	}

	cache := scheduler.NewHeightFieldCache()
	for vizGroupID, group := range groups {
		if err := p.runGroup(ctx, grid, vizGroupID, group, cache, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (p *Pipeline) collectGroups(ctx context.Context, grid string) ([]model.VizGroup, int, error) {
	stream, err := p.store.StreamRegions(ctx, grid)
	if err != nil {
		return nil, 0, stageErr("stream_regions", grid, 0, 0, 0, err)
	}
	defer stream.Close()

	builder := vizgroup.New(p.opts.CornersTouch)
	var groups []model.VizGroup
	count := 0
	for {
		region, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, count, stageErr("stream_regions", grid, 0, 0, 0, err)
		}
		if !ok {
			break
		}
		count++
		completed, err := builder.Add(region)
		if err != nil {
			return nil, count, stageErr("build_viz_groups", grid, region.X, region.Y, 0, err)
		}
		groups = append(groups, completed...)
	}
	completed, err := builder.Finish()
	if err != nil {
		return nil, count, stageErr("build_viz_groups", grid, 0, 0, 0, err)
	}
	groups = append(groups, completed...)
	return groups, count, nil
}

func (p *Pipeline) runGroup(ctx context.Context, grid string, vizGroupID int, group model.VizGroup, cache *scheduler.HeightFieldCache, summary *Summary) error {
	if len(group.Members) == 0 {
		return stageErr("schedule_tiles", grid, 0, 0, 0, fmt.Errorf("%w: completed viz group has no members", errs.ErrData))
	}

	sched, err := scheduler.New(grid, group.Members)
	if err != nil {
		return stageErr("schedule_tiles", grid, group.Members[0].X, group.Members[0].Y, 0, err)
	}

	for {
		desc, ok, err := sched.Next()
		if err != nil {
			return stageErr("schedule_tiles", grid, 0, 0, 0, err)
		}
		if !ok {
			break
		}
		summary.TilesEmitted++
		if err := p.processDescriptor(ctx, grid, vizGroupID, desc, cache, summary); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) processDescriptor(ctx context.Context, grid string, vizGroupID int, desc model.RegionDescriptor, cache *scheduler.HeightFieldCache, summary *Summary) error {
	hf, err := p.aggregateHeightField(ctx, grid, desc, cache)
	if err != nil {
		return stageErr("aggregate_height_field", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}
	if err := cache.Insert(scheduler.CacheKey{LocX: desc.LocX, LocY: desc.LocY, LOD: desc.LOD}, hf); err != nil {
		return stageErr("aggregate_height_field", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}

	scale, offset, _, err := hf.ToSculptArray()
	if err != nil {
		return stageErr("encode_sculpt", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}

	sculptImg, err := sculpt.MakeSculpt(hf)
	if err != nil {
		return stageErr("encode_sculpt", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}
	sculptUUID, sculptHash, err := p.stageAsset(ctx, grid, desc, vizGroupID, model.AssetSculptTexture, "RS", sculptImg, scale, offset, hf.WaterLevel, summary)
	if err != nil {
		return err
	}

	textureImg, err := p.fetcher.MakeTerrainTexture(ctx, desc.LocX, desc.LocY, desc.LOD)
	if err != nil {
		return stageErr("encode_texture", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}
	// The ground texture is tracked in tile_assets for dedup purposes only;
	// initial_impostors has no texture column.
	if _, _, err := p.stageAsset(ctx, grid, desc, vizGroupID, model.AssetBaseTexture, "RT0", textureImg, scale, offset, hf.WaterLevel, summary); err != nil {
		return err
	}

	row := model.InitialImpostorRow{
		Grid: grid, Name: desc.Name,
		LocX: desc.LocX, LocY: desc.LocY, SizeX: desc.SizeX, SizeY: desc.SizeY,
		ScaleX: float64(desc.SizeX), ScaleY: float64(desc.SizeY), ScaleZ: scale,
		ElevationOffset: offset,
		LOD:             desc.LOD, VizGroup: vizGroupID,
		SculptUUID: sculptUUID, SculptHash: sculptHash,
		WaterHeight:  hf.WaterLevel,
		FacesJSON:    "[]",
		CreationTime: p.now(),
	}
	if err := p.store.InsertInitialImpostor(ctx, row); err != nil {
		return stageErr("insert_initial_impostor", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}
	return nil
}

// aggregateHeightField loads or aggregates the HeightField for desc: LOD 0
// loads from storage; LOD>=1 combines its four children taken from the
// cache, then halves the combined result back to the per-tile sample
// resolution so adjacent aggregated tiles keep sharing boundary points.
func (p *Pipeline) aggregateHeightField(ctx context.Context, grid string, desc model.RegionDescriptor, cache *scheduler.HeightFieldCache) (heightfield.HeightField, error) {
	if desc.LOD == 0 {
		row, err := p.store.LoadHeightField(ctx, grid, desc.LocX, desc.LocY)
		if err != nil {
			return heightfield.HeightField{}, err
		}
		water := row.WaterLevel
		if !row.HasWaterLevel {
			water = 0
		}
		return heightfield.FromFlatElevations(row.Elevs, row.SamplesX, row.SamplesY, float64(row.SizeX), float64(row.SizeY), row.Scale, row.Offset, water)
	}

	childSizeX := desc.SizeX / 2
	childSizeY := desc.SizeY / 2

	coords := [4]struct {
		q    heightfield.Quadrant
		x, y int64
	}{
		{heightfield.LowerLeft, desc.LocX, desc.LocY},
		{heightfield.LowerRight, desc.LocX + childSizeX, desc.LocY},
		{heightfield.UpperLeft, desc.LocX, desc.LocY + childSizeY},
		{heightfield.UpperRight, desc.LocX + childSizeX, desc.LocY + childSizeY},
	}

	var quadrants [4]*heightfield.HeightField
	for _, c := range coords {
		hf, ok := cache.Take(scheduler.CacheKey{LocX: c.x, LocY: c.y, LOD: desc.LOD - 1})
		if ok {
			hfCopy := hf
			quadrants[c.q] = &hfCopy
		}
	}

	combined, err := heightfield.Combine(quadrants)
	if err != nil {
		return heightfield.HeightField{}, err
	}
	return combined.Halve(), nil
}

// stageAsset dedups img through the catalog, writing a new PNG file only
// when its content hash is not already on file.
func (p *Pipeline) stageAsset(ctx context.Context, grid string, desc model.RegionDescriptor, vizGroupID int, assetType model.AssetType, prefix string, img *sculpt.RgbImage, scale, offset, water float64, summary *Summary) (*uuid.UUID, *string, error) {
	hash := sculpt.ContentHash(img)
	rec := model.AssetRecord{
		Grid: grid, LocX: desc.LocX, LocY: desc.LocY, SizeX: desc.SizeX, SizeY: desc.SizeY,
		AssetType: assetType, ContentHash: hash,
		LOD: desc.LOD, VizGroup: vizGroupID,
	}

	hashHex := fmt.Sprintf("%08x", hash)
	if id, found, err := p.cat.Lookup(ctx, rec); err != nil {
		return nil, nil, stageErr("catalog_lookup", grid, desc.LocX, desc.LocY, desc.LOD, err)
	} else if found {
		// Advisory only; the catalog row still wins even if the asset
		// server cannot confirm the UUID right now.
		if !p.cat.HeadCheck(ctx, id) {
			log.Warnf("asset %s for grid %s at (%d,%d) lod %d not confirmed by asset server, reusing anyway",
				id, grid, desc.LocX, desc.LocY, desc.LOD)
		}
		summary.AssetsReused++
		return &id, &hashHex, nil
	}

	name, err := buildFilename(prefix, desc, vizGroupID, scale, offset, water, hash)
	if err != nil {
		return nil, nil, stageErr("build_filename", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}
	if err := writePNG(filepath.Join(p.opts.OutDir, name+".png"), img); err != nil {
		return nil, nil, stageErr("write_asset", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}

	rec.Name = name
	rec.UUID = uuid.New()
	rec.CreationTime = p.now()
	if err := p.cat.Insert(ctx, rec); err != nil {
		return nil, nil, stageErr("catalog_insert", grid, desc.LocX, desc.LocY, desc.LOD, err)
	}
	summary.AssetsGenerated++
	id := rec.UUID
	return &id, &hashHex, nil
}

// buildFilename encodes everything needed to rebuild an asset's metadata
// into its name, failing with a bounds error when the 63-character limit
// is exceeded.
func buildFilename(prefix string, desc model.RegionDescriptor, vizGroupID int, scale, offset, water float64, hash uint32) (string, error) {
	name := fmt.Sprintf("%s_%d_%d_%d_%d_%.2f_%.2f_%d_%d_%.2f_%08x",
		prefix, desc.LocX, desc.LocY, desc.SizeX, desc.SizeY, scale, offset, desc.LOD, vizGroupID, water, hash)
	if len(name) > maxFilenameLen {
		return "", fmt.Errorf("%w: filename %q is %d characters, exceeds the %d-character limit", errs.ErrBounds, name, len(name), maxFilenameLen)
	}
	return name, nil
}

// writePNG durably writes img as a PNG file, fsyncing before close. The
// catalog row is inserted only after this returns, so a crash can never
// leave a catalog UUID pointing at a missing file.
func writePNG(path string, img *sculpt.RgbImage) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating asset file %s: %v", errs.ErrUpstream, path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("%w: encoding asset file %s: %v", errs.ErrUpstream, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: fsyncing asset file %s: %v", errs.ErrUpstream, path, err)
	}
	return f.Close()
}
