package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/animats/impostorpipeline/internal/catalog"
	"github.com/animats/impostorpipeline/internal/model"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"
	"github.com/animats/impostorpipeline/internal/scheduler"
	"github.com/animats/impostorpipeline/internal/sculpt"
	"github.com/animats/impostorpipeline/internal/storage"
)

type fakeRegionStream struct {
	regions []model.Region
	pos     int
}

func (s *fakeRegionStream) Next(context.Context) (model.Region, bool, error) {
	if s.pos >= len(s.regions) {
		return model.Region{}, false, nil
	}
	r := s.regions[s.pos]
	s.pos++
	return r, true, nil
}

func (s *fakeRegionStream) Close() error { return nil }

// fakeStore is a minimal in-memory storage.Store, keeping these tests
// hermetic with no database file on disk.
type fakeStore struct {
	regions      map[string][]model.Region
	heightFields map[string]storage.HeightFieldRow
	clearedGrids []string
	insertedRows []model.InitialImpostorRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		regions:      make(map[string][]model.Region),
		heightFields: make(map[string]storage.HeightFieldRow),
	}
}

func heightKey(grid string, x, y int64) string {
	return fmt.Sprintf("%s|%d|%d", grid, x, y)
}

func (s *fakeStore) StreamRegions(_ context.Context, grid string) (storage.RegionStream, error) {
	return &fakeRegionStream{regions: s.regions[grid]}, nil
}

func (s *fakeStore) LoadHeightField(_ context.Context, grid string, locX, locY int64) (storage.HeightFieldRow, error) {
	row, ok := s.heightFields[heightKey(grid, locX, locY)]
	if !ok {
		return storage.HeightFieldRow{}, fmt.Errorf("no height field at grid %s (%d,%d)", grid, locX, locY)
	}
	return row, nil
}

func (s *fakeStore) ClearInitialImpostors(_ context.Context, grid string) error {
	s.clearedGrids = append(s.clearedGrids, grid)
	s.insertedRows = nil
	return nil
}

func (s *fakeStore) InsertInitialImpostor(_ context.Context, row model.InitialImpostorRow) error {
	s.insertedRows = append(s.insertedRows, row)
	return nil
}

func (s *fakeStore) LookupAsset(context.Context, model.AssetRecord) (uuid.UUID, bool, error) {
	return uuid.UUID{}, false, nil
}

func (s *fakeStore) InsertAsset(context.Context, model.AssetRecord) error { return nil }

func (s *fakeStore) Close() error { return nil }

// newTextureServer serves a tiny JPEG for every request, standing in for
// the ground-tile upstream.
func newTextureServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		if err := jpeg.Encode(w, img, nil); err != nil {
			t.Fatalf("encoding test jpeg: %v", err)
		}
	}))
}

func TestPipelineRunSingleRegionThenDedupsOnRerun(t *testing.T) {
	srv := newTextureServer(t)
	defer srv.Close()

	store := newFakeStore()
	store.regions["t"] = []model.Region{{Grid: "t", X: 0, Y: 0, SizeX: 256, SizeY: 256, Name: "r1"}}
	store.heightFields[heightKey("t", 0, 0)] = storage.HeightFieldRow{
		SizeX: 256, SizeY: 256, SamplesX: 3, SamplesY: 3,
		Scale: 10, Offset: 0,
		Elevs:         []byte{0, 25, 50, 75, 100, 125, 150, 200, 255},
		WaterLevel:    1.0,
		HasWaterLevel: true,
	}

	cat := catalog.NewMemCatalog()
	fetcher := sculpt.NewTerrainTileFetcher(srv.URL+"/", 5*time.Second)
	fixedTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	pl := New(store, cat, fetcher, Options{OutDir: t.TempDir()}, func() time.Time { return fixedTime })

	summary, err := pl.Run(context.Background(), "t")
	if err != nil {
		t.Fatal(err)
	}
	if summary.RegionsStreamed != 1 || summary.GroupsCompleted != 1 || summary.TilesEmitted != 1 {
		t.Fatalf("unexpected summary on first run: %+v", summary)
	}
	if summary.AssetsGenerated != 2 || summary.AssetsReused != 0 {
		t.Fatalf("expected 2 freshly generated assets (sculpt + texture), got %+v", summary)
	}
	if len(store.insertedRows) != 1 {
		t.Fatalf("expected 1 staged impostor row, got %d", len(store.insertedRows))
	}
	if store.insertedRows[0].SculptUUID == nil {
		t.Fatal("staged row is missing its sculpt uuid")
	}

	summary2, err := pl.Run(context.Background(), "t")
	if err != nil {
		t.Fatal(err)
	}
	if summary2.AssetsGenerated != 0 || summary2.AssetsReused != 2 {
		t.Fatalf("expected identical content to be fully reused on rerun, got %+v", summary2)
	}
}

func TestEmptyVizGroupIsDataError(t *testing.T) {
	pl := New(newFakeStore(), catalog.NewMemCatalog(), sculpt.NewTerrainTileFetcher("", time.Second), Options{}, nil)
	err := pl.runGroup(context.Background(), "t", 0, model.VizGroup{Grid: "t"}, scheduler.NewHeightFieldCache(), &Summary{})
	if !errors.Is(err, errs.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestBuildFilenameWithinLimit(t *testing.T) {
	desc := model.RegionDescriptor{LocX: 100, LocY: 200, SizeX: 256, SizeY: 256, LOD: 0}
	name, err := buildFilename("RS", desc, 3, 10.5, 2.25, 1.0, 0xabcdef01)
	if err != nil {
		t.Fatal(err)
	}
	if len(name) > maxFilenameLen {
		t.Fatalf("name %q exceeds the %d-character limit", name, maxFilenameLen)
	}
}

func TestBuildFilenameTooLongIsBoundsError(t *testing.T) {
	desc := model.RegionDescriptor{
		LocX: 123456789012345, LocY: 123456789012345,
		SizeX: 123456789012345, SizeY: 123456789012345, LOD: 9,
	}
	_, err := buildFilename("RS", desc, 999999999, 123456789.12, 987654321.99, 555555555.55, 0xdeadbeef)
	if !errors.Is(err, errs.ErrBounds) {
		t.Fatalf("expected ErrBounds, got %v", err)
	}
}
