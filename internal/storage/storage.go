package storage

/*
 Copyright 2019 - 2025 Crunchy Data Solutions, Inc.
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at
      http://www.apache.org/licenses/LICENSE-2.0
 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package storage implements the pipeline's tabular storage port against
// DuckDB, via database/sql and the duckdb-go driver. It also owns the
// three tables' schema, created idempotently on connect, so a fresh run
// against an empty database file just works.
import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/animats/impostorpipeline/internal/conf"
	"github.com/animats/impostorpipeline/internal/model"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

// RegionStream is a cursor-like iterator over one grid's regions, sorted
// lex by (x, y). The largest grids have tens of thousands of regions, so
// callers consume the cursor row by row rather than materializing the
// whole list.
type RegionStream interface {
	// Next returns the next region, or ok=false once exhausted.
	Next(ctx context.Context) (model.Region, bool, error)
	Close() error
}

// Store is the tabular storage port the pipeline depends on.
type Store interface {
	// StreamRegions opens a RegionStream over grid's regions in lex (x, y) order.
	StreamRegions(ctx context.Context, grid string) (RegionStream, error)
	// LoadHeightField loads the raw terrain height field for one base region.
	LoadHeightField(ctx context.Context, grid string, locX, locY int64) (HeightFieldRow, error)
	// ClearInitialImpostors deletes any existing staged rows for grid.
	ClearInitialImpostors(ctx context.Context, grid string) error
	// InsertInitialImpostor appends one staged output row.
	InsertInitialImpostor(ctx context.Context, row model.InitialImpostorRow) error
	// LookupAsset and InsertAsset back the asset catalog's tile_assets table.
	LookupAsset(ctx context.Context, rec model.AssetRecord) (uuid.UUID, bool, error)
	InsertAsset(ctx context.Context, rec model.AssetRecord) error
	Close() error
}

// HeightFieldRow is the raw_terrain_heights row shape LoadHeightField
// returns; internal/pipeline turns it into a heightfield.HeightField via
// heightfield.FromFlatElevations once it knows the caller's intent.
type HeightFieldRow struct {
	SizeX, SizeY         int64
	SamplesX, SamplesY   int
	Scale, Offset        float64
	Elevs                []byte
	WaterLevel           float64
	HasWaterLevel        bool
}

const ddl = `
CREATE TABLE IF NOT EXISTS raw_terrain_heights (
	grid VARCHAR NOT NULL,
	loc_x BIGINT NOT NULL,
	loc_y BIGINT NOT NULL,
	size_x BIGINT NOT NULL,
	size_y BIGINT NOT NULL,
	samples_x INTEGER NOT NULL,
	samples_y INTEGER NOT NULL,
	scale DOUBLE NOT NULL,
	"offset" DOUBLE NOT NULL,
	elevs BLOB NOT NULL,
	name VARCHAR,
	water_level DOUBLE,
	creator VARCHAR,
	creation_time TIMESTAMP,
	confirmer VARCHAR,
	confirmation_time TIMESTAMP,
	PRIMARY KEY (grid, loc_x, loc_y)
);

CREATE TABLE IF NOT EXISTS initial_impostors (
	grid VARCHAR NOT NULL,
	name VARCHAR,
	loc_x BIGINT NOT NULL,
	loc_y BIGINT NOT NULL,
	size_x BIGINT NOT NULL,
	size_y BIGINT NOT NULL,
	scale_x DOUBLE NOT NULL,
	scale_y DOUBLE NOT NULL,
	scale_z DOUBLE NOT NULL,
	elevation_offset DOUBLE NOT NULL,
	impostor_lod INTEGER NOT NULL,
	viz_group INTEGER NOT NULL,
	mesh_uuid UUID,
	sculpt_uuid UUID,
	mesh_hash VARCHAR,
	sculpt_hash VARCHAR,
	water_height DOUBLE NOT NULL,
	creation_time TIMESTAMP NOT NULL,
	faces_json VARCHAR NOT NULL
);

CREATE TABLE IF NOT EXISTS tile_assets (
	grid VARCHAR NOT NULL,
	loc_x BIGINT NOT NULL,
	loc_y BIGINT NOT NULL,
	size_x BIGINT NOT NULL,
	size_y BIGINT NOT NULL,
	impostor_lod INTEGER NOT NULL,
	viz_group INTEGER NOT NULL,
	texture_index INTEGER NOT NULL DEFAULT 0,
	asset_type VARCHAR NOT NULL,
	asset_name VARCHAR NOT NULL,
	asset_hash VARCHAR NOT NULL,
	asset_uuid UUID NOT NULL,
	creation_time TIMESTAMP NOT NULL,
	PRIMARY KEY (grid, loc_x, loc_y, size_x, size_y, asset_type, texture_index, asset_hash)
);
`

// DuckDBStore is the production Store, backed by a single *sql.DB.
type DuckDBStore struct {
	db *sql.DB
}

// Open connects to the DuckDB file at dsn, configures the connection pool
// from the resolved configuration, and ensures the pipeline's tables exist.
func Open(ctx context.Context, dsn string) (*DuckDBStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: blank DuckDB path is not allowed", errs.ErrInput)
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening DuckDB database %q: %v", errs.ErrUpstream, dsn, err)
	}

	dbConf := conf.Configuration.Database
	db.SetMaxOpenConns(dbConf.MaxOpenConns)
	db.SetMaxIdleConns(dbConf.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(dbConf.ConnMaxLifetimeSeconds) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(dbConf.ConnMaxIdleTimeSeconds) * time.Second)
	log.Debugf("Connection pool configured: MaxOpenConns=%d, MaxIdleConns=%d, ConnMaxLifetime=%ds, ConnMaxIdleTime=%ds",
		dbConf.MaxOpenConns, dbConf.MaxIdleConns, dbConf.ConnMaxLifetimeSeconds, dbConf.ConnMaxIdleTimeSeconds)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging DuckDB database %q: %v", errs.ErrUpstream, dsn, err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: provisioning schema on %q: %v", errs.ErrUpstream, dsn, err)
	}
	log.Infof("Connected to DuckDB: %s", dsn)
	return &DuckDBStore{db: db}, nil
}

func (s *DuckDBStore) Close() error { return s.db.Close() }

type dbRegionStream struct {
	rows *sql.Rows
}

func (s *DuckDBStore) StreamRegions(ctx context.Context, grid string) (RegionStream, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT loc_x, loc_y, size_x, size_y, name, water_level
		FROM raw_terrain_heights
		WHERE grid = ?
		ORDER BY loc_x, loc_y`, grid)
	if err != nil {
		log.Warnf("streaming regions for grid %s: %v", grid, err)
		return nil, fmt.Errorf("%w: streaming regions for grid %s: %v", errs.ErrUpstream, grid, err)
	}
	log.Debugf("opened region stream for grid %s in %v", grid, time.Since(start))
	return &dbRegionStream{rows: rows}, nil
}

func (rs *dbRegionStream) Next(ctx context.Context) (model.Region, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Region{}, false, err
	}
	if !rs.rows.Next() {
		if err := rs.rows.Err(); err != nil {
			return model.Region{}, false, fmt.Errorf("%w: scanning region row: %v", errs.ErrUpstream, err)
		}
		return model.Region{}, false, nil
	}
	var r model.Region
	var water sql.NullFloat64
	if err := rs.rows.Scan(&r.X, &r.Y, &r.SizeX, &r.SizeY, &r.Name, &water); err != nil {
		return model.Region{}, false, fmt.Errorf("%w: scanning region row: %v", errs.ErrUpstream, err)
	}
	if water.Valid {
		v := water.Float64
		r.WaterLevel = &v
	}
	return r, true, nil
}

func (rs *dbRegionStream) Close() error { return rs.rows.Close() }

func (s *DuckDBStore) LoadHeightField(ctx context.Context, grid string, locX, locY int64) (HeightFieldRow, error) {
	var row HeightFieldRow
	var water sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT size_x, size_y, samples_x, samples_y, scale, "offset", elevs, water_level
		FROM raw_terrain_heights
		WHERE grid = ? AND loc_x = ? AND loc_y = ?`, grid, locX, locY).
		Scan(&row.SizeX, &row.SizeY, &row.SamplesX, &row.SamplesY, &row.Scale, &row.Offset, &row.Elevs, &water)
	if err == sql.ErrNoRows {
		return HeightFieldRow{}, fmt.Errorf("%w: no raw terrain heights for grid %s at (%d,%d)", errs.ErrData, grid, locX, locY)
	}
	if err != nil {
		return HeightFieldRow{}, fmt.Errorf("%w: loading height field for grid %s at (%d,%d): %v", errs.ErrUpstream, grid, locX, locY, err)
	}
	if water.Valid {
		row.WaterLevel = water.Float64
		row.HasWaterLevel = true
	}
	return row, nil
}

func (s *DuckDBStore) ClearInitialImpostors(ctx context.Context, grid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM initial_impostors WHERE grid = ?`, grid); err != nil {
		return fmt.Errorf("%w: clearing initial impostors for grid %s: %v", errs.ErrUpstream, grid, err)
	}
	return nil
}

func (s *DuckDBStore) InsertInitialImpostor(ctx context.Context, row model.InitialImpostorRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO initial_impostors
			(grid, name, loc_x, loc_y, size_x, size_y, scale_x, scale_y, scale_z,
			 elevation_offset, impostor_lod, viz_group, mesh_uuid, sculpt_uuid,
			 mesh_hash, sculpt_hash, water_height, creation_time, faces_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Grid, row.Name, row.LocX, row.LocY, row.SizeX, row.SizeY,
		row.ScaleX, row.ScaleY, row.ScaleZ, row.ElevationOffset, row.LOD, row.VizGroup,
		nullableUUID(row.MeshUUID), nullableUUID(row.SculptUUID),
		nullableString(row.MeshHash), nullableString(row.SculptHash),
		row.WaterHeight, row.CreationTime, row.FacesJSON)
	if err != nil {
		return fmt.Errorf("%w: inserting initial impostor row for grid %s at (%d,%d): %v", errs.ErrUpstream, row.Grid, row.LocX, row.LocY, err)
	}
	return nil
}

func (s *DuckDBStore) LookupAsset(ctx context.Context, rec model.AssetRecord) (uuid.UUID, bool, error) {
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_uuid FROM tile_assets
		WHERE grid = ? AND loc_x = ? AND loc_y = ? AND size_x = ? AND size_y = ?
		  AND asset_type = ? AND asset_hash = ?`,
		rec.Grid, rec.LocX, rec.LocY, rec.SizeX, rec.SizeY, string(rec.AssetType), contentHashHex(rec.ContentHash)).
		Scan(&idStr)
	if err == sql.ErrNoRows {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("%w: looking up tile asset: %v", errs.ErrUpstream, err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.UUID{}, false, fmt.Errorf("%w: malformed asset uuid %q in catalog: %v", errs.ErrData, idStr, err)
	}
	return id, true, nil
}

func (s *DuckDBStore) InsertAsset(ctx context.Context, rec model.AssetRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tile_assets
			(grid, loc_x, loc_y, size_x, size_y, impostor_lod, viz_group,
			 texture_index, asset_type, asset_name, asset_hash, asset_uuid, creation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		rec.Grid, rec.LocX, rec.LocY, rec.SizeX, rec.SizeY, rec.LOD, rec.VizGroup,
		string(rec.AssetType), rec.Name, contentHashHex(rec.ContentHash), rec.UUID.String(), rec.CreationTime)
	if err != nil {
		return fmt.Errorf("%w: inserting tile asset for grid %s at (%d,%d): %v", errs.ErrUpstream, rec.Grid, rec.LocX, rec.LocY, err)
	}
	return nil
}

func contentHashHex(h uint32) string {
	return fmt.Sprintf("%08x", h)
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
