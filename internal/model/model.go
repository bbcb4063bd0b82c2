// Package model holds the shared data-model types that flow between the
// vizgroup builder, the LOD scheduler, the asset catalog, and the pipeline,
// so none of those packages needs to import another's internal record
// shapes.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Region is one row of raw_terrain_heights, identified within a grid by its
// (X, Y) world-coordinate lower-left corner.
type Region struct {
	Grid       string
	X, Y       int64
	SizeX      int64
	SizeY      int64
	Name       string
	WaterLevel *float64
}

// RegionDescriptor names a tile at a given LOD: LOD 0 is a single base
// region, LOD k covers a 2^k x 2^k block of base regions aligned to
// 2^k*base_size on both axes.
type RegionDescriptor struct {
	Grid  string
	LocX  int64
	LocY  int64
	SizeX int64
	SizeY int64
	Name  string
	LOD   int
}

// VizGroup is a maximal set of regions in one grid connected by adjacency.
type VizGroup struct {
	Grid    string
	Members []Region
}

// AssetType enumerates the kinds of artifacts the asset catalog tracks.
type AssetType string

const (
	AssetBaseTexture     AssetType = "BaseTexture"
	AssetEmissiveTexture AssetType = "EmissiveTexture"
	AssetSculptTexture   AssetType = "SculptTexture"
	AssetMesh            AssetType = "Mesh"
)

// AssetRecord is one row of tile_assets: a content-addressed artifact
// already known to be durably staged (and, eventually, uploaded).
type AssetRecord struct {
	Grid         string
	LocX, LocY   int64
	SizeX, SizeY int64
	AssetType    AssetType
	ContentHash  uint32
	Name         string
	UUID         uuid.UUID
	CreationTime time.Time
	// LOD and VizGroup are informational only: tile_assets' uniqueness key
	// (grid, loc, size, asset_type, texture_index, asset_hash) does not
	// include them, since the same content can legitimately be reused
	// across LODs and viz groups.
	LOD      int
	VizGroup int
}

// InitialImpostorRow is one row of the initial_impostors staging table.
type InitialImpostorRow struct {
	Grid             string
	Name             string
	LocX, LocY       int64
	SizeX, SizeY     int64
	ScaleX           float64
	ScaleY           float64
	ScaleZ           float64
	ElevationOffset  float64
	LOD              int
	VizGroup         int
	SculptUUID       *uuid.UUID
	SculptHash       *string
	MeshUUID         *uuid.UUID
	MeshHash         *string
	WaterHeight      float64
	FacesJSON        string
	CreationTime     time.Time
}
