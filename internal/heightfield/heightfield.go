// Package heightfield implements the quantized terrain grid: construction
// from a raw byte blob, scale/offset recovery, 8-bit sculpt quantization,
// and the combine/halve operations the LOD scheduler uses to build coarser
// tiles from finer ones.
package heightfield

import (
	"fmt"
	"math"

	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

// HeightField is a 2-D grid of elevations with rows*cols samples, both
// dimensions odd so the outer row/column is the shared boundary with a
// neighbouring region.
type HeightField struct {
	Rows, Cols int
	// Elevs is row-major, Elevs[row*Cols+col].
	Elevs      []float32
	SizeX      float64
	SizeY      float64
	WaterLevel float64
}

func (h HeightField) String() string {
	return fmt.Sprintf("HeightField(%dx%d, size=%.1fx%.1f, water=%.2f)", h.Rows, h.Cols, h.SizeX, h.SizeY, h.WaterLevel)
}

func (h HeightField) at(row, col int) float32 {
	return h.Elevs[row*h.Cols+col]
}

func (h *HeightField) set(row, col int, v float32) {
	h.Elevs[row*h.Cols+col] = v
}

// u8ToElev converts a quantized byte back to an elevation.
func u8ToElev(b byte, scale, offset float64) float64 {
	return (float64(b)/256.0)*scale + offset
}

// elevToU8 quantizes an elevation to a byte given scale/offset.
func elevToU8(z, scale, offset float64) byte {
	if scale <= 1e-3 {
		return 0
	}
	v := math.Floor(((z - offset) / scale) * 256.0)
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return byte(v)
}

// FromFlatElevations interprets bytes[i] in [0,255] as an elevation sample,
// row-major with Y varying fastest (the raw_terrain_heights blob layout),
// and constructs a HeightField.
func FromFlatElevations(data []byte, samplesX, samplesY int, sizeX, sizeY, scale, offset, water float64) (HeightField, error) {
	if samplesX <= 0 || samplesY <= 0 || samplesX*samplesY != len(data) {
		return HeightField{}, fmt.Errorf("%w: samples_x(%d)*samples_y(%d)=%d does not match byte length %d",
			errs.ErrData, samplesX, samplesY, samplesX*samplesY, len(data))
	}
	elevs := make([]float32, len(data))
	for i, b := range data {
		elevs[i] = float32(u8ToElev(b, scale, offset))
	}
	return HeightField{
		Rows:       samplesX,
		Cols:       samplesY,
		Elevs:      elevs,
		SizeX:      sizeX,
		SizeY:      sizeY,
		WaterLevel: water,
	}, nil
}

// ScaleOffset computes offset = min(elevs), scale = max(elevs) - min(elevs).
func (h HeightField) ScaleOffset() (scale, offset float64, err error) {
	if len(h.Elevs) == 0 {
		return 0, 0, fmt.Errorf("%w: height field has no samples", errs.ErrData)
	}
	min32, max32 := h.Elevs[0], h.Elevs[0]
	for _, v := range h.Elevs[1:] {
		if v < min32 {
			min32 = v
		}
		if v > max32 {
			max32 = v
		}
	}
	return float64(max32 - min32), float64(min32), nil
}

// ToSculptArray quantizes every elevation with elevToU8, returning the
// scale/offset used and the resulting byte grid in [row][col] form.
func (h HeightField) ToSculptArray() (scale, offset float64, grid [][]byte, err error) {
	scale, offset, err = h.ScaleOffset()
	if err != nil {
		return 0, 0, nil, err
	}
	grid = make([][]byte, h.Rows)
	for r := 0; r < h.Rows; r++ {
		row := make([]byte, h.Cols)
		for c := 0; c < h.Cols; c++ {
			row[c] = elevToU8(float64(h.at(r, c)), scale, offset)
		}
		grid[r] = row
	}
	return scale, offset, grid, nil
}

// Quadrant identifies one of the four children Combine expects:
// lower-left, lower-right, upper-left, upper-right.
type Quadrant int

const (
	LowerLeft Quadrant = iota
	LowerRight
	UpperLeft
	UpperRight
)

// Combine produces a field of (2*rows-1)x(2*cols-1) samples covering twice
// the area in each axis, one optional HeightField per quadrant. Missing
// quadrants are filled with the lowest water level among the present ones.
// At least one quadrant must be present.
func Combine(quadrants [4]*HeightField) (HeightField, error) {
	var present []*HeightField
	for _, q := range quadrants {
		if q != nil {
			present = append(present, q)
		}
	}
	if len(present) == 0 {
		return HeightField{}, fmt.Errorf("%w: combine requires at least one present quadrant", errs.ErrData)
	}

	rows, cols := present[0].Rows, present[0].Cols
	for _, q := range present {
		if q.Rows != rows || q.Cols != cols {
			return HeightField{}, fmt.Errorf("%w: combine quadrants have mismatched dimensions", errs.ErrData)
		}
	}

	minWater := present[0].WaterLevel
	for _, q := range present[1:] {
		if q.WaterLevel < minWater {
			minWater = q.WaterLevel
		}
	}

	outRows := 2*rows - 1
	outCols := 2*cols - 1
	out := HeightField{
		Rows:       outRows,
		Cols:       outCols,
		Elevs:      make([]float32, outRows*outCols),
		SizeX:      present[0].SizeX * 2,
		SizeY:      present[0].SizeY * 2,
		WaterLevel: minWater,
	}

	fillQuadrant := func(q *HeightField, rowOff, colOff int) {
		var src *HeightField
		if q != nil {
			src = q
		} else {
			// Synthesize a flat field at the shared minimum water level.
			flat := make([]float32, rows*cols)
			for i := range flat {
				flat[i] = float32(minWater)
			}
			src = &HeightField{Rows: rows, Cols: cols, Elevs: flat}
		}
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out.set(rowOff+r, colOff+c, src.at(r, c))
			}
		}
	}

	// Lower-left occupies rows [0,rows), cols [0,cols).
	// Lower-right occupies rows [0,rows), cols [cols-1, 2cols-1).
	// Upper-left occupies rows [rows-1, 2rows-1), cols [0,cols).
	// Upper-right occupies rows [rows-1, 2rows-1), cols [cols-1, 2cols-1).
	fillQuadrant(quadrants[LowerLeft], 0, 0)
	fillQuadrant(quadrants[LowerRight], 0, cols-1)
	fillQuadrant(quadrants[UpperLeft], rows-1, 0)
	fillQuadrant(quadrants[UpperRight], rows-1, cols-1)

	return out, nil
}

// Halve returns a field of ((rows+1)/2)x((cols+1)/2) samples, keeping every
// other sample so that boundary points line up with an adjacent aggregated
// tile built the same way. size_x/size_y and water_level are unchanged.
func (h HeightField) Halve() HeightField {
	outRows := (h.Rows + 1) / 2
	outCols := (h.Cols + 1) / 2
	out := HeightField{
		Rows:       outRows,
		Cols:       outCols,
		Elevs:      make([]float32, outRows*outCols),
		SizeX:      h.SizeX,
		SizeY:      h.SizeY,
		WaterLevel: h.WaterLevel,
	}
	for r := 0; r < outRows; r++ {
		for c := 0; c < outCols; c++ {
			out.set(r, c, h.at(r*2, c*2))
		}
	}
	return out
}
