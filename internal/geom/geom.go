// Package geom implements the small arithmetic helpers the LOD scheduler
// needs: finding the smallest power-of-two-aligned square of cells
// enclosing a bounding box, and computing the bounding box of a set of
// homogeneous-size region descriptors.
package geom

import (
	"fmt"

	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

// MaxLOD bounds EnclosingSquare's search; 16 is ample since worlds are
// bounded.
const MaxLOD = 16

// Point is an integer cell coordinate.
type Point struct {
	X, Y int64
}

// Bounds is an axis-aligned half-open box [LL, UR) in cell units.
type Bounds struct {
	LL, UR Point
}

// EnclosingSquare finds the smallest K such that a 2^K x 2^K cell square,
// aligned to a multiple of 2^K on both axes, contains bounds.
func EnclosingSquare(bounds Bounds) (k int, ll, ur Point, err error) {
	for k = 0; k <= MaxLOD; k++ {
		size := int64(1) << uint(k)
		llx := floorDiv(bounds.LL.X, size) * size
		lly := floorDiv(bounds.LL.Y, size) * size
		urx := llx + size
		ury := lly + size
		if urx >= bounds.UR.X && ury >= bounds.UR.Y {
			return k, Point{llx, lly}, Point{urx, ury}, nil
		}
	}
	return 0, Point{}, Point{}, fmt.Errorf("%w: no enclosing square within K<=%d for bounds %+v", errs.ErrBounds, MaxLOD, bounds)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Member is the minimal shape groupBounds needs from a region/descriptor.
type Member struct {
	X, Y   int64
	SX, SY int64
}

// GroupBounds computes ((min_x,min_y),(max_x+size_x,max_y+size_y)) over a
// non-empty, size-homogeneous set of members.
func GroupBounds(members []Member) (Bounds, error) {
	if len(members) == 0 {
		return Bounds{}, fmt.Errorf("%w: groupBounds requires at least one member", errs.ErrData)
	}
	sx, sy := members[0].SX, members[0].SY
	minX, minY := members[0].X, members[0].Y
	maxX, maxY := members[0].X, members[0].Y
	for _, m := range members[1:] {
		if m.SX != sx || m.SY != sy {
			return Bounds{}, fmt.Errorf("%w: groupBounds requires homogeneous member sizes", errs.ErrData)
		}
		if m.X < minX {
			minX = m.X
		}
		if m.Y < minY {
			minY = m.Y
		}
		if m.X > maxX {
			maxX = m.X
		}
		if m.Y > maxY {
			maxY = m.Y
		}
	}
	return Bounds{
		LL: Point{minX, minY},
		UR: Point{maxX + sx, maxY + sy},
	}, nil
}
