// Package vizgroup computes the visibility groups of a grid's regions: the
// transitive closure of geometric adjacency over a lexicographically
// (grid, x, y) ordered stream.
//
// The closure is a sweep line over columns of regions. Groups live in an
// arena addressed by a stable integer id, merges rewrite union-find parent
// pointers, and each group carries a live-reference count of the sweep-line
// blocks still pointing at it. A group whose count reaches zero can no
// longer grow and is delivered to the grid's completed set.
package vizgroup

import (
	"fmt"
	"sort"

	"github.com/animats/impostorpipeline/internal/model"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

type groupID int

// group is one arena slot. Only a root slot (parent == its own id) holds a
// live members list and an accurate liveCount; a merged-away slot's members
// have been transferred to its new root and its liveCount zeroed.
type group struct {
	parent    groupID
	liveCount int
	members   []model.Region
}

type columnEntry struct {
	region model.Region
	gid    groupID
}

type liveBlock struct {
	region model.Region
	gid    groupID
}

// Builder runs the sweep-line transitive closure over one or more grids fed
// to it in lexicographic (grid, x, y) order.
type Builder struct {
	cornersTouch bool

	groups []group

	haveCurrent bool
	grid        string
	x           int64
	haveY       bool
	y           int64

	column     []columnEntry
	liveBlocks []liveBlock // kept sorted ascending by region.Y

	// completed accumulates groups whose last live reference is gone; the
	// whole slice is handed over when the grid's stream ends.
	completed []model.VizGroup
}

// New creates a Builder. When cornersTouch is true, rectangles whose only
// shared boundary is a single corner are treated as adjacent (the semantics
// Open Simulator grids use); Second Life grids use false.
func New(cornersTouch bool) *Builder {
	return &Builder{cornersTouch: cornersTouch}
}

// Add feeds one region, which must arrive in lexicographic (grid, x, y)
// order relative to everything fed so far. Duplicate (grid, x, y) rows are
// accepted and collapsed into one region. When this region belongs to a
// different grid than the previous one, the previous grid is flushed and its
// completed groups are returned.
func (b *Builder) Add(r model.Region) ([]model.VizGroup, error) {
	if !b.haveCurrent {
		// b.grid survives a flush, so a grid resuming or regressing after
		// its stream already ended is caught here too.
		if b.grid != "" && r.Grid <= b.grid {
			return nil, fmt.Errorf("%w: grid %q arrived out of order after grid %q already completed", errs.ErrInput, r.Grid, b.grid)
		}
		b.startGrid(r.Grid)
		b.pushColumn(r)
		return nil, nil
	}

	if r.Grid != b.grid {
		// Grids arrive in ascending order, so the current grid is also the
		// maximum seen; anything below it is either a reappearance of a
		// completed grid or an unsorted stream.
		if r.Grid < b.grid {
			return nil, fmt.Errorf("%w: grid %q arrived out of order after grid %q", errs.ErrInput, r.Grid, b.grid)
		}
		completed, err := b.flushGrid()
		if err != nil {
			return nil, err
		}
		b.startGrid(r.Grid)
		b.pushColumn(r)
		return completed, nil
	}

	switch {
	case r.X < b.x:
		return nil, fmt.Errorf("%w: region (%d,%d) on grid %q arrived out of order after x=%d", errs.ErrInput, r.X, r.Y, r.Grid, b.x)
	case r.X == b.x:
		if b.haveY && r.Y < b.y {
			return nil, fmt.Errorf("%w: region (%d,%d) on grid %q arrived out of order after y=%d", errs.ErrInput, r.X, r.Y, r.Grid, b.y)
		}
		if b.haveY && r.Y == b.y {
			// Duplicate (grid, x, y): collapse.
			return nil, nil
		}
		b.pushColumn(r)
		return nil, nil
	default: // r.X > b.x
		if err := b.closeColumn(); err != nil {
			return nil, err
		}
		b.x = r.X
		b.haveY = false
		b.pushColumn(r)
		return nil, nil
	}
}

// Finish flushes the grid currently in progress, if any, and returns its
// completed groups.
func (b *Builder) Finish() ([]model.VizGroup, error) {
	if !b.haveCurrent {
		return nil, nil
	}
	return b.flushGrid()
}

func (b *Builder) startGrid(grid string) {
	b.haveCurrent = true
	b.grid = grid
	b.x = 0
	b.haveY = false
	b.column = nil
	b.liveBlocks = nil
}

func (b *Builder) pushColumn(r model.Region) {
	gid := b.newGroup(r)
	b.column = append(b.column, columnEntry{region: r, gid: gid})
	b.x = r.X
	b.haveY = true
	b.y = r.Y
}

func (b *Builder) newGroup(r model.Region) groupID {
	gid := groupID(len(b.groups))
	b.groups = append(b.groups, group{
		parent:    gid,
		liveCount: 1,
		members:   []model.Region{r},
	})
	return gid
}

func (b *Builder) find(id groupID) groupID {
	root := id
	for b.groups[root].parent != root {
		root = b.groups[root].parent
	}
	// Path compression.
	for b.groups[id].parent != root {
		next := b.groups[id].parent
		b.groups[id].parent = root
		id = next
	}
	return root
}

// union merges the groups x and y belong to, if they differ, transferring
// y's root's members and live-reference count into x's root.
func (b *Builder) union(x, y groupID) {
	rx, ry := b.find(x), b.find(y)
	if rx == ry {
		return
	}
	b.groups[rx].members = append(b.groups[rx].members, b.groups[ry].members...)
	b.groups[rx].liveCount += b.groups[ry].liveCount
	b.groups[ry].members = nil
	b.groups[ry].liveCount = 0
	b.groups[ry].parent = rx
}

// rect is the axis-aligned box of a region, in world coordinates.
type rect struct {
	x0, x1 int64
	y0, y1 int64
}

func boxOf(r model.Region) rect {
	return rect{x0: r.X, x1: r.X + r.SizeX, y0: r.Y, y1: r.Y + r.SizeY}
}

// intervalRelation classifies two closed intervals: 1 means a positive-length
// overlap, 0 means they touch at exactly one point, -1 means a gap.
func intervalRelation(lo0, hi0, lo1, hi1 int64) int {
	lo := lo0
	if lo1 > lo {
		lo = lo1
	}
	hi := hi0
	if hi1 < hi {
		hi = hi1
	}
	switch {
	case lo < hi:
		return 1
	case lo == hi:
		return 0
	default:
		return -1
	}
}

// adjacent reports whether two rectangles touch or overlap on both axes.
// When the only shared boundary is a single corner point (both axes report
// a zero-length touch), adjacency additionally requires cornersTouch.
func adjacent(a, c rect, cornersTouch bool) bool {
	xr := intervalRelation(a.x0, a.x1, c.x0, c.x1)
	yr := intervalRelation(a.y0, a.y1, c.y0, c.y1)
	if xr < 0 || yr < 0 {
		return false
	}
	if xr == 0 && yr == 0 {
		return cornersTouch
	}
	return true
}

// closeColumn merges adjacent entries within the finished column, merges
// across the live-block horizon, purges live blocks that can no longer
// reach any future column, then adds the column's entries as new live
// blocks.
func (b *Builder) closeColumn() error {
	if len(b.column) == 0 {
		return nil
	}

	for i := 1; i < len(b.column); i++ {
		prev, curr := b.column[i-1], b.column[i]
		if adjacent(boxOf(prev.region), boxOf(curr.region), b.cornersTouch) {
			b.union(prev.gid, curr.gid)
		}
	}

	// Interval-overlap sweep over two y-sorted lists. Advance whichever
	// interval ends first: a tall live block can span several column
	// entries and must be tested against each of them before moving on.
	i, j := 0, 0
	for i < len(b.liveBlocks) && j < len(b.column) {
		prev := b.liveBlocks[i]
		curr := b.column[j]
		if adjacent(boxOf(prev.region), boxOf(curr.region), b.cornersTouch) {
			b.union(prev.gid, curr.gid)
		}
		if prev.region.Y+prev.region.SizeY <= curr.region.Y+curr.region.SizeY {
			i++
		} else {
			j++
		}
	}

	xLimit := b.column[0].region.X
	if err := b.purgeLiveBlocks(func(lb liveBlock) bool {
		return lb.region.X+lb.region.SizeX > xLimit
	}); err != nil {
		return err
	}

	for _, ce := range b.column {
		b.liveBlocks = append(b.liveBlocks, liveBlock{region: ce.region, gid: ce.gid})
	}
	sort.Slice(b.liveBlocks, func(i, j int) bool {
		return b.liveBlocks[i].region.Y < b.liveBlocks[j].region.Y
	})
	b.column = b.column[:0]
	return nil
}

// purgeLiveBlocks keeps only the live blocks for which keep returns true,
// decrementing the live-reference count of every purged block's resolved
// group. A group whose count reaches zero can never gain new members, so
// its member list moves to the grid's completed accumulator immediately.
func (b *Builder) purgeLiveBlocks(keep func(liveBlock) bool) error {
	kept := b.liveBlocks[:0]
	for _, lb := range b.liveBlocks {
		if keep(lb) {
			kept = append(kept, lb)
			continue
		}
		root := b.find(lb.gid)
		b.groups[root].liveCount--
		if b.groups[root].liveCount < 0 {
			return fmt.Errorf("%w: live-reference count went negative for a viz group", errs.ErrInternal)
		}
		if b.groups[root].liveCount == 0 && len(b.groups[root].members) > 0 {
			b.completed = append(b.completed, model.VizGroup{
				Grid:    b.grid,
				Members: b.groups[root].members,
			})
			b.groups[root].members = nil
		}
	}
	b.liveBlocks = kept
	return nil
}

// flushGrid closes the last column and purges every remaining live block
// (the finite-stream horizon), after which every group's live count has
// reached zero and the accumulator holds the grid's full partition.
func (b *Builder) flushGrid() ([]model.VizGroup, error) {
	if err := b.closeColumn(); err != nil {
		return nil, err
	}
	if err := b.purgeLiveBlocks(func(liveBlock) bool { return false }); err != nil {
		return nil, err
	}

	completed := b.completed
	b.completed = nil
	b.haveCurrent = false
	b.groups = nil
	b.column = nil
	b.liveBlocks = nil
	return completed, nil
}
