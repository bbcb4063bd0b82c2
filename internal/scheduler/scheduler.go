// Package scheduler emits the impostor tiles for one viz group in
// dependency order: a memory-bounded, column-sweeping iterator producing
// RegionDescriptors for LOD 0 through the smallest K whose 2^K x 2^K tile
// covers the group's bounding box, deferring each coarser tile until its
// four children are either emitted as land or conclusively known to be
// water. The largest viz groups run to tens of thousands of regions, so
// holding per-region state for a whole group at once is not an option;
// only the current and previous column of each LOD is retained.
//
// The iterator is a pull-based Next() method carrying its state
// explicitly. No goroutines; callers drive it one descriptor at a time.
package scheduler

import (
	"fmt"

	"github.com/animats/impostorpipeline/internal/geom"
	"github.com/animats/impostorpipeline/internal/heightfield"
	"github.com/animats/impostorpipeline/internal/model"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

type cellStatus uint8

const (
	unknown cellStatus = iota
	water
	land
)

// lodLevel holds the two-column sweep state for one LOD: a current and a
// previous column of cell statuses, bounding memory to O(height_in_cells)
// per level rather than the whole group.
type lodLevel struct {
	k            int
	sizeX, sizeY int64
	startX       int64
	rowBaseY     int64
	numRows      int
	cur, prev    []cellStatus
	nextYIndex   int
}

func newLodLevel(k int, sizeX, sizeY, startX, rowBaseY int64, numRows int) *lodLevel {
	return &lodLevel{
		k: k, sizeX: sizeX, sizeY: sizeY, startX: startX, rowBaseY: rowBaseY,
		numRows: numRows,
		cur:     make([]cellStatus, numRows),
		prev:    make([]cellStatus, numRows),
	}
}

// markLod0 records a land cell at world-y y in the current column, filling
// every preceding still-unknown slot with water (those y-rows had no input
// region and are therefore water by omission).
func (l *lodLevel) markLod0(y int64) error {
	rowIdx := int((y - l.rowBaseY) / l.sizeY)
	if rowIdx < 0 || rowIdx >= l.numRows {
		return fmt.Errorf("%w: LOD-0 row index %d out of range [0,%d)", errs.ErrInternal, rowIdx, l.numRows)
	}
	if rowIdx < l.nextYIndex {
		return fmt.Errorf("%w: LOD-0 input not ordered ascending by y", errs.ErrInput)
	}
	for i := l.nextYIndex; i < rowIdx; i++ {
		if l.cur[i] == unknown {
			l.cur[i] = water
		}
	}
	if l.cur[rowIdx] == land {
		return fmt.Errorf("%w: region at row %d marked land twice", errs.ErrInternal, rowIdx)
	}
	l.cur[rowIdx] = land
	l.nextYIndex = rowIdx + 1
	return nil
}

// columnFinished fills every remaining unknown slot in the current column
// with water: no more input will arrive for this column.
func (l *lodLevel) columnFinished() {
	for i := l.nextYIndex; i < l.numRows; i++ {
		if l.cur[i] == unknown {
			l.cur[i] = water
		}
	}
	l.nextYIndex = l.numRows
}

// shift advances to the next column: the current column becomes the
// previous one, ready to be consumed by this level's parent's scanLodN.
func (l *lodLevel) shift() error {
	for _, s := range l.cur {
		if s == unknown {
			return fmt.Errorf("%w: cannot shift LOD %d column with unresolved cells", errs.ErrInternal, l.k)
		}
	}
	l.cur, l.prev = l.prev, l.cur
	for i := range l.cur {
		l.cur[i] = unknown
	}
	l.nextYIndex = 0
	l.startX += l.sizeX
	return nil
}

// isAlignedWith reports whether finer's current+previous columns together
// span exactly the x-range of l's current column, the precise condition
// under which l may consume them via scanLodN.
func (l *lodLevel) isAlignedWith(finer *lodLevel) bool {
	return l.startX+finer.sizeX == finer.startX
}

// scanLodN consumes finer's current+previous columns (the two finer columns
// spanning l's current column) and resolves every still-unknown row of l
// whose four children are all known. Rows with a still-unknown child are
// left unknown for a later call. Returns the descriptors newly emitted as
// land.
func (l *lodLevel) scanLodN(finer *lodLevel) []model.RegionDescriptor {
	var out []model.RegionDescriptor
	for r := 0; r < l.numRows; r++ {
		if l.cur[r] != unknown {
			continue
		}
		c0, c1 := 2*r, 2*r+1
		a, b := finer.prev[c0], finer.prev[c1]
		cc, d := finer.cur[c0], finer.cur[c1]
		if a == unknown || b == unknown || cc == unknown || d == unknown {
			continue
		}
		if a == water && b == water && cc == water && d == water {
			l.cur[r] = water
			continue
		}
		l.cur[r] = land
		out = append(out, model.RegionDescriptor{
			LocX: l.startX, LocY: l.rowBaseY + int64(r)*l.sizeY,
			SizeX: l.sizeX, SizeY: l.sizeY, LOD: l.k,
		})
	}
	return out
}

// Scheduler is the pull-based LOD tile iterator for one viz group.
type Scheduler struct {
	grid string

	// homogeneous carries the full multi-LOD state; when false the group's
	// members have non-uniform sizes and Scheduler falls back to emitting
	// each member at LOD 0 only.
	homogeneous bool
	fallback    []model.Region
	fallbackPos int

	baseX, baseY int64
	k            int
	levels       []*lodLevel
	squareURX    int64

	inputs                 []model.Region
	pos                    int
	out                    []model.RegionDescriptor
	inputExhaustedHandled  bool
	done                   bool
}

// New builds a Scheduler over members, which must be sorted ascending by
// (x, y). A non-homogeneous set of member sizes triggers the LOD-0-only
// fallback.
func New(grid string, members []model.Region) (*Scheduler, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: scheduler requires a non-empty viz group", errs.ErrData)
	}

	baseX, baseY := members[0].SizeX, members[0].SizeY
	homogeneous := true
	for _, m := range members[1:] {
		if m.SizeX != baseX || m.SizeY != baseY {
			homogeneous = false
			break
		}
	}
	if !homogeneous {
		return &Scheduler{grid: grid, homogeneous: false, fallback: members}, nil
	}

	geomMembers := make([]geom.Member, len(members))
	for i, m := range members {
		geomMembers[i] = geom.Member{X: m.X, Y: m.Y, SX: m.SizeX, SY: m.SizeY}
	}
	bounds, err := geom.GroupBounds(geomMembers)
	if err != nil {
		return nil, err
	}
	if baseX <= 0 || baseY <= 0 {
		return nil, fmt.Errorf("%w: region size must be positive", errs.ErrData)
	}

	cellBounds := geom.Bounds{
		LL: geom.Point{X: bounds.LL.X / baseX, Y: bounds.LL.Y / baseY},
		UR: geom.Point{X: bounds.UR.X / baseX, Y: bounds.UR.Y / baseY},
	}
	k, llCell, _, err := geom.EnclosingSquare(cellBounds)
	if err != nil {
		return nil, err
	}

	squareLLX := llCell.X * baseX
	squareLLY := llCell.Y * baseY
	side := int64(1) << uint(k)

	levels := make([]*lodLevel, k+1)
	for lvl := 0; lvl <= k; lvl++ {
		sizeX := baseX << uint(lvl)
		sizeY := baseY << uint(lvl)
		numRows := int(side >> uint(lvl))
		levels[lvl] = newLodLevel(lvl, sizeX, sizeY, squareLLX, squareLLY, numRows)
	}

	return &Scheduler{
		grid:        grid,
		homogeneous: true,
		baseX:       baseX, baseY: baseY,
		k: k, levels: levels,
		squareURX: squareLLX + side*baseX,
		inputs:    members,
	}, nil
}

// Next returns the next RegionDescriptor in emission order, or ok=false once
// the iterator is exhausted.
func (s *Scheduler) Next() (model.RegionDescriptor, bool, error) {
	if !s.homogeneous {
		if s.fallbackPos >= len(s.fallback) {
			return model.RegionDescriptor{}, false, nil
		}
		m := s.fallback[s.fallbackPos]
		s.fallbackPos++
		return model.RegionDescriptor{
			Grid: s.grid, LocX: m.X, LocY: m.Y, SizeX: m.SizeX, SizeY: m.SizeY, Name: m.Name, LOD: 0,
		}, true, nil
	}

	for len(s.out) == 0 {
		if s.done {
			return model.RegionDescriptor{}, false, nil
		}
		if err := s.pump(); err != nil {
			return model.RegionDescriptor{}, false, err
		}
	}
	d := s.out[0]
	s.out = s.out[1:]
	d.Grid = s.grid
	return d, true, nil
}

func (s *Scheduler) pump() error {
	lvl0 := s.levels[0]

	if s.pos < len(s.inputs) {
		// The enclosing square's lower-left can sit strictly left of the
		// first member, so leading all-water columns are swept through
		// scanAndShift until the current column reaches the input's x.
		in := s.inputs[s.pos]
		if in.X == lvl0.startX {
			if err := lvl0.markLod0(in.Y); err != nil {
				return err
			}
			s.out = append(s.out, model.RegionDescriptor{
				LocX: in.X, LocY: in.Y, SizeX: s.baseX, SizeY: s.baseY, Name: in.Name, LOD: 0,
			})
			s.pos++
			return nil
		}
		return s.scanAndShift()
	}

	if !s.inputExhaustedHandled {
		s.inputExhaustedHandled = true
		return s.scanAndShift()
	}

	top := s.levels[s.k]
	if top.startX >= s.squareURX {
		s.done = true
		return nil
	}
	return s.scanAndShift()
}

func (s *Scheduler) scanAndShift() error {
	lvl0 := s.levels[0]
	lvl0.columnFinished()

	// Determine, from the pre-shift alignment, exactly which levels get
	// scanned this round; the post-shift alignment is one column ahead and
	// must not be re-derived to decide which levels shift below.
	scanned := 0
	for k := 1; k <= s.k; k++ {
		if !s.levels[k].isAlignedWith(s.levels[k-1]) {
			break
		}
		s.out = append(s.out, s.levels[k].scanLodN(s.levels[k-1])...)
		scanned = k
	}

	if err := lvl0.shift(); err != nil {
		return err
	}
	for k := 1; k <= scanned; k++ {
		if err := s.levels[k].shift(); err != nil {
			return err
		}
	}
	return nil
}

// HeightFieldCache is the bounded (loc, lod)-keyed holding area for height
// fields awaiting aggregation into their parent tile. It is a plain map
// rather than an LRU cache: the scheduler's ordering guarantees every entry
// is inserted once and taken at most once (a group's coarsest tile is never
// taken), and an entry still awaiting its parent must not be evicted.
type HeightFieldCache struct {
	m map[CacheKey]heightfield.HeightField
}

// CacheKey identifies one cached field by location and LOD.
type CacheKey struct {
	LocX, LocY int64
	LOD        int
}

// NewHeightFieldCache returns an empty cache.
func NewHeightFieldCache() *HeightFieldCache {
	return &HeightFieldCache{m: make(map[CacheKey]heightfield.HeightField)}
}

// Insert adds hf under key, failing if the key is already present.
func (c *HeightFieldCache) Insert(key CacheKey, hf heightfield.HeightField) error {
	if _, exists := c.m[key]; exists {
		return fmt.Errorf("%w: height field cache already holds an entry for %+v", errs.ErrData, key)
	}
	c.m[key] = hf
	return nil
}

// Take removes and returns the field at key, reporting false if absent.
func (c *HeightFieldCache) Take(key CacheKey) (heightfield.HeightField, bool) {
	hf, ok := c.m[key]
	if ok {
		delete(c.m, key)
	}
	return hf, ok
}

// Len reports the number of fields currently held.
func (c *HeightFieldCache) Len() int {
	return len(c.m)
}
