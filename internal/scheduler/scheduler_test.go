package scheduler

import (
	"testing"

	"github.com/animats/impostorpipeline/internal/model"
)

func baseRegion(x, y, size int64) model.Region {
	return model.Region{Grid: "t", X: x, Y: y, SizeX: size, SizeY: size}
}

func drain(t *testing.T, s *Scheduler) []model.RegionDescriptor {
	t.Helper()
	var out []model.RegionDescriptor
	for {
		d, ok, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

// TestFourByFourAllLand sweeps a 4x4 grid of base-256 regions, all land:
// 16 LOD-0 descriptors in lex order, 4 LOD-1, and 1 LOD-2, with every
// coarser tile emitted only after its four children.
func TestFourByFourAllLand(t *testing.T) {
	const size = int64(256)
	var members []model.Region
	for x := int64(0); x < 4; x++ {
		for y := int64(0); y < 4; y++ {
			members = append(members, baseRegion(x*size, y*size, size))
		}
	}

	s, err := New("t", members)
	if err != nil {
		t.Fatal(err)
	}
	out := drain(t, s)

	var lod0, lod1, lod2 []model.RegionDescriptor
	for _, d := range out {
		switch d.LOD {
		case 0:
			lod0 = append(lod0, d)
		case 1:
			lod1 = append(lod1, d)
		case 2:
			lod2 = append(lod2, d)
		default:
			t.Fatalf("unexpected LOD %d", d.LOD)
		}
	}
	if len(lod0) != 16 {
		t.Fatalf("got %d LOD-0 descriptors, want 16", len(lod0))
	}
	if len(lod1) != 4 {
		t.Fatalf("got %d LOD-1 descriptors, want 4", len(lod1))
	}
	if len(lod2) != 1 {
		t.Fatalf("got %d LOD-2 descriptors, want 1", len(lod2))
	}

	// LOD 0 must appear in the input's (x,y) lex order.
	for i := 1; i < len(lod0); i++ {
		a, b := lod0[i-1], lod0[i]
		if b.LocX < a.LocX || (b.LocX == a.LocX && b.LocY < a.LocY) {
			t.Fatalf("LOD-0 descriptors out of lex order: %+v then %+v", a, b)
		}
	}

	// Every coarser descriptor must follow all finer descriptors whose
	// bounding boxes its own box covers.
	seenAt := func(lod int, x, y int64, before int) bool {
		for i := 0; i < before; i++ {
			d := out[i]
			if d.LOD == lod && d.LocX == x && d.LocY == y {
				return true
			}
		}
		return false
	}
	for i, d := range out {
		if d.LOD == 0 {
			continue
		}
		half := d.SizeX / 2
		for _, child := range [][2]int64{
			{d.LocX, d.LocY}, {d.LocX + half, d.LocY},
			{d.LocX, d.LocY + half}, {d.LocX + half, d.LocY + half},
		} {
			if !seenAt(d.LOD-1, child[0], child[1], i) {
				t.Fatalf("descriptor %+v emitted before its child at (%d,%d)", d, child[0], child[1])
			}
		}
	}

	want := model.RegionDescriptor{Grid: "t", LocX: 0, LocY: 0, SizeX: 1024, SizeY: 1024, LOD: 2}
	if lod2[0] != want {
		t.Fatalf("LOD-2 descriptor = %+v, want %+v", lod2[0], want)
	}
}

// TestWaterSkip sweeps a 2x2 group where one child is absent (water). The
// coarser tile must still be emitted on the strength of its three land
// children.
func TestWaterSkip(t *testing.T) {
	const size = int64(256)
	members := []model.Region{
		baseRegion(0, 0, size),
		baseRegion(0, size, size),
		baseRegion(size, 0, size),
		// (size, size) intentionally absent: water.
	}

	s, err := New("t", members)
	if err != nil {
		t.Fatal(err)
	}
	out := drain(t, s)

	var lod1 []model.RegionDescriptor
	for _, d := range out {
		if d.LOD == 1 {
			lod1 = append(lod1, d)
		}
	}
	if len(lod1) != 1 {
		t.Fatalf("got %d LOD-1 descriptors, want 1", len(lod1))
	}
	if lod1[0].LocX != 0 || lod1[0].LocY != 0 || lod1[0].SizeX != 2*size {
		t.Fatalf("unexpected LOD-1 descriptor: %+v", lod1[0])
	}
}

// TestGroupOffsetFromSquareOrigin places a 2x2 group one cell away from the
// origin of its 4x4 enclosing square, so the sweep must pass through a
// leading all-water column before reaching the first member. The group
// straddles all four LOD-1 tiles of the square.
func TestGroupOffsetFromSquareOrigin(t *testing.T) {
	const size = int64(256)
	members := []model.Region{
		baseRegion(size, size, size),
		baseRegion(size, 2*size, size),
		baseRegion(2*size, size, size),
		baseRegion(2*size, 2*size, size),
	}

	s, err := New("t", members)
	if err != nil {
		t.Fatal(err)
	}
	out := drain(t, s)

	counts := map[int]int{}
	for _, d := range out {
		counts[d.LOD]++
	}
	if counts[0] != 4 || counts[1] != 4 || counts[2] != 1 {
		t.Fatalf("got LOD counts %v, want 4 LOD-0, 4 LOD-1, 1 LOD-2", counts)
	}
	for _, d := range out {
		if d.LOD == 1 && (d.LocX%(2*size) != 0 || d.LocY%(2*size) != 0) {
			t.Fatalf("LOD-1 descriptor %+v is not aligned to %d", d, 2*size)
		}
	}
}

func TestSingleRegionYieldsOnlyLOD0(t *testing.T) {
	s, err := New("t", []model.Region{baseRegion(0, 0, 256)})
	if err != nil {
		t.Fatal(err)
	}
	out := drain(t, s)
	if len(out) != 1 || out[0].LOD != 0 {
		t.Fatalf("got %+v, want exactly one LOD-0 descriptor", out)
	}
}

func TestNonHomogeneousFallsBackToLOD0(t *testing.T) {
	members := []model.Region{
		baseRegion(0, 0, 256),
		baseRegion(256, 0, 128),
	}
	s, err := New("t", members)
	if err != nil {
		t.Fatal(err)
	}
	out := drain(t, s)
	if len(out) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(out))
	}
	for _, d := range out {
		if d.LOD != 0 {
			t.Fatalf("non-homogeneous group emitted LOD %d, want only LOD 0", d.LOD)
		}
	}
}
