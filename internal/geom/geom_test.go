package geom

import "testing"

func TestEnclosingSquareSingleCell(t *testing.T) {
	k, ll, ur, err := EnclosingSquare(Bounds{LL: Point{0, 0}, UR: Point{1, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if k != 0 {
		t.Fatalf("k = %d, want 0 for a bounds already 1x1", k)
	}
	if ll != (Point{0, 0}) || ur != (Point{1, 1}) {
		t.Fatalf("ll/ur = %+v/%+v, want 0,0 / 1,1", ll, ur)
	}
}

func TestEnclosingSquareGrowsToCoverWideBounds(t *testing.T) {
	// A 3-wide bounding box cannot be covered by a 1x1 or 2x2 aligned
	// square starting at the origin, so k must grow to 2 (a 4x4 square).
	k, ll, ur, err := EnclosingSquare(Bounds{LL: Point{0, 0}, UR: Point{3, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if k != 2 {
		t.Fatalf("k = %d, want 2", k)
	}
	if ur.X-ll.X != 4 || ur.Y-ll.Y != 4 {
		t.Fatalf("enclosing square is %dx%d, want 4x4", ur.X-ll.X, ur.Y-ll.Y)
	}
}

func TestEnclosingSquareRejectsSpanBeyondMaxLOD(t *testing.T) {
	huge := int64(1) << 40
	_, _, _, err := EnclosingSquare(Bounds{LL: Point{0, 0}, UR: Point{huge, huge}})
	if err == nil {
		t.Fatal("expected an error when no square within MaxLOD covers the bounds")
	}
}

func TestGroupBoundsComputesMinMaxEnvelope(t *testing.T) {
	members := []Member{
		{X: 0, Y: 0, SX: 256, SY: 256},
		{X: 256, Y: 0, SX: 256, SY: 256},
		{X: 0, Y: 256, SX: 256, SY: 256},
	}
	b, err := GroupBounds(members)
	if err != nil {
		t.Fatal(err)
	}
	want := Bounds{LL: Point{0, 0}, UR: Point{512, 512}}
	if b != want {
		t.Fatalf("bounds = %+v, want %+v", b, want)
	}
}

func TestGroupBoundsRejectsHeterogeneousSizes(t *testing.T) {
	members := []Member{
		{X: 0, Y: 0, SX: 256, SY: 256},
		{X: 256, Y: 0, SX: 128, SY: 128},
	}
	if _, err := GroupBounds(members); err == nil {
		t.Fatal("expected an error for mismatched member sizes")
	}
}

func TestGroupBoundsRejectsEmptyInput(t *testing.T) {
	if _, err := GroupBounds(nil); err == nil {
		t.Fatal("expected an error for an empty member list")
	}
}
