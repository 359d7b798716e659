package rangealg

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type testAddr uint64

func r(front, back testAddr) Range[testAddr] {
	return Range[testAddr]{Front: front, Back: back}
}

// requireRangeEqual compares two Range values structurally via cmp.Diff
// rather than reflect.DeepEqual (require.Equal's backing), since a Range
// mismatch is far easier to read as a (-want +got) diff of Front/Back
// than as two opaque struct dumps.
func requireRangeEqual(t *testing.T, want, got Range[testAddr]) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("range mismatch (-want +got):\n%s", diff)
	}
}

func TestContains(t *testing.T) {
	rng := r(0x1000, 0x2000)
	require.True(t, rng.ContainsAddr(0x1000))
	require.True(t, rng.ContainsAddr(0x1001))
	require.True(t, rng.ContainsAddr(0x1FFF))
	require.False(t, rng.ContainsAddr(0x2000))
	require.False(t, rng.ContainsAddr(0x2001))
}

func TestContainsRange(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x1100, 0x1200)
	below := r(0x0000, 0x1100)
	above := r(0x1F00, 0x3000)

	require.True(t, first.Contains(second))
	require.False(t, first.Contains(below))
	require.False(t, first.Contains(above))
	require.False(t, second.Contains(first))
}

func TestContainsInnerAdjacent(t *testing.T) {
	first := r(0x3FFFF000, 0x40004000)
	second := r(0x40000000, 0x40004000)
	require.True(t, first.Contains(second))
}

func TestSize(t *testing.T) {
	require.EqualValues(t, 0x1000, r(0x1000, 0x2000).Size())
}

func TestOverlaps(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x1500, 0x2500)
	smaller := r(0x1100, 0x1200)

	require.True(t, first.Overlaps(second))
	require.False(t, first.Overlaps(smaller))
}

func TestOverlapIsCommutative(t *testing.T) {
	first := r(0x100000, 0x200000)
	second := r(0x100000, 0x7D47000)

	require.True(t, first.Overlaps(second))
	require.True(t, second.Overlaps(first))
}

func TestOverlapsEdge(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x2000, 0x3000)
	require.False(t, first.Overlaps(second))
}

func TestOverlapsInner(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x1800, 0x2000)
	require.True(t, first.Overlaps(second))
}

func TestOverlapsSubsetIsFalse(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x1100, 0x1900)
	require.False(t, first.Overlaps(second))
}

func TestIntersectsTouchingIsFalse(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x2000, 0x3000)
	require.False(t, first.Intersects(second))
}

func TestIntersectsSubsetIsTrue(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x1100, 0x1900)
	require.True(t, first.Intersects(second))
}

func TestOuterAdjacent(t *testing.T) {
	first := r(0x1000, 0x2000)
	second := r(0x2000, 0x3000)
	disjoint := r(0x3000, 0x4000)

	require.True(t, OuterAdjacent(first, second))
	require.False(t, OuterAdjacent(first, disjoint))
}

func TestInnerAdjacent(t *testing.T) {
	first := r(0x1000, 0x3000)
	second := r(0x1000, 0x2000)
	require.True(t, InnerAdjacent(first, second))
}

func TestAligned(t *testing.T) {
	requireRangeEqual(t, r(0x1000, 0x2000), Aligned(r(0x0FF0, 0x2010), 0x1000))
	// shrinking past zero width yields the zero range
	requireRangeEqual(t, Range[testAddr]{}, Aligned(r(0x0100, 0x0200), 0x1000))
}

func TestAlignedOut(t *testing.T) {
	out := AlignedOut(r(0x0FF0, 0x2010), 0x1000)
	requireRangeEqual(t, r(0x0000, 0x3000), out)
	require.True(t, out.Contains(r(0x0FF0, 0x2010)))
}

func TestSplitAtAssignsMidpointToSecondHalf(t *testing.T) {
	lo, hi := SplitAt(r(0x1000, 0x2000), 0x1800)
	requireRangeEqual(t, r(0x1000, 0x1800), lo)
	requireRangeEqual(t, r(0x1800, 0x2000), hi)
	require.Equal(t, r(0x1000, 0x2000).Size(), lo.Size()+hi.Size())
}

func TestSplitBySubrange(t *testing.T) {
	whole := r(0x1000, 0x3000)
	inner := r(0x1800, 0x2000)
	lo, hi := Split(whole, inner)
	requireRangeEqual(t, r(0x1000, 0x1800), lo)
	requireRangeEqual(t, r(0x2000, 0x3000), hi)
}

func TestCutDisjointIsIdempotent(t *testing.T) {
	a := r(0x1000, 0x2000)
	b := r(0x3000, 0x4000)
	requireRangeEqual(t, a, Cut(a, b))
	requireRangeEqual(t, Cut(a, b), Cut(Cut(a, b), b))
}

func TestCutOverlapFront(t *testing.T) {
	a := r(0x1000, 0x3000)
	b := r(0x0000, 0x2000)
	requireRangeEqual(t, r(0x2000, 0x3000), Cut(a, b))
}

func TestCutOverlapBack(t *testing.T) {
	a := r(0x1000, 0x3000)
	b := r(0x2000, 0x4000)
	requireRangeEqual(t, r(0x1000, 0x2000), Cut(a, b))
}

// TestCutFullyContained covers the other.Front <= a.Front branch when
// other also fully swallows a's back border (other.Front <= a.Front <=
// a.Back <= other.Back): every address in a is consumed, so Cut must
// report an empty range rather than a range describing other's
// now-meaningless remainder past a.Back.
func TestCutFullyContained(t *testing.T) {
	a := r(0x1000, 0x2000)
	b := r(0x1000, 0x3000)
	got := Cut(a, b)
	require.True(t, got.Empty())
	requireRangeEqual(t, r(0x2000, 0x2000), got)

	wide := r(0x0000, 0x3000)
	got = Cut(a, wide)
	require.True(t, got.Empty())
}

func TestIntersection(t *testing.T) {
	a := r(0x1000, 0x3000)
	b := r(0x2000, 0x4000)
	requireRangeEqual(t, r(0x2000, 0x3000), Intersection(a, b))

	disjoint := r(0x5000, 0x6000)
	requireRangeEqual(t, Range[testAddr]{}, Intersection(a, disjoint))
}

func TestMerge(t *testing.T) {
	a := r(0x1000, 0x2000)
	b := r(0x1800, 0x3000)
	requireRangeEqual(t, r(0x1000, 0x3000), Merge(a, b))
}

// TestRandomizedInvariants sweeps randomized ranges and checks the §8
// property-test invariants hold for every pair.
func TestRandomizedInvariants(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	randRange := func() Range[testAddr] {
		front := testAddr(rnd.Intn(1 << 20))
		size := testAddr(1 + rnd.Intn(1<<16))
		return r(front, front+size)
	}

	for i := 0; i < 2000; i++ {
		a, b := randRange(), randRange()

		if a.Intersects(b) {
			require.False(t, OuterAdjacent(a, b) && !a.Overlaps(b) && !a.Contains(b) && !b.Contains(a),
				"intersects(a,b) must imply not disjoint: a=%v b=%v", a, b)
		}

		require.LessOrEqual(t, Aligned(a, 0x1000).Size(), a.Size())
		require.True(t, AlignedOut(a, 0x1000).Contains(a))

		if b.Contains(a) && !a.Empty() {
			lo, hi := Split(b, a)
			require.Equal(t, b.Size(), lo.Size()+a.Size()+hi.Size())
		}
	}
}
