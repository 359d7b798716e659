// Package rangealg implements the half-open range algebra shared by the
// page-table walker, the PMM and the VMM (spec §4.1).
//
// This package has no dependencies: it operates on any ordered address type
// via Go generics, grounded on the original implementation's
// sm::AnyRange<T> (sources/common/include/common/range.hpp).
package rangealg

// Addr is any integer-like address type a Range can be built over:
// mem.PhysicalAddress, mem.VirtualAddress, or a plain uintptr.
type Addr interface {
	~uint | ~uint32 | ~uint64 | ~uintptr
}

// Range is a half-open interval [Front, Back) over an address type T.
//
// Invariant: Front <= Back; the range is empty iff Front == Back. A Range
// value with Front > Back is not well-formed and no operation below is
// specified for it.
type Range[T Addr] struct {
	Front T
	Back  T
}

// Of builds the range [front, front+size).
func Of[T Addr](front T, size uint64) Range[T] {
	return Range[T]{Front: front, Back: front + T(size)}
}

// Size returns the number of addresses covered by the range.
func (r Range[T]) Size() uint64 {
	return uint64(r.Back - r.Front)
}

// Empty reports whether the range covers no addresses.
func (r Range[T]) Empty() bool {
	return r.Front == r.Back
}

// Valid reports whether the range is well-formed (Front <= Back).
func (r Range[T]) Valid() bool {
	return r.Front <= r.Back
}

// ContainsAddr reports whether addr lies within the range.
func (r Range[T]) ContainsAddr(addr T) bool {
	return addr >= r.Front && addr < r.Back
}

// Contains reports whether other is totally contained within r. A range
// that equals r, or touches one of r's borders, still counts as contained.
func (r Range[T]) Contains(other Range[T]) bool {
	return other.Front >= r.Front && other.Back <= r.Back
}

// Overlaps reports whether other shares some area with r, treating subset
// containment as NOT overlapping (per spec §4.1: "overlaps treats subset
// containment as non-overlapping").
func (r Range[T]) Overlaps(other Range[T]) bool {
	if other.Front == r.Front && other.Back <= r.Back {
		return true
	}
	if other.Back == r.Back && other.Front >= r.Front {
		return true
	}
	return r.ContainsAddr(other.Front) != r.ContainsAddr(other.Back)
}

// Intersects reports whether other shares any area with r, including
// subset containment and full overlap, but treating a merely-touching
// border as NOT intersecting (per spec §4.1: "intersects treats a shared
// endpoint as non-intersecting").
func (r Range[T]) Intersects(other Range[T]) bool {
	if other.Front == r.Back || other.Back == r.Front {
		return false
	}
	return r.Contains(other) || r.ContainsAddr(other.Front) || r.ContainsAddr(other.Back) || other.Back == r.Back || other.Contains(r)
}

// OuterAdjacent reports whether r and other touch at exactly one border
// without overlapping.
func OuterAdjacent[T Addr](a, b Range[T]) bool {
	return a.Back == b.Front || b.Back == a.Front
}

// InnerAdjacent reports whether a and b share one endpoint (front or back)
// exactly, regardless of overlap.
func InnerAdjacent[T Addr](a, b Range[T]) bool {
	return a.Front == b.Front || a.Back == b.Back
}

// Contiguous reports whether a and b touch (OuterAdjacent) or overlap.
func Contiguous[T Addr](a, b Range[T]) bool {
	return OuterAdjacent(a, b) || a.Overlaps(b)
}

// Interval reports whether a and b are contiguous or one is a subset of
// the other.
func Interval[T Addr](a, b Range[T]) bool {
	return OuterAdjacent(a, b) || a.Overlaps(b) || a.Contains(b) || b.Contains(a)
}

// Intersection returns the overlapping area of a and b, or the zero Range
// if they share no area.
func Intersection[T Addr](a, b Range[T]) Range[T] {
	front := maxAddr(a.Front, b.Front)
	back := minAddr(a.Back, b.Back)
	if front >= back {
		return Range[T]{}
	}
	return Range[T]{Front: front, Back: back}
}

// Merge returns the smallest range spanning both a and b. It does not
// verify that a and b are contiguous; merging two disjoint ranges silently
// folds in the gap between them, so callers should check Contiguous first
// when that matters.
func Merge[T Addr](a, b Range[T]) Range[T] {
	return Range[T]{Front: minAddr(a.Front, b.Front), Back: maxAddr(a.Back, b.Back)}
}

// Aligned shrinks range to the given power-of-two alignment: front rounds
// up, back rounds down. Per spec §4.1, Aligned(range).Size() <= range.Size().
// Returns the zero Range if the shrunk range would be inverted.
func Aligned[T Addr](r Range[T], align uint64) Range[T] {
	front := T(roundUp(uint64(r.Front), align))
	back := T(roundDown(uint64(r.Back), align))
	if front >= back {
		return Range[T]{}
	}
	return Range[T]{Front: front, Back: back}
}

// AlignedOut grows range to the given power-of-two alignment: front rounds
// down, back rounds up. The result always contains r.
func AlignedOut[T Addr](r Range[T], align uint64) Range[T] {
	return Range[T]{
		Front: T(roundDown(uint64(r.Front), align)),
		Back:  T(roundUp(uint64(r.Back), align)),
	}
}

// SplitAt splits range at midpoint, which must lie within range. Per the
// spec's tie-break, midpoint is assigned to the second (higher) half:
// the first half is [range.Front, midpoint) and the second is
// [midpoint, range.Back).
func SplitAt[T Addr](r Range[T], midpoint T) (lo, hi Range[T]) {
	return Range[T]{Front: r.Front, Back: midpoint}, Range[T]{Front: midpoint, Back: r.Back}
}

// Split splits range at the bounds of other, which must be a subset of
// range (range.Contains(other)). It returns the two gaps surrounding other:
// [range.Front, other.Front) and [other.Back, range.Back). Either or both
// may be empty when other touches a border of range.
func Split[T Addr](r, other Range[T]) (lo, hi Range[T]) {
	return Range[T]{Front: r.Front, Back: other.Front}, Range[T]{Front: other.Back, Back: r.Back}
}

// Cut removes the area other overlaps out of a, returning the remaining
// piece of a. If a and other do not overlap, a is returned unchanged. If
// other is a proper subset of a with both endpoints strictly interior, the
// result is undefined (by design: callers facing that case must use Split
// to get both surviving pieces, since Cut can only return one range).
func Cut[T Addr](a, other Range[T]) Range[T] {
	if !a.Overlaps(other) && !other.Contains(a) {
		return a
	}
	if other.Front <= a.Front {
		return Range[T]{Front: minAddr(a.Back, other.Back), Back: a.Back}
	}
	if other.Back >= a.Back {
		return Range[T]{Front: minAddr(a.Front, other.Front), Back: maxAddr(a.Front, other.Front)}
	}
	return a
}

func minAddr[T Addr](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func maxAddr[T Addr](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func roundDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
