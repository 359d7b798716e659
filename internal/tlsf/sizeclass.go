package tlsf

import "math/bits"

// Two-level segregated fit size classing, grounded on
// original_source/sources/kernel/src/memory/{heap.cpp,detail/heap.cpp}'s
// SizeToMemoryClass/SizeToSecondIndex/GetListIndex helpers. The
// first-level class (fl) is the position of the size's highest set bit;
// the second-level index (sl) subdivides each first-level class into
// slCount linear buckets, giving O(1) best-fit search via two bitmaps
// instead of a linked free-list scan.
const (
	slBits  = 4
	slCount = 1 << slBits // 16 second-level buckets per class

	// flCount covers addresses up to 2^48 (the canonical 48-bit physical
	// address space); classes beyond that are never populated.
	flCount = 49

	freeListSize = flCount * slCount
)

// classify splits size into its (fl, sl) free-list coordinates, rounding
// down: any block stored under (fl, sl) has size in
// [classFloor(fl,sl), classFloor(fl,sl+1)).
func classify(size uint64) (fl, sl uint32) {
	if size == 0 {
		return 0, 0
	}
	fl = uint32(bits.Len64(size)) - 1
	if fl < slBits {
		return 0, uint32(size)
	}
	sl = uint32(size>>(fl-slBits)) & (slCount - 1)
	return fl, sl
}

// classifyRoundUp returns the (fl, sl) of the smallest size class whose
// blocks are all guaranteed to satisfy a request of size bytes, i.e. it
// rounds size up to the class boundary before classifying.
func classifyRoundUp(size uint64) (fl, sl uint32) {
	if size == 0 {
		return 0, 0
	}
	fl = uint32(bits.Len64(size)) - 1
	if fl < slBits {
		return 0, uint32(size)
	}
	roundMask := uint64(1)<<(fl-slBits) - 1
	if size&roundMask != 0 {
		size += roundMask + 1
		fl = uint32(bits.Len64(size)) - 1
	}
	sl = uint32(size>>(fl-slBits)) & (slCount - 1)
	return fl, sl
}

func listIndex(fl, sl uint32) int {
	return int(fl)*slCount + int(sl)
}

// bitScanForward returns the index of the lowest set bit in v.
func bitScanForward(v uint64) uint32 {
	return uint32(bits.TrailingZeros64(v))
}
