package tlsf

// Heap is a TLSF (two-level segregated fit) allocator over a byte-offset
// address space. It is the allocation engine shared by the physical
// memory manager's segment tracker and the per-address-space virtual
// heap, grounded on
// original_source/sources/kernel/src/memory/heap.cpp's km::TlsfHeap.
type Heap struct {
	// nullBlock is the always-present free tail block: it holds whatever
	// space lies past the last other block (possibly none), terminates the
	// address-ordered list, and absorbs growth when a pool is extended.
	nullBlock *Block

	topLevelFreeMap uint64
	innerFreeMap    [flCount]uint32
	freeList        [freeListSize]*Block

	size uint64 // total bytes: the initial pool plus every AddPool
}

// New creates a Heap covering exactly one contiguous pool [0, size).
func New(size uint64) *Heap {
	h := &Heap{}
	h.nullBlock = &Block{size: size, free: true}
	h.size = size
	return h
}

// AddPool extends the heap by size bytes at the end of its offset space,
// growing the null block so the new bytes follow any free tail it holds.
func (h *Heap) AddPool(size uint64) {
	h.nullBlock.size += size
	h.size += size
}

func (h *Heap) findFreeBlock(size uint64) (*Block, int) {
	fl, sl := classifyRoundUp(size)
	if fl >= flCount {
		return nil, freeListSize
	}

	innerMap := h.innerFreeMap[fl] &^ ((1 << sl) - 1)
	if innerMap == 0 {
		freeMap := h.topLevelFreeMap &^ (1<<(fl+1) - 1)
		if freeMap == 0 {
			return nil, freeListSize
		}
		fl = bitScanForward(freeMap)
		innerMap = h.innerFreeMap[fl]
	}

	sl = bitScanForward(uint64(innerMap))
	idx := listIndex(fl, sl)
	return h.freeList[idx], idx
}

func (h *Heap) insertFreeBlock(b *Block) {
	fl, sl := classify(b.size)
	idx := listIndex(fl, sl)

	b.markFree()
	b.prevFree = nil
	b.nextFree = h.freeList[idx]
	h.freeList[idx] = b
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	} else {
		h.innerFreeMap[fl] |= 1 << sl
		h.topLevelFreeMap |= 1 << fl
	}
}

func (h *Heap) removeFreeBlock(b *Block) {
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		fl, sl := classify(b.size)
		idx := listIndex(fl, sl)
		h.freeList[idx] = b.nextFree
		if b.nextFree == nil {
			h.innerFreeMap[fl] &^= 1 << sl
			if h.innerFreeMap[fl] == 0 {
				h.topLevelFreeMap &^= 1 << fl
			}
		}
	}
	b.markTaken()
}

func (h *Heap) mergeBlock(b, prev *Block) {
	b.Offset = prev.Offset
	b.size += prev.size
	b.prev = prev.prev
	if b.prev != nil {
		b.prev.next = b
	}
}

// AlignedAlloc reserves a block of at least size bytes whose offset is a
// multiple of align, returning the reserved block or nil if the heap is
// exhausted.
func (h *Heap) AlignedAlloc(align, size uint64) *Block {
	if b := h.searchAndReserve(size, align); b != nil {
		return b
	}
	if h.checkBlock(h.nullBlock, freeListSize, size, align) {
		return h.reserveBlock(h.nullBlock, size, align, freeListSize)
	}
	return nil
}

func (h *Heap) searchAndReserve(size, align uint64) *Block {
	cand, idx := h.findFreeBlock(size)
	for cand != nil {
		if h.checkBlock(cand, idx, size, align) {
			return h.reserveBlock(cand, size, align, idx)
		}
		cand = cand.nextFree
	}
	return nil
}

func (h *Heap) checkBlock(b *Block, idx int, size, align uint64) bool {
	alignedOffset := roundUp(b.Offset, align)
	return b.size >= size+(alignedOffset-b.Offset)
}

// reserveBlock carves an allocation of size bytes at the aligned offset out
// of b, splitting off an alignment-padding block in front (if needed) and a
// remainder block behind (if needed), and returns b re-sized to exactly
// [alignedOffset, alignedOffset+size).
func (h *Heap) reserveBlock(b *Block, size, align uint64, idx int) *Block {
	alignedOffset := roundUp(b.Offset, align)
	missingAlignment := alignedOffset - b.Offset

	h.detachBlock(b, idx)
	if b != h.nullBlock {
		h.removeFreeBlock(b)
	}

	if missingAlignment > 0 {
		prev := b.prev
		if prev != nil && prev.IsFree() {
			h.removeFreeBlock(prev)
			prev.size += missingAlignment
			h.insertFreeBlock(prev)
		} else {
			pad := &Block{Offset: b.Offset, size: missingAlignment, prev: prev, next: b}
			if prev != nil {
				prev.next = pad
			}
			b.prev = pad
			pad.markTaken()
			h.insertFreeBlock(pad)
		}
		b.size -= missingAlignment
		b.Offset += missingAlignment
	}

	if b.size == size {
		if b == h.nullBlock {
			newNull := &Block{Offset: b.End(), prev: b, free: true}
			h.nullBlock = newNull
			b.next = newNull
			b.markTaken()
		}
	} else {
		remainder := &Block{Offset: b.Offset + size, size: b.size - size, prev: b, next: b.next}
		b.next = remainder
		b.size = size

		if b == h.nullBlock {
			h.nullBlock = remainder
			remainder.free = true
			remainder.prevFree, remainder.nextFree = nil, nil
			b.markTaken()
		} else {
			if remainder.next != nil {
				remainder.next.prev = remainder
			}
			h.insertFreeBlock(remainder)
		}
	}

	b.markTaken()
	return b
}

// detachBlock moves a block selected from a free list's middle to the head
// of its bucket, so subsequent removeFreeBlock calls operate in O(1)
// without scanning. Grounded on TlsfHeap::detachBlock.
func (h *Heap) detachBlock(b *Block, idx int) {
	if idx == freeListSize || b.prevFree == nil {
		return
	}
	b.prevFree.nextFree = b.nextFree
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree = nil
	b.nextFree = h.freeList[idx]
	h.freeList[idx] = b
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
}

// Free releases an allocated block, merging with any free neighbours.
func (h *Heap) Free(b *Block) {
	prev := b.prev
	if prev != nil && prev.IsFree() {
		h.removeFreeBlock(prev)
		h.mergeBlock(b, prev)
	}

	next := b.next
	if next == nil || !next.IsFree() {
		h.insertFreeBlock(b)
	} else if next == h.nullBlock {
		h.mergeBlock(h.nullBlock, b)
	} else {
		h.removeFreeBlock(next)
		h.mergeBlock(next, b)
		h.insertFreeBlock(next)
	}
}

// Split divides an allocated block in two at midpoint (an absolute
// offset strictly inside the block), returning the low and high halves,
// both still allocated.
func (h *Heap) Split(b *Block, midpoint uint64) (lo, hi *Block, ok bool) {
	if midpoint <= b.Offset || midpoint >= b.End() {
		return nil, nil, false
	}
	size := midpoint - b.Offset

	newBlock := &Block{Offset: midpoint, size: b.size - size, prev: b, next: b.next}
	if newBlock.next != nil {
		newBlock.next.prev = newBlock
	}
	b.size = size
	b.next = newBlock
	newBlock.markTaken()

	return b, newBlock, true
}

// Grow extends block b in place to newSize bytes by absorbing its free
// successor, failing if the successor is absent, allocated, or too small.
func (h *Heap) Grow(b *Block, newSize uint64) bool {
	if newSize == b.size {
		return true
	}
	if newSize < b.size {
		return false
	}
	next := b.next
	if next == nil || !next.IsFree() {
		return false
	}
	combined := b.size + next.size
	if combined < newSize {
		return false
	}
	extra := newSize - b.size
	h.removeFreeBlock(next)
	b.size = newSize
	if next.size == extra {
		if next == h.nullBlock {
			h.nullBlock = &Block{Offset: b.End(), prev: b, free: true}
			b.next = h.nullBlock
			return true
		}
		b.next = next.next
		if b.next != nil {
			b.next.prev = b
		}
		return true
	}
	next.size -= extra
	next.Offset = b.End()
	h.insertFreeBlock(next)
	return true
}

// Shrink reduces block b in place to newSize bytes, growing its free
// successor (or creating one) to absorb the released tail.
func (h *Heap) Shrink(b *Block, newSize uint64) bool {
	if newSize == b.size {
		return true
	}
	if newSize > b.size {
		return false
	}
	extra := b.size - newSize

	next := b.next
	if next != nil && next.IsFree() {
		h.removeFreeBlock(next)
		next.size += extra
		next.Offset = b.Offset + newSize
		b.size = newSize
		h.insertFreeBlock(next)
		return true
	}

	newBlock := &Block{Offset: b.Offset + newSize, size: extra, prev: b, next: b.next}
	b.size = newSize
	b.next = newBlock

	if b == h.nullBlock {
		h.nullBlock = newBlock
		newBlock.free = true
		newBlock.prevFree, newBlock.nextFree = nil, nil
		b.markTaken()
	} else {
		if newBlock.next != nil {
			newBlock.next.prev = newBlock
		}
		h.insertFreeBlock(newBlock)
	}
	return true
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// ReserveAt carves out exactly [offset, offset+size) as a new allocated
// block, splitting off whatever free space surrounds it. Used to record
// fixed-placement regions (firmware-described memory, the kernel image)
// whose address was chosen before the heap existed, rather than by a
// best-fit search. Returns false if that range is not entirely free.
func (h *Heap) ReserveAt(offset, size uint64) (*Block, bool) {
	b := h.blockContaining(offset)
	if b == nil || !b.IsFree() || offset+size > b.End() {
		return nil, false
	}
	h.removeFreeBlock(b)

	if offset > b.Offset {
		head := &Block{Offset: b.Offset, size: offset - b.Offset, prev: b.prev, next: b}
		if head.prev != nil {
			head.prev.next = head
		}
		b.prev = head
		b.size -= head.size
		b.Offset = offset
		h.insertFreeBlock(head)
	}

	if b.size > size {
		tail := &Block{Offset: offset + size, size: b.size - size, prev: b, next: b.next}
		if b == h.nullBlock {
			h.nullBlock = tail
			tail.free = true
		} else {
			if tail.next != nil {
				tail.next.prev = tail
			}
			h.insertFreeBlock(tail)
		}
		b.next = tail
		b.size = size
	} else if b == h.nullBlock {
		newNull := &Block{Offset: b.End(), prev: b, free: true}
		h.nullBlock = newNull
		b.next = newNull
	}

	b.markTaken()
	return b, true
}

// blockContaining returns the block (free or allocated) whose range
// contains offset, or nil if offset is out of bounds.
func (h *Heap) blockContaining(offset uint64) *Block {
	for b := firstBlock(h.nullBlock); b != nil; b = b.next {
		if offset >= b.Offset && offset < b.End() {
			return b
		}
	}
	if offset == h.nullBlock.Offset {
		return h.nullBlock
	}
	return nil
}

// Stats summarizes a Heap's current occupancy.
type Stats struct {
	BlockCount uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Stats returns a point-in-time snapshot of the heap's occupancy.
func (h *Heap) Stats() Stats {
	var s Stats
	for b := firstBlock(h.nullBlock); b != nil; b = b.next {
		s.BlockCount++
		if b.IsFree() {
			s.FreeBytes += b.size
		}
	}
	s.UsedBytes = h.size - s.FreeBytes
	return s
}

func firstBlock(fromNull *Block) *Block {
	b := fromNull
	for b.prev != nil {
		b = b.prev
	}
	return b
}
