// Package tlsf implements a two-level segregated fit allocator over a
// plain byte-offset address space, shared by the physical memory manager
// (pmm) and the per-address-space virtual heap (vmm).
//
// Grounded on original_source/sources/kernel/src/memory/heap.cpp's
// km::TlsfHeap, adapted from a PoolAllocator-backed intrusive list to
// ordinary Go-heap-allocated nodes: the Go garbage collector already
// supersedes the original's manual block pool, so this package does not
// reimplement one (see /root/module/DESIGN.md).
package tlsf

// Block is one node of a Heap: a run of bytes at [Offset, Offset+Size())
// that is either allocated or sitting on a free list. Blocks form a
// doubly linked list in address order, and free blocks additionally
// thread through a size-class bucket. Only Offset, Size and End are meant
// for callers outside this package; everything else is reached through
// Heap's methods.
type Block struct {
	Offset uint64
	size   uint64

	prev, next         *Block
	prevFree, nextFree *Block

	free bool
}

func (b *Block) markFree()  { b.free = true }
func (b *Block) markTaken() { b.free = false }

// IsFree reports whether the block is currently sitting on a free list.
func (b *Block) IsFree() bool {
	return b.free
}

// Size returns the number of bytes the block covers.
func (b *Block) Size() uint64 {
	return b.size
}

// End returns Offset + Size(), the address just past the block.
func (b *Block) End() uint64 {
	return b.Offset + b.size
}
