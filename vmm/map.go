package vmm

import (
	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/kfmt"
	"github.com/kestrel-os/kestrel/mem"
	"github.com/kestrel-os/kestrel/pagetable"
	"github.com/kestrel-os/kestrel/rangealg"
)

// Map allocates size bytes (aligned to align) from the address space's
// local virtual heap, backs them with fresh physical frames from pmm, and
// binds the pair through the page-table walker. Grounded on
// sys2::AddressSpaceManager::map: on any failure after the virtual
// allocation succeeds, every earlier step is unwound in reverse order.
func (as *AddressSpace) Map(pmm PhysicalAllocator, size mem.Size, align uint64, flags pagetable.PageFlags, mt pagetable.MemoryType) (pagetable.Mapping, *kernerr.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	b := as.heap.AlignedAlloc(align, uint64(size.AlignUp()))
	if b == nil {
		return pagetable.Mapping{}, kernerr.New("vmm", kernerr.OutOfMemory)
	}

	paddr, err := pmm.Allocate(size)
	if err != nil {
		as.heap.Free(b)
		return pagetable.Mapping{}, err
	}

	mapping := pagetable.Mapping{
		Vaddr: as.fromOffset(b.Offset),
		Paddr: paddr,
		Size:  size,
	}

	physRange := rangealg.Range[mem.PhysicalAddress]{Front: paddr, Back: paddr + mem.PhysicalAddress(size.AlignUp())}

	if err := as.walker.Map(mapping, flags, mt); err != nil {
		as.heap.Free(b)
		if relErr := pmm.Release(physRange); relErr != nil {
			kfmt.Printf("\nvmm: pmm.Release(0x%x-0x%x) failed while rolling back a failed Map\n", uint64(physRange.Front), uint64(physRange.Back))
			panic(&kernerr.Fatal{Module: "vmm", Message: "failed to roll back pmm allocation after map failure"})
		}
		return pagetable.Mapping{}, err
	}

	as.insertSegment(&segment{virt: as.virtOf(b), phys: physRange, alloc: b})
	return mapping, nil
}

// Reserve records an already-chosen mapping (a firmware-provided region
// or the kernel image itself) as a segment without allocating fresh
// physical frames: it carves the matching virtual range out of the local
// heap at its fixed offset, rather than through a best-fit search, so
// later Map calls never hand out overlapping virtual addresses.
func (as *AddressSpace) Reserve(mapping pagetable.Mapping) *kernerr.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	off := as.toOffset(mapping.Vaddr)
	b, ok := as.heap.ReserveAt(off, uint64(mapping.Size.AlignUp()))
	if !ok {
		return kernerr.New("vmm", kernerr.InvalidInput)
	}

	physRange := rangealg.Range[mem.PhysicalAddress]{Front: mapping.Paddr, Back: mapping.Paddr + mem.PhysicalAddress(mapping.Size.AlignUp())}
	as.insertSegment(&segment{virt: as.virtOf(b), phys: physRange, alloc: b})
	return nil
}
