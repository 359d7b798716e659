package vmm

import (
	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/mem"
	"github.com/kestrel-os/kestrel/rangealg"
)

// side selects which half of a split segment is released (the other half
// stays mapped), mirroring sys2::AddressSpaceManager::ReleaseSide.
type side int

const (
	sideLow side = iota
	sideHigh
)

// Unmap releases every segment intersecting r: physical frames return to
// pmm, page-table entries are cleared, and local heap allocations are
// freed or split as needed so no part of r stays mapped. Grounded on
// sys2::AddressSpaceManager::unmap/unmapSegment, which restarts iteration
// from the residual range after every segment it touches because a split
// invalidates the position of the segment that follows it.
func (as *AddressSpace) Unmap(pmm PhysicalAllocator, r rangealg.Range[mem.VirtualAddress]) *kernerr.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	remaining := r
	for {
		i := as.find(remaining.Front)
		if i >= len(as.segments) || !as.segments[i].virt.Intersects(remaining) {
			return nil
		}

		next, done, err := as.unmapSegment(pmm, i, remaining)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		remaining = next
	}
}

// unmapSegment applies the spec §4.4 relation table for one segment
// against the current residual range, returning the new residual range
// (valid only when done is false) and whether the whole original request
// has now been satisfied.
func (as *AddressSpace) unmapSegment(pmm PhysicalAllocator, i int, r rangealg.Range[mem.VirtualAddress]) (residual rangealg.Range[mem.VirtualAddress], done bool, err *kernerr.Error) {
	seg := as.segments[i]
	vseg := seg.virt

	switch {
	case vseg == r:
		// |--------seg-------|
		// |--------range-----|
		if err := as.releaseSegment(pmm, i); err != nil {
			return r, false, err
		}
		return r, true, nil

	case r.Contains(vseg):
		// |-----seg-----|              (range strictly wider on either or
		// |--------range-----|          both sides)
		if err := as.releaseSegment(pmm, i); err != nil {
			return r, false, err
		}
		return rangealg.Range[mem.VirtualAddress]{Front: vseg.Back, Back: r.Back}, false, nil

	case rangealg.InnerAdjacent(vseg, r):
		if r.Front == vseg.Front {
			// |--------seg-------|
			// |--range--|
			if err := as.splitSegment(pmm, i, r.Back, sideLow); err != nil {
				return r, false, err
			}
		} else {
			// |--------seg-------|
			//          |--range--|
			if err := as.splitSegment(pmm, i, r.Front, sideHigh); err != nil {
				return r, false, err
			}
		}
		return r, true, nil

	case vseg.Contains(r):
		// |--------seg-------|
		//       |--range--|
		if err := as.splitSegmentMiddle(pmm, i, r); err != nil {
			return r, false, err
		}
		return r, true, nil

	default:
		if vseg.Front > r.Front {
			//       |--------seg-------|
			// |--------range-----|
			if err := as.splitSegment(pmm, i, r.Back, sideLow); err != nil {
				return r, false, err
			}
		} else {
			// |--------seg-------|
			//          |--------range-----|
			if err := as.splitSegment(pmm, i, r.Front, sideHigh); err != nil {
				return r, false, err
			}
			return rangealg.Range[mem.VirtualAddress]{Front: vseg.Back, Back: r.Back}, false, nil
		}
		return r, true, nil
	}
}

// releaseSegment tears down segment i entirely: physical release,
// page-table unmap, local heap free, and removal from the segment table.
func (as *AddressSpace) releaseSegment(pmm PhysicalAllocator, i int) *kernerr.Error {
	seg := as.segments[i]
	if err := pmm.Release(seg.phys); err != nil {
		return err
	}
	if err := as.walker.Unmap(seg.virt); err != nil {
		return err
	}
	as.heap.Free(seg.alloc)
	as.removeSegmentAt(i)
	return nil
}

// splitSegment cuts segment i's allocation at midpoint and releases the
// half named by side in full; the other half stays mapped.
func (as *AddressSpace) splitSegment(pmm PhysicalAllocator, i int, midpoint mem.VirtualAddress, which side) *kernerr.Error {
	seg := as.segments[i]
	off := as.toOffset(midpoint)

	lo, hi, ok := as.heap.Split(seg.alloc, off)
	if !ok {
		return kernerr.New("vmm", kernerr.InvalidInput)
	}

	loVirt := rangealg.Range[mem.VirtualAddress]{Front: seg.virt.Front, Back: midpoint}
	hiVirt := rangealg.Range[mem.VirtualAddress]{Front: midpoint, Back: seg.virt.Back}
	loPhys := rangealg.Range[mem.PhysicalAddress]{Front: seg.phys.Front, Back: seg.phys.Front + mem.PhysicalAddress(loVirt.Size())}
	hiPhys := rangealg.Range[mem.PhysicalAddress]{Front: seg.phys.Back - mem.PhysicalAddress(hiVirt.Size()), Back: seg.phys.Back}

	as.removeSegmentAt(i)

	switch which {
	case sideLow:
		if err := pmm.Release(loPhys); err != nil {
			return err
		}
		if err := as.walker.Unmap(loVirt); err != nil {
			return err
		}
		as.heap.Free(lo)
		as.insertSegment(&segment{virt: hiVirt, phys: hiPhys, alloc: hi})
	case sideHigh:
		if err := pmm.Release(hiPhys); err != nil {
			return err
		}
		if err := as.walker.Unmap(hiVirt); err != nil {
			return err
		}
		as.heap.Free(hi)
		as.insertSegment(&segment{virt: loVirt, phys: loPhys, alloc: lo})
	}
	return nil
}

// splitSegmentMiddle handles the case where r falls strictly inside the
// segment with both endpoints interior: the segment is cut into three,
// and only the middle third (which exactly covers r) is released.
func (as *AddressSpace) splitSegmentMiddle(pmm PhysicalAllocator, i int, r rangealg.Range[mem.VirtualAddress]) *kernerr.Error {
	seg := as.segments[i]

	loOff := as.toOffset(r.Front)
	hiOff := as.toOffset(r.Back)

	lo, mid, ok := as.heap.Split(seg.alloc, loOff)
	if !ok {
		return kernerr.New("vmm", kernerr.InvalidInput)
	}
	mid, hi, ok := as.heap.Split(mid, hiOff)
	if !ok {
		return kernerr.New("vmm", kernerr.InvalidInput)
	}

	loVirt := rangealg.Range[mem.VirtualAddress]{Front: seg.virt.Front, Back: r.Front}
	hiVirt := rangealg.Range[mem.VirtualAddress]{Front: r.Back, Back: seg.virt.Back}
	loPhys := rangealg.Range[mem.PhysicalAddress]{Front: seg.phys.Front, Back: seg.phys.Front + mem.PhysicalAddress(loVirt.Size())}
	hiPhys := rangealg.Range[mem.PhysicalAddress]{Front: seg.phys.Back - mem.PhysicalAddress(hiVirt.Size()), Back: seg.phys.Back}
	midPhys := rangealg.Range[mem.PhysicalAddress]{Front: loPhys.Back, Back: hiPhys.Front}

	as.removeSegmentAt(i)

	if err := pmm.Release(midPhys); err != nil {
		return err
	}
	if err := as.walker.Unmap(r); err != nil {
		return err
	}
	as.heap.Free(mid)

	as.insertSegment(&segment{virt: loVirt, phys: loPhys, alloc: lo})
	as.insertSegment(&segment{virt: hiVirt, phys: hiPhys, alloc: hi})
	return nil
}
