// Package pmm implements the physical memory manager (spec §4.3): a TLSF
// heap over the machine's usable physical address space, plus a segment
// tracker that lets the same physical range be retained by more than one
// owner (shared page-table frames, DMA buffers handed to more than one
// driver) via a per-segment u8 reference count.
//
// Grounded on original_source/sources/kernel/src/system/pmm.cpp's
// sys2::MemoryManager, simplified from its btree-of-segments-plus-iterator-
// splicing implementation to a sorted-slice segment list with a
// boundary-splitting helper (splitAt) that lets Retain/Release/Allocate
// share one invariant: every segment's range is either fully inside or
// fully outside any range passed to them, because the boundaries are cut
// first. The allocation engine itself lives in internal/tlsf, shared with
// the vmm package's per-address-space virtual heap.
package pmm

import (
	"sort"

	"github.com/kestrel-os/kestrel/internal/tlsf"
	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/ksync"
	"github.com/kestrel-os/kestrel/mem"
	"github.com/kestrel-os/kestrel/rangealg"
)

// segment is one retained physical range, with a reference count of how
// many owners currently hold it.
type segment struct {
	owners uint8
	b      *tlsf.Block
}

func (s *segment) rng(base mem.PhysicalAddress) rangealg.Range[mem.PhysicalAddress] {
	return rangealg.Range[mem.PhysicalAddress]{
		Front: base + mem.PhysicalAddress(s.b.Offset),
		Back:  base + mem.PhysicalAddress(s.b.End()),
	}
}

// Manager owns one physical address range [base, base+size) and hands out
// page-aligned allocations from it, tracking retain counts per segment.
type Manager struct {
	lock ksync.Spinlock

	base mem.PhysicalAddress
	h    *tlsf.Heap

	// segments is kept sorted by b.Offset ascending and never contains two
	// entries with overlapping ranges.
	segments []*segment
}

// NewManager creates a Manager over the single contiguous pool
// [base, base+size).
func NewManager(base mem.PhysicalAddress, size mem.Size) *Manager {
	return &Manager{base: base, h: tlsf.New(uint64(size))}
}

// AddPool extends the manager with another physically-contiguous run of
// size bytes, appended after the existing pool (spec §4.3: a PMM may be
// seeded from more than one multiboot/Limine memory-map entry).
func (m *Manager) AddPool(size mem.Size) {
	m.lock.Acquire()
	defer m.lock.Release()
	m.h.AddPool(uint64(size))
}

// Allocate reserves size bytes (rounded up to a page) from the heap and
// registers it as a new, singly-owned segment.
func (m *Manager) Allocate(size mem.Size) (mem.PhysicalAddress, *kernerr.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	b := m.h.AlignedAlloc(uint64(mem.PageSize), uint64(size.AlignUp()))
	if b == nil {
		return 0, kernerr.New("pmm", kernerr.OutOfMemory)
	}

	m.insertSegment(&segment{owners: 1, b: b})
	return m.base + mem.PhysicalAddress(b.Offset), nil
}

// Retain increments the owner count of every segment inside r, splitting
// any segment that straddles a boundary of r first so the increment never
// touches memory outside r. Returns InvalidInput if no part of r is
// currently a tracked segment.
func (m *Manager) Retain(r rangealg.Range[mem.PhysicalAddress]) *kernerr.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if err := m.splitAt(r.Front); err != nil {
		return err
	}
	if err := m.splitAt(r.Back); err != nil {
		return err
	}

	lo, hi := m.findCovered(r)
	if lo == hi {
		return kernerr.New("pmm", kernerr.InvalidInput)
	}
	for i := lo; i < hi; i++ {
		m.segments[i].owners++
	}
	return nil
}

// Release decrements the owner count of every segment inside r, freeing
// and untracking any segment whose count reaches zero. Returns
// InvalidInput if no part of r is currently a tracked segment.
func (m *Manager) Release(r rangealg.Range[mem.PhysicalAddress]) *kernerr.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if err := m.splitAt(r.Front); err != nil {
		return err
	}
	if err := m.splitAt(r.Back); err != nil {
		return err
	}

	lo, hi := m.findCovered(r)
	if lo == hi {
		return kernerr.New("pmm", kernerr.InvalidInput)
	}

	drop := 0
	for i := lo; i < hi; i++ {
		seg := m.segments[i]
		seg.owners--
		if seg.owners == 0 {
			m.h.Free(seg.b)
			drop++
		} else {
			m.segments[i-drop] = seg
		}
	}
	if drop > 0 {
		end := len(m.segments) - drop
		copy(m.segments[hi-drop:end], m.segments[hi:])
		m.segments = m.segments[:end]
	}
	return nil
}

// splitAt ensures a segment boundary exists at addr, splitting the segment
// that currently straddles it (if any) into two segments with the same
// owner count. A no-op if addr already falls on a boundary or inside a gap
// between (or outside) tracked segments.
func (m *Manager) splitAt(addr mem.PhysicalAddress) *kernerr.Error {
	if addr <= m.base {
		return nil
	}
	off := uint64(addr - m.base)

	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].b.End() > off
	})
	if i >= len(m.segments) {
		return nil
	}
	seg := m.segments[i]
	if seg.b.Offset >= off {
		return nil
	}

	lo, hi, ok := m.h.Split(seg.b, off)
	if !ok {
		return kernerr.New("pmm", kernerr.InvalidInput)
	}
	seg.b = lo
	m.insertSegment(&segment{owners: seg.owners, b: hi})
	return nil
}

// findCovered returns the half-open index range of segments whose range
// lies entirely inside r. It assumes splitAt has already been called for
// both of r's endpoints.
func (m *Manager) findCovered(r rangealg.Range[mem.PhysicalAddress]) (lo, hi int) {
	frontOff := uint64(r.Front - m.base)
	backOff := uint64(r.Back - m.base)
	lo = sort.Search(len(m.segments), func(i int) bool { return m.segments[i].b.Offset >= frontOff })
	hi = lo
	for hi < len(m.segments) && m.segments[hi].b.Offset < backOff {
		hi++
	}
	return lo, hi
}

func (m *Manager) insertSegment(seg *segment) {
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].b.Offset >= seg.b.Offset })
	m.segments = append(m.segments, nil)
	copy(m.segments[i+1:], m.segments[i:])
	m.segments[i] = seg
}

// Stats reports the manager's current occupancy.
type Stats struct {
	SegmentCount int
	BlockCount   uint64
	FreeBytes    mem.Size
	UsedBytes    mem.Size
}

// Stats returns a point-in-time snapshot of heap occupancy.
func (m *Manager) Stats() Stats {
	m.lock.Acquire()
	defer m.lock.Release()

	hs := m.h.Stats()
	return Stats{
		SegmentCount: len(m.segments),
		BlockCount:   hs.BlockCount,
		FreeBytes:    mem.Size(hs.FreeBytes),
		UsedBytes:    mem.Size(hs.UsedBytes),
	}
}
