package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/mem"
	"github.com/kestrel-os/kestrel/pagetable"
	"github.com/kestrel-os/kestrel/rangealg"
)

// testFrames backs a pagetable.Walker with a plain Go-heap-allocated pool
// of frames, indexed by physical address, simulating the HHDM identity
// mapping used by the kernel's own address space.
type testFrames struct {
	pool  []pagetable.Table
	next  mem.PhysicalAddress
	frame mem.Size
}

func newTestFrames(nframes int) *testFrames {
	return &testFrames{pool: make([]pagetable.Table, nframes), frame: mem.PageSize}
}

func (m *testFrames) toVirt(addr mem.PhysicalAddress) *pagetable.Table {
	return &m.pool[uint64(addr)/uint64(m.frame)]
}

func (m *testFrames) alloc() (mem.PhysicalAddress, error) {
	idx := uint64(m.next) / uint64(m.frame)
	if int(idx) >= len(m.pool) {
		return 0, errOOM{}
	}
	addr := m.next
	m.next += mem.PhysicalAddress(m.frame)
	return addr, nil
}

type errOOM struct{}

func (errOOM) Error() string { return "out of test frames" }

// testPMM is a minimal PhysicalAllocator: a bump allocator with
// retain/release bookkeeping good enough to exercise the VMM's
// rollback and partial-unmap paths.
type testPMM struct {
	next     mem.PhysicalAddress
	segments map[mem.PhysicalAddress]mem.Size
}

func newTestPMM() *testPMM {
	return &testPMM{next: 0x400000, segments: map[mem.PhysicalAddress]mem.Size{}}
}

func (p *testPMM) Allocate(size mem.Size) (mem.PhysicalAddress, *kernerr.Error) {
	addr := p.next
	p.next += mem.PhysicalAddress(size.AlignUp())
	p.segments[addr] = size.AlignUp()
	return addr, nil
}

func (p *testPMM) Retain(r rangealg.Range[mem.PhysicalAddress]) *kernerr.Error {
	return nil
}

func (p *testPMM) Release(r rangealg.Range[mem.PhysicalAddress]) *kernerr.Error {
	if r.Empty() {
		return nil
	}
	delete(p.segments, r.Front)
	return nil
}

func newTestAddressSpace(t *testing.T) (*AddressSpace, *testPMM) {
	t.Helper()
	frames := newTestFrames(256)
	root, err := frames.alloc()
	require.NoError(t, err)
	walker := pagetable.NewWalker(root, frames.toVirt, frames.alloc)

	vrange := rangealg.Of(mem.VirtualAddress(0xFFFF800000000000), uint64(64*mem.Mb))
	as := NewAddressSpace(vrange, walker)
	return as, newTestPMM()
}

func TestMapReturnsPageAlignedVaddr(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, mem.PageSize, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)
	require.Zero(t, uint64(mapping.Vaddr)%uint64(mem.PageSize))

	got, kerr := as.walker.GetBackingAddress(mapping.Vaddr)
	require.Nil(t, kerr)
	require.Equal(t, mapping.Paddr, got)
}

func TestMapDistinctRegions(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	a, err := as.Map(pmm, mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)
	b, err := as.Map(pmm, mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)
	require.NotEqual(t, a.Vaddr, b.Vaddr)
}

func TestUnmapExactSegment(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	r := rangealg.Of(mapping.Vaddr, uint64(mem.Mb.AlignUp()))
	require.Nil(t, as.Unmap(pmm, r))

	require.Empty(t, as.segments)
	_, kerr := as.walker.GetBackingAddress(mapping.Vaddr)
	require.NotNil(t, kerr)
	require.Empty(t, pmm.segments)
}

func TestUnmapRangeWiderThanSegment(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, mem.PageSize, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	r := rangealg.Range[mem.VirtualAddress]{
		Front: mapping.Vaddr - mem.VirtualAddress(mem.PageSize),
		Back:  mapping.Vaddr + mem.VirtualAddress(mem.PageSize),
	}
	require.Nil(t, as.Unmap(pmm, r))
	require.Empty(t, as.segments)
}

func TestUnmapInnerAdjacentFront(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, 2*mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	r := rangealg.Of(mapping.Vaddr, uint64(mem.Mb))
	require.Nil(t, as.Unmap(pmm, r))

	require.Len(t, as.segments, 1)
	remaining := as.segments[0]
	require.Equal(t, mapping.Vaddr+mem.VirtualAddress(mem.Mb), remaining.virt.Front)
	require.Equal(t, uint64(mem.Mb), remaining.virt.Size())
}

func TestUnmapInnerAdjacentBack(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, 2*mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	r := rangealg.Range[mem.VirtualAddress]{
		Front: mapping.Vaddr + mem.VirtualAddress(mem.Mb),
		Back:  mapping.Vaddr + mem.VirtualAddress(2*mem.Mb),
	}
	require.Nil(t, as.Unmap(pmm, r))

	require.Len(t, as.segments, 1)
	remaining := as.segments[0]
	require.Equal(t, mapping.Vaddr, remaining.virt.Front)
	require.Equal(t, uint64(mem.Mb), remaining.virt.Size())
}

func TestUnmapInteriorSplitsIntoTwo(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, 3*mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	r := rangealg.Range[mem.VirtualAddress]{
		Front: mapping.Vaddr + mem.VirtualAddress(mem.Mb),
		Back:  mapping.Vaddr + mem.VirtualAddress(2*mem.Mb),
	}
	require.Nil(t, as.Unmap(pmm, r))

	require.Len(t, as.segments, 2)
	require.Equal(t, mapping.Vaddr, as.segments[0].virt.Front)
	require.Equal(t, uint64(mem.Mb), as.segments[0].virt.Size())
	require.Equal(t, mapping.Vaddr+mem.VirtualAddress(2*mem.Mb), as.segments[1].virt.Front)
	require.Equal(t, uint64(mem.Mb), as.segments[1].virt.Size())
}

func TestUnmapPartialOverlapLeft(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, 2*mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	r := rangealg.Range[mem.VirtualAddress]{
		Front: mapping.Vaddr - mem.VirtualAddress(mem.Mb),
		Back:  mapping.Vaddr + mem.VirtualAddress(mem.Mb),
	}
	require.Nil(t, as.Unmap(pmm, r))

	require.Len(t, as.segments, 1)
	remaining := as.segments[0]
	require.Equal(t, mapping.Vaddr+mem.VirtualAddress(mem.Mb), remaining.virt.Front)
}

func TestUnmapUnknownRangeIsNoop(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	r := rangealg.Of(mem.VirtualAddress(0xFFFF810000000000), uint64(mem.Mb))
	require.Nil(t, as.Unmap(pmm, r))
}

func TestReserveRecordsFixedMapping(t *testing.T) {
	as, _ := newTestAddressSpace(t)
	mapping := pagetable.Mapping{Vaddr: as.vrange.Front, Paddr: 0x200000, Size: mem.PageSize}
	require.Nil(t, as.Reserve(mapping))
	require.Len(t, as.segments, 1)
	require.Equal(t, as.vrange.Front, as.segments[0].virt.Front)
}

func TestStatsAccounting(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	before := as.Stats()
	_, err := as.Map(pmm, mem.Mb, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)
	after := as.Stats()
	require.Equal(t, before.UsedBytes+mem.Mb, after.UsedBytes)
	require.Equal(t, 1, after.SegmentCount)
}

func TestFindReturnsOwningMapping(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	mapping, err := as.Map(pmm, mem.PageSize, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	got, ok := as.Find(mapping.Vaddr + mem.VirtualAddress(mem.PageSize/2))
	require.True(t, ok)
	require.Equal(t, mapping.Vaddr, got.Vaddr)
	require.Equal(t, mapping.Paddr, got.Paddr)
}

func TestFindReturnsFalseForUnmappedAddress(t *testing.T) {
	as, pmm := newTestAddressSpace(t)
	_, err := as.Map(pmm, mem.PageSize, uint64(mem.PageSize), pagetable.PageAllFlags, pagetable.WriteBack)
	require.Nil(t, err)

	_, ok := as.Find(as.vrange.Front + mem.VirtualAddress(32*mem.Mb))
	require.False(t, ok)
}
