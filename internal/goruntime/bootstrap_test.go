package goruntime

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/mem"
	"github.com/kestrel-os/kestrel/pagetable"
	"github.com/kestrel-os/kestrel/rangealg"
	"github.com/kestrel-os/kestrel/vmm"
)

type fakeAddressSpace struct {
	mapped    map[mem.VirtualAddress]pagetable.Mapping
	nextVaddr mem.VirtualAddress
	failMap   bool
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{mapped: map[mem.VirtualAddress]pagetable.Mapping{}, nextVaddr: 0xFFFF800000000000}
}

func (f *fakeAddressSpace) Map(pmm vmm.PhysicalAllocator, size mem.Size, align uint64, flags pagetable.PageFlags, mt pagetable.MemoryType) (pagetable.Mapping, *kernerr.Error) {
	if f.failMap {
		return pagetable.Mapping{}, kernerr.New("vmm", kernerr.OutOfMemory)
	}

	paddr, err := pmm.Allocate(size)
	if err != nil {
		return pagetable.Mapping{}, err
	}

	mapping := pagetable.Mapping{Vaddr: f.nextVaddr, Paddr: paddr, Size: size}
	f.mapped[mapping.Vaddr] = mapping
	f.nextVaddr += mem.VirtualAddress(size)
	return mapping, nil
}

func (f *fakeAddressSpace) Find(addr mem.VirtualAddress) (pagetable.Mapping, bool) {
	for _, m := range f.mapped {
		if addr >= m.Vaddr && addr < m.Vaddr+mem.VirtualAddress(m.Size) {
			return m, true
		}
	}
	return pagetable.Mapping{}, false
}

type fakePmm struct {
	next mem.PhysicalAddress
	fail bool
}

func (p *fakePmm) Allocate(size mem.Size) (mem.PhysicalAddress, *kernerr.Error) {
	if p.fail {
		return 0, kernerr.New("pmm", kernerr.OutOfMemory)
	}
	addr := p.next
	p.next += mem.PhysicalAddress(size)
	return addr, nil
}

func (p *fakePmm) Retain(r rangealg.Range[mem.PhysicalAddress]) *kernerr.Error  { return nil }
func (p *fakePmm) Release(r rangealg.Range[mem.PhysicalAddress]) *kernerr.Error { return nil }

func TestSysReserveMapsAndMarksReserved(t *testing.T) {
	defer Bind(nil, nil)

	as := newFakeAddressSpace()
	Bind(as, &fakePmm{next: 0x400000})

	var reserved bool
	ptr := sysReserve(nil, uintptr(mem.PageSize), &reserved)
	require.True(t, reserved)
	require.NotZero(t, uintptr(ptr))
}

func TestSysReservePanicsOnMapFailure(t *testing.T) {
	defer Bind(nil, nil)

	as := newFakeAddressSpace()
	as.failMap = true
	Bind(as, &fakePmm{})

	defer func() {
		require.NotNil(t, recover())
	}()

	var reserved bool
	sysReserve(nil, uintptr(mem.PageSize), &reserved)
}

func TestSysMapAcceptsAnAddressSysReserveBacked(t *testing.T) {
	defer Bind(nil, nil)

	as := newFakeAddressSpace()
	Bind(as, &fakePmm{next: 0x400000})

	var reserved bool
	ptr := sysReserve(nil, uintptr(mem.PageSize), &reserved)

	var stat uint64
	got := sysMap(ptr, uintptr(mem.PageSize), true, &stat)
	require.Equal(t, ptr, got)
	require.Equal(t, uint64(mem.PageSize), stat)
}

func TestSysMapPanicsIfNotReserved(t *testing.T) {
	defer func() {
		require.NotNil(t, recover())
	}()
	var stat uint64
	sysMap(unsafe.Pointer(uintptr(0x1000)), 0, false, &stat)
}

func TestSysMapPanicsOnUnknownAddress(t *testing.T) {
	defer Bind(nil, nil)
	Bind(newFakeAddressSpace(), &fakePmm{})

	defer func() {
		require.NotNil(t, recover())
	}()

	var stat uint64
	sysMap(unsafe.Pointer(uintptr(0xdead0000)), uintptr(mem.PageSize), true, &stat)
}

func TestSysAllocReturnsZeroOnMapFailure(t *testing.T) {
	defer Bind(nil, nil)
	as := newFakeAddressSpace()
	as.failMap = true
	Bind(as, &fakePmm{})

	var stat uint64
	got := sysAlloc(uintptr(mem.PageSize), &stat)
	require.Zero(t, uintptr(got))
}

func TestGetRandomDataVariesAcrossCalls(t *testing.T) {
	a := make([]byte, 64)
	b := make([]byte, 64)
	getRandomData(a)
	getRandomData(b)
	require.NotEqual(t, a, b)
}

func TestInitRunsWithoutError(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	mallocInitFn = func() {}
	algInitFn = func() {}
	modulesInitFn = func() {}
	typeLinksInitFn = func() {}
	itabsInitFn = func() {}

	require.Nil(t, Init())
}
