// Package goruntime bootstraps the Go runtime features the kernel image
// needs before it can use the heap, maps, or interfaces: it replaces the
// hosted OS's mmap-backed sysReserve/sysMap/sysAlloc with calls into this
// module's own VMM, then runs the runtime's internal init sequence via
// go:linkname. Grounded on gopheros/kernel/goruntime/bootstrap.go, which
// does the same thing against its own allocator/vmm packages.
//
//go:generate go run github.com/kestrel-os/kestrel/tools/redirects -root=../.. count
package goruntime

import (
	"unsafe"

	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/mem"
	"github.com/kestrel-os/kestrel/pagetable"
	"github.com/kestrel-os/kestrel/vmm"
)

// AddressSpace is the subset of *vmm.AddressSpace the runtime hooks need:
// mapping fresh pages into the kernel's own address space, and looking an
// already-mapped address back up (sysMap is handed an address the
// runtime already believes is reserved, so it must be able to confirm
// that rather than mapping blindly).
type AddressSpace interface {
	Map(pmm vmm.PhysicalAllocator, size mem.Size, align uint64, flags pagetable.PageFlags, mt pagetable.MemoryType) (pagetable.Mapping, *kernerr.Error)
	Find(addr mem.VirtualAddress) (pagetable.Mapping, bool)
}

var (
	addressSpace  AddressSpace
	physAllocator vmm.PhysicalAllocator

	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// prngSeed seeds getRandomData's linear congruential generator. There
	// is no hardware RNG source wired in yet, matching the teacher's own
	// "dummy implementation... replaced when available" comment.
	prngSeed = 0xdeadc0de
)

// Bind wires sysReserve/sysMap/sysAlloc through to the kernel's own
// address space and physical allocator, mirroring bootstrap.go's
// package-level mapFn/earlyReserveRegionFn seams. Must run once, before
// Init, against the kernel's own AddressSpace (never a user one) — the Go
// heap lives in kernel virtual memory regardless of which thread touches
// it.
func Bind(as AddressSpace, pmm vmm.PhysicalAllocator) {
	addressSpace = as
	physAllocator = pmm
}

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space for the Go allocator and backs it
// with physical frames at once. This module's VMM has no separate
// virtual-only reservation primitive (map.go's AddressSpace.Map always
// backs what it maps), so sysReserve backs the region immediately; the
// allocator treats the result the same either way since it never
// inspects the backing before a matching sysMap call.
//
// This function replaces runtime.sysReserve and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	mapping, err := addressSpace.Map(physAllocator, mem.Size(size), uint64(mem.PageSize), pagetable.PageRead|pagetable.PageWrite, pagetable.WriteBack)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(mapping.Vaddr)
}

// sysMap establishes the runtime's view of a region sysReserve already
// backed. Since sysReserve never leaves a region unbacked here, sysMap
// only has to confirm the address the runtime hands back is one this
// package actually mapped, using AddressSpace.Find (SPEC_FULL.md
// supplemented feature 3) rather than re-mapping it.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	addr := mem.VirtualAddress(uintptr(virtAddr))
	if _, ok := addressSpace.Find(addr); !ok {
		panic("sysMap called with an address sysReserve never backed")
	}

	mSysStatInc(sysStat, size)
	return virtAddr
}

// sysAlloc reserves and backs a fresh region in one step, for runtime
// paths (large allocations, stack growth) that never call sysReserve
// first.
//
// This function replaces runtime.sysAlloc and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	mapping, err := addressSpace.Map(physAllocator, mem.Size(size), uint64(mem.PageSize), pagetable.PageRead|pagetable.PageWrite, pagetable.WriteBack)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, size)
	return unsafe.Pointer(mapping.Vaddr)
}

// nanotime stands in for the runtime's clock. No tick source is wired in:
// it always returns the constant non-zero value 1, the same placeholder
// the teacher uses before its timekeeper package exists.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates r with pseudo-random bytes. There is no
// /dev/random to read in a freestanding kernel, so this uses the same
// linear congruential generator the teacher falls back to.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables the Go runtime features that require explicit setup in a
// freestanding image: heap allocation, map primitives, and interfaces.
func Init() *kernerr.Error {
	mallocInitFn()
	algInitFn()
	modulesInitFn()
	typeLinksInitFn()
	itabsInitFn()
	return nil
}
