// Package pagetable implements the four-level x86-64 page-table walker
// (spec §4.2): deterministic virtual-to-physical translation and atomic
// installation of {vaddr -> paddr, flags, type} mappings.
//
// The walker is grounded on the teacher's gopheros/kernel/mem/vmm pte.go /
// walk.go / map.go, generalized from a single global PDT into a walker
// bound to an arbitrary root table so the VMM can own one walker per
// address space (spec §4.4).
package pagetable

import (
	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/kfmt"
	"github.com/kestrel-os/kestrel/ksync"
	"github.com/kestrel-os/kestrel/mem"
	"github.com/kestrel-os/kestrel/rangealg"
)

// Flags describes the bits carried by a leaf page-table entry, matching
// the {P, R/W, U/S, PWT, PCD, A, D, PS, G, XD} layout of spec §6.
type Flags uintptr

const (
	FlagPresent      Flags = 1 << 0
	FlagWritable     Flags = 1 << 1
	FlagUser         Flags = 1 << 2
	FlagWriteThrough Flags = 1 << 3
	FlagCacheDisable Flags = 1 << 4
	FlagAccessed     Flags = 1 << 5
	FlagDirty        Flags = 1 << 6
	FlagPageSize     Flags = 1 << 7 // PS: set on PD/PDPT leaf entries
	FlagGlobal       Flags = 1 << 8
	FlagExecuteDisable Flags = 1 << 63

	physAddrMask = Flags(0x000f_ffff_ffff_f000)
)

// PageFlags is the caller-facing flag bundle from spec §3: a bitfield over
// {Read, Write, Execute, User, WriteThrough, CacheDisable} plus the two
// convenience bundles eAll/eUserAll.
type PageFlags uint8

const (
	PageRead PageFlags = 1 << iota
	PageWrite
	PageExecute
	PageUser
	PageWriteThrough
	PageCacheDisable

	// PageAllFlags ("eAll") grants read/write/execute to supervisor code.
	PageAllFlags = PageRead | PageWrite | PageExecute
	// PageUserAllFlags ("eUserAll") grants read/write/execute to user code.
	PageUserAllFlags = PageRead | PageWrite | PageExecute | PageUser
)

// MemoryType enumerates cacheability classes corresponding to the PAT MSR
// layout (spec §3).
type MemoryType uint8

const (
	WriteBack MemoryType = iota
	WriteThrough
	Uncached
	WriteCombining
)

func toEntryFlags(pf PageFlags, mt MemoryType) Flags {
	f := FlagPresent
	if pf&PageWrite != 0 {
		f |= FlagWritable
	}
	if pf&PageExecute == 0 {
		f |= FlagExecuteDisable
	}
	if pf&PageUser != 0 {
		f |= FlagUser
	}
	switch mt {
	case WriteThrough:
		f |= FlagWriteThrough
	case Uncached, WriteCombining:
		f |= FlagWriteThrough | FlagCacheDisable
	}
	return f
}

const entries = mem.EntriesPerTable

// Entry is a single 8-byte page-table slot. The VMM and bootstrap code treat
// it opaquely; only this package interprets its bits.
type Entry uintptr

func (e Entry) present() bool         { return Flags(e)&FlagPresent != 0 }
func (e Entry) hasFlags(f Flags) bool { return Flags(e)&f == f }
func (e Entry) frame() mem.PhysicalAddress {
	return mem.PhysicalAddress(Flags(e) & physAddrMask)
}
func (e *Entry) setFrame(addr mem.PhysicalAddress) {
	*e = Entry((Flags(*e) &^ physAddrMask) | (Flags(addr) & physAddrMask))
}
func (e *Entry) setFlags(f Flags)   { *e = Entry(Flags(*e) | f) }
func (e *Entry) clearFlags(f Flags) { *e = Entry(Flags(*e) &^ f) }

// Table is one level of the radix tree: 512 entries, one page in size. A
// fresh frame reinterpreted as *Table must be zeroed before use.
type Table [entries]Entry

// FrameAllocFn allocates one physically-contiguous, zeroed page-sized frame
// for use as an interior page-table level.
type FrameAllocFn func() (mem.PhysicalAddress, error)

// ToVirtFn resolves a physical address to a pointer the CPU can dereference
// directly, typically via a direct physical map (HHDM).
type ToVirtFn func(mem.PhysicalAddress) *Table

// Walker owns one root table (PML4) and translates/installs mappings into
// it. Each AddressSpace (spec §4.4) owns exactly one Walker.
type Walker struct {
	lock ksync.RWSpinlock

	root *Table

	// physToVirt maps a physical address to a virtual pointer the CPU can
	// dereference directly; on the kernel's own address space this is the
	// HHDM (spec §6). It must be set before any walk.
	physToVirt ToVirtFn

	allocTable FrameAllocFn

	// onLocalInvalidate is called once per 4 KiB page unmapped, per §4.2
	// ("unmap... issues a TLB invalidation per 4 KiB"). Left nil in tests.
	onLocalInvalidate func(mem.VirtualAddress)
}

// NewWalker builds a Walker rooted at rootFrame, translating physical
// addresses to dereferenceable pointers via toVirt and drawing interior
// table frames from allocFn.
func NewWalker(rootFrame mem.PhysicalAddress, toVirt ToVirtFn, allocFn FrameAllocFn) *Walker {
	return &Walker{root: toVirt(rootFrame), physToVirt: toVirt, allocTable: allocFn}
}

// SetInvalidateFn registers the callback used to flush a single local TLB
// entry after an unmap.
func (w *Walker) SetInvalidateFn(fn func(mem.VirtualAddress)) {
	w.onLocalInvalidate = fn
}

func canonical(addr mem.VirtualAddress) bool {
	return addr < mem.CanonicalHoleStart || addr > mem.CanonicalHoleEnd
}

func requireCanonical(addr mem.VirtualAddress) {
	if !canonical(addr) {
		kfmt.Printf("\npagetable: address 0x%16x falls inside the canonical hole\n", uint64(addr))
		panic(&kernerr.Fatal{Module: "pagetable", Message: "non-canonical virtual address"})
	}
}

func indices(addr mem.VirtualAddress) (pml4, pdpt, pd, pt uint64) {
	a := uint64(addr)
	return (a >> 39) & 0x1ff, (a >> 30) & 0x1ff, (a >> 21) & 0x1ff, (a >> 12) & 0x1ff
}

// WalkResult records where a translation stopped, matching spec §4.2's
// walk() contract: always defined, stops at the first non-present or leaf
// entry.
type WalkResult struct {
	PML4E, PDPTE, PDE, PTE *Entry
	PageSize               mem.Size
}

// walk descends the four levels for addr; it stops at the first leaf
// (large/huge page) entry, and at the first non-present entry unless
// create is set, in which case it allocates the missing interior tables.
// Map passes create=true; Walk and Unmap pass false and allocate nothing.
func (w *Walker) walk(addr mem.VirtualAddress, create bool) (WalkResult, *kernerr.Error) {
	var res WalkResult
	pml4i, pdpti, pdi, pti := indices(addr)

	pml4e := &w.root[pml4i]
	res.PML4E = pml4e
	if !pml4e.present() {
		if !create {
			return res, nil
		}
		if err := w.installChild(pml4e); err != nil {
			return res, err
		}
	}

	pdpt := w.physToVirt(pml4e.frame())
	pdpte := &pdpt[pdpti]
	res.PDPTE = pdpte
	if !pdpte.present() {
		if !create {
			return res, nil
		}
		if err := w.installChild(pdpte); err != nil {
			return res, err
		}
	} else if pdpte.hasFlags(FlagPageSize) {
		res.PageSize = mem.HugePageSize
		return res, nil
	}

	pd := w.physToVirt(pdpte.frame())
	pde := &pd[pdi]
	res.PDE = pde
	if !pde.present() {
		if !create {
			return res, nil
		}
		if err := w.installChild(pde); err != nil {
			return res, err
		}
	} else if pde.hasFlags(FlagPageSize) {
		res.PageSize = mem.LargePageSize
		return res, nil
	}

	pt := w.physToVirt(pde.frame())
	pte := &pt[pti]
	res.PTE = pte
	if pte.present() {
		res.PageSize = mem.PageSize
	}
	return res, nil
}

func (w *Walker) installChild(parent *Entry) *kernerr.Error {
	frame, err := w.allocTable()
	if err != nil {
		return kernerr.Newf("pagetable", kernerr.OutOfMemory, "no frame for interior table")
	}
	child := w.physToVirt(frame)
	*child = Table{}
	parent.setFrame(frame)
	parent.setFlags(FlagPresent | FlagWritable)
	return nil
}

// Walk is the public read-only lookup: translate vaddr to {present?,
// physical-frame, flags, page-size}, per spec §4.2.
func (w *Walker) Walk(vaddr mem.VirtualAddress) WalkResult {
	requireCanonical(vaddr)
	w.lock.RLock()
	defer w.lock.RUnlock()
	res, _ := w.walk(vaddr, false)
	return res
}

// GetBackingAddress returns the physical address vaddr currently
// translates to, or an error if no mapping is present.
func (w *Walker) GetBackingAddress(vaddr mem.VirtualAddress) (mem.PhysicalAddress, *kernerr.Error) {
	res := w.Walk(vaddr)
	leaf, size := res.leaf()
	if leaf == nil || !leaf.present() {
		return 0, kernerr.New("pagetable", kernerr.InvalidAddress)
	}
	offset := uint64(vaddr) & (uint64(size) - 1)
	return leaf.frame() + mem.PhysicalAddress(offset), nil
}

// GetMemoryFlags returns the PageFlags currently installed at vaddr.
func (w *Walker) GetMemoryFlags(vaddr mem.VirtualAddress) PageFlags {
	res := w.Walk(vaddr)
	leaf, _ := res.leaf()
	if leaf == nil || !leaf.present() {
		return 0
	}
	f := Flags(*leaf)
	var pf PageFlags = PageRead
	if f&FlagWritable != 0 {
		pf |= PageWrite
	}
	if f&FlagExecuteDisable == 0 {
		pf |= PageExecute
	}
	if f&FlagUser != 0 {
		pf |= PageUser
	}
	if f&FlagWriteThrough != 0 {
		pf |= PageWriteThrough
	}
	if f&FlagCacheDisable != 0 {
		pf |= PageCacheDisable
	}
	return pf
}

func (r WalkResult) leaf() (*Entry, mem.Size) {
	switch {
	case r.PTE != nil:
		return r.PTE, mem.PageSize
	case r.PDE != nil && r.PDE.hasFlags(FlagPageSize):
		return r.PDE, mem.LargePageSize
	case r.PDPTE != nil && r.PDPTE.hasFlags(FlagPageSize):
		return r.PDPTE, mem.HugePageSize
	default:
		return nil, 0
	}
}

// Mapping is the {vaddr, paddr, size} triple the VMM binds into a walker
// (spec §3's AddressMapping).
type Mapping struct {
	Vaddr mem.VirtualAddress
	Paddr mem.PhysicalAddress
	Size  mem.Size
}

// Slide returns vaddr - paddr.
func (m Mapping) Slide() int64 {
	return int64(m.Vaddr) - int64(m.Paddr)
}

func requireAligned(v uint64, name string) {
	if v&uint64(mem.PageSize-1) != 0 {
		kfmt.Printf("\npagetable: %s 0x%x is not page-aligned\n", name, v)
		panic(&kernerr.Fatal{Module: "pagetable", Message: name + " is not page-aligned"})
	}
}

// Map installs one mapping covering m.Size bytes, applying a 2 MiB
// large-page upgrade to the inner body when both endpoints share alignment
// modulo 2 MiB and the aligned-in body is non-empty (spec §4.2).
func (w *Walker) Map(m Mapping, flags PageFlags, mt MemoryType) *kernerr.Error {
	requireCanonical(m.Vaddr)
	requireCanonical(mem.VirtualAddress(uint64(m.Vaddr) + uint64(m.Size)))
	requireAligned(uint64(m.Vaddr), "vaddr")
	requireAligned(uint64(m.Paddr), "paddr")
	requireAligned(uint64(m.Size), "size")

	w.lock.Lock()
	defer w.lock.Unlock()

	vr := rangealg.Of(uint64(m.Vaddr), uint64(m.Size))
	body := rangealg.Aligned(vr, uint64(mem.LargePageSize))

	slide := m.Slide()
	mapSmall := func(vr rangealg.Range[uint64]) *kernerr.Error {
		for addr := vr.Front; addr < vr.Back; addr += uint64(mem.PageSize) {
			res, err := w.walk(mem.VirtualAddress(addr), true)
			if err != nil {
				return err
			}
			*res.PTE = Entry(toEntryFlags(flags, mt))
			res.PTE.setFrame(mem.PhysicalAddress(int64(addr) - slide))
		}
		return nil
	}

	if body.Empty() || (uint64(m.Vaddr)%uint64(mem.LargePageSize)) != (uint64(m.Paddr)%uint64(mem.LargePageSize)) {
		return mapSmall(vr)
	}

	lo, hi := rangealg.Split(vr, body)
	if !lo.Empty() {
		if err := mapSmall(lo); err != nil {
			return err
		}
	}
	if !hi.Empty() {
		if err := mapSmall(hi); err != nil {
			return err
		}
	}
	for addr := body.Front; addr < body.Back; addr += uint64(mem.LargePageSize) {
		res, err := w.walk(mem.VirtualAddress(addr), true)
		if err != nil {
			return err
		}
		*res.PDE = Entry(toEntryFlags(flags, mt) | FlagPageSize)
		res.PDE.setFrame(mem.PhysicalAddress(int64(addr) - slide))
	}
	return nil
}

// Unmap marks each leaf covered by r as not-present and invalidates the
// local TLB for each 4 KiB page. It does not coalesce interior tables
// (spec §4.2).
func (w *Walker) Unmap(r rangealg.Range[mem.VirtualAddress]) *kernerr.Error {
	requireCanonical(r.Front)
	requireCanonical(r.Back)

	w.lock.Lock()
	defer w.lock.Unlock()

	for addr := r.Front; addr < r.Back; {
		res, _ := w.walk(addr, false)
		leaf, size := res.leaf()
		if leaf == nil {
			addr += mem.VirtualAddress(mem.PageSize)
			continue
		}
		leaf.clearFlags(FlagPresent)
		for a := addr; a < addr+mem.VirtualAddress(size); a += mem.VirtualAddress(mem.PageSize) {
			if w.onLocalInvalidate != nil {
				w.onLocalInvalidate(a)
			}
		}
		addr += mem.VirtualAddress(size)
	}
	return nil
}
