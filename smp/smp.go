// Package smp brings up application processors: it copies a trampoline
// blob to a fixed low-memory page, hands each AP an info page describing
// where to enter long mode and what to do once there, and walks the BSP
// through one INIT/startup IPI pair per AP, matching spec §4.8. Grounded
// on original_source/sources/kernel/src/smp.cpp's SmpInfoHeader/InitSmp.
package smp

import (
	"sync/atomic"

	"github.com/kestrel-os/kestrel/kernerr"
)

// spinFn is invoked while BringUpAPs polls an AP's ready flag, defaulting
// to a PAUSE instruction. Tests substitute a counting stub, the same
// SetYieldFn-style seam ksync.Spinlock uses for its own spin loop.
var spinFn = pause

// SetSpinFn overrides the function invoked on every iteration of the
// ready-flag poll loop.
func SetSpinFn(fn func()) {
	spinFn = fn
}

// Apic is the subset of local-APIC control BringUpAPs needs: its own ID
// (so the BSP can skip itself) and the INIT/startup IPI pair smp.cpp
// sends to wake an AP. Declared on the consumer side so this package
// doesn't need to depend on a concrete APIC driver.
type Apic interface {
	ID() uint32
	SendInitIPI(targetAPICID uint32)
	SendStartupIPI(targetAPICID uint32, vector uint8)
}

// Memory abstracts mapping the fixed low-memory pages the trampoline and
// its info header live at. Declared on the consumer side, matching
// vmm.PhysicalAllocator and sched.suspender's boundary.
type Memory interface {
	// MapBlob copies blob to the fixed trampoline page and identity-maps
	// it so real mode/compatibility mode can reach it, returning a func
	// that tears the mapping down once every AP has started.
	MapBlob(blob []byte) (unmap func(), kerr *kernerr.Error)

	// MapInfo identity-maps info's fixed low page so an AP's trampoline
	// can read it before paging is reconfigured, returning a teardown
	// func.
	MapInfo(info *InfoHeader) (unmap func(), kerr *kernerr.Error)
}

// InfoHeader is the data an AP's trampoline reads to reach
// KmSmpStartup's Go equivalent: the long-mode entry point, the PAT MSR
// value every core must agree on, the kernel's top-level page table, a
// private stack, and the GDT/GDTR needed to reach long mode. Grounded on
// smp.cpp's SmpInfoHeader.
type InfoHeader struct {
	EntryPoint uintptr
	Pat        uint64
	Pml4       uint32
	Stack      uint64

	Gdt      []byte
	GdtBase  uint32
	GdtLimit uint16

	ready atomic.Bool
}

// MarkReady records that this AP has finished bring-up, matching
// SmpInfoHeader.ready.test_and_set().
func (h *InfoHeader) MarkReady() {
	h.ready.Store(true)
}

// Ready reports whether MarkReady has been called, matching
// SmpInfoHeader.ready.test().
func (h *InfoHeader) Ready() bool {
	return h.ready.Load()
}

// CPU describes one entry from the ACPI MADT local-APIC table smp.cpp
// walks in InitSmp.
type CPU struct {
	ApicID        uint32
	Enabled       bool
	OnlineCapable bool
}

// shouldStart matches smp.cpp's InitSmp skip conditions: never start the
// BSP itself, and skip any APIC marked neither enabled nor
// online-capable.
func (c CPU) shouldStart(bspID uint32) bool {
	if c.ApicID == bspID {
		return false
	}
	return c.Enabled || c.OnlineCapable
}

// BringUpAPs starts every AP in cpus in turn. newInfo builds the
// InfoHeader for one AP given a freshly allocated kernel stack top
// (allocStack); blob is the trampoline machine code copied to the fixed
// low page once for the whole run. Only one trampoline is ever in
// flight: the BSP polls the just-started AP's ready flag before moving
// on to the next, matching smp.cpp's InitSmp loop and its comment that a
// condition variable would be nicer than the spin-poll it actually uses.
func BringUpAPs(
	apic Apic,
	mem Memory,
	blob []byte,
	cpus []CPU,
	allocStack func() uint64,
	newInfo func(stack uint64) *InfoHeader,
) *kernerr.Error {
	unmapBlob, kerr := mem.MapBlob(blob)
	if kerr != nil {
		return kerr
	}
	defer unmapBlob()

	bspID := apic.ID()

	for _, cpu := range cpus {
		if !cpu.shouldStart(bspID) {
			continue
		}

		info := newInfo(allocStack())

		unmapInfo, kerr := mem.MapInfo(info)
		if kerr != nil {
			return kerr
		}

		apic.SendInitIPI(cpu.ApicID)
		apic.SendStartupIPI(cpu.ApicID, uint8(BlobAddr>>12))

		for !info.Ready() {
			spinFn()
		}

		unmapInfo()
	}

	return nil
}

// InfoAddr and BlobAddr are the fixed low-memory physical pages
// smp.cpp's kSmpInfo/kSmpStart reserve for the info header and
// trampoline blob respectively. Both must stay below 1MiB so real-mode
// code can address them directly.
const (
	InfoAddr uintptr = 0x7000
	BlobAddr uintptr = 0x8000
)
