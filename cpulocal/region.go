// Package cpulocal implements per-CPU state: a TLS region reachable
// through the IA32_GS_BASE MSR, IDT installation, and interrupt dispatch,
// matching spec §4.8. Grounded on gopheros's gate/gate_amd64.go and
// irq/{interrupt_amd64,handler_amd64}.go, which define the same register
// snapshot and per-vector handler registration idiom but, like this
// package's interruptGateEntries, leave the per-vector trampoline codegen
// as an arch-specific stub outside the retrieval pack.
package cpulocal

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/kestrel-os/kestrel/kfmt"
	"github.com/kestrel-os/kestrel/sched"
)

// iaGsBaseMSR is IA32_GS_BASE, the MSR this package parks the current
// Region's address in so Current can recover it from any context without
// a global lookup table.
const iaGsBaseMSR = 0xC0000101

// interruptStackCount is the number of IST slots reserved in the TSB,
// matching the x86-64 Interrupt Stack Table's 7 usable entries.
const interruptStackCount = 7

// Region is the per-CPU TLS block spec §4.8 describes: the per-CPU
// schedule pointer, the kernel-stack base used to recover the stack on a
// syscall entry from user mode, and an interrupt-stack table.
type Region struct {
	ID       sched.CPUID
	Schedule *sched.CpuLocalSchedule

	// KernelStackBase is restored into the TSS RSP0 slot (or read
	// directly by a syscall entry stub) whenever this CPU traps in from
	// user mode.
	KernelStackBase uintptr

	// InterruptStacks holds one stack-top pointer per IST slot; a gate
	// descriptor names its istOffset to say which of these to switch to.
	InterruptStacks [interruptStackCount]uintptr

	// SpuriousVector is this CPU's spurious-interrupt vector, recorded by
	// InstallSpuriousHandler. Nothing in this package writes it into the
	// local APIC's spurious-interrupt register.
	SpuriousVector Vector

	ready atomic.Bool
}

// Init creates this CPU's Region and parks its address in IA32_GS_BASE so
// Current can recover it. Must run once per CPU, after the CPU's GDT/IDT
// are live but before interrupts are enabled.
func Init(id sched.CPUID, schedule *sched.CpuLocalSchedule, kernelStackBase uintptr) *Region {
	r := &Region{ID: id, Schedule: schedule, KernelStackBase: kernelStackBase}
	writeMSR(iaGsBaseMSR, uint64(uintptr(unsafe.Pointer(r))))

	// Tag this CPU's bring-up line with its ID via kfmt.PrefixWriter, so
	// concurrent AP bring-up doesn't interleave unattributed output onto
	// the shared boot console (smp.BringUpAPs starts one AP at a time,
	// but nothing stops an already-running AP from logging concurrently).
	// Before a console sink is installed, PrefixWriter has nothing to
	// wrap, so fall back to Printf's own early ring buffer.
	prefix := fmt.Sprintf("cpu%d: ", id)
	if sink := kfmt.GetOutputSink(); sink != nil {
		kfmt.Fprintf(&kfmt.PrefixWriter{Sink: sink, Prefix: []byte(prefix)}, "region initialized, kernel stack base 0x%x\n", uint64(kernelStackBase))
	} else {
		kfmt.Printf("%sregion initialized, kernel stack base 0x%x\n", prefix, uint64(kernelStackBase))
	}

	return r
}

// Current recovers the calling CPU's Region from IA32_GS_BASE. Panics if
// Init has not run on this CPU yet, mirroring a nil per-CPU pointer fault
// in the original.
func Current() *Region {
	addr := readMSR(iaGsBaseMSR)
	if addr == 0 {
		panic("cpulocal: Current called before Init on this CPU")
	}
	return (*Region)(unsafe.Pointer(uintptr(addr)))
}

// MarkReady records that this CPU has finished bring-up and is ready to
// run scheduled work, matching smp.cpp's SmpInfoHeader.ready flag that the
// BSP polls between starting each AP.
func (r *Region) MarkReady() {
	r.ready.Store(true)
}

// Ready reports whether MarkReady has been called on this Region.
func (r *Region) Ready() bool {
	return r.ready.Load()
}
