package cpulocal

import (
	"sync"

	"github.com/kestrel-os/kestrel/sched"
)

// Vector names an IDT slot, spanning the 32 CPU-reserved exception
// vectors plus the 224 vectors available for hardware/software
// interrupts. Spec §4.8 reserves 0x20 for the timer; the spurious
// vector is allocated per CPU from whatever is left.
type Vector uint8

const (
	// DivideByZero through SIMDFloatingPointException mirror
	// gate_amd64.go's InterruptNumber constants one-for-one; cpulocal
	// keeps its own copy since callers here deal in a dispatch table
	// keyed by Vector rather than gate's Registers.
	DivideByZero               Vector = 0
	DoubleFault                Vector = 8
	GPFException               Vector = 13
	PageFaultException         Vector = 14
	SIMDFloatingPointException Vector = 19

	// TimerVector is the reserved vector spec §4.8 calls out for the
	// scheduler tick.
	TimerVector Vector = 0x20
)

// gateDescriptor is the 16-byte x86-64 IDT gate entry layout.
type gateDescriptor struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	gateTypeInterrupt = 0x8E // present, DPL 0, 64-bit interrupt gate
	codeSelector      = 0x08 // kernel code segment, matches the boot GDT layout
)

func newGateDescriptor(entry uintptr, istOffset uint8) gateDescriptor {
	return gateDescriptor{
		offsetLow:  uint16(entry),
		selector:   codeSelector,
		ist:        istOffset,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(entry >> 16),
		offsetHigh: uint32(entry >> 32),
	}
}

// Handler receives a snapshot of the trapped context and the vector that
// fired. A handler that wants to change what the interrupted CPU resumes
// into returns a modified context; otherwise it returns ctx unchanged.
type Handler func(vector Vector, ctx sched.IsrContext) sched.IsrContext

var (
	handlerMu sync.RWMutex
	handlers  [256]Handler
)

// HandleInterrupt registers handler to run whenever vector fires,
// matching gate.HandleInterrupt. istOffset selects which of the current
// CPU's Region.InterruptStacks to switch to (0 means "don't switch").
func HandleInterrupt(vector Vector, istOffset uint8, handler Handler) {
	handlerMu.Lock()
	handlers[vector] = handler
	idtTable[vector] = newGateDescriptor(interruptGateEntries(vector), istOffset)
	handlerMu.Unlock()
}

// idtTable is the live IDT image passed to loadIDT by InstallIDT. All 256
// slots start non-present (the zero gateDescriptor); HandleInterrupt
// fills in a slot as it is claimed, mirroring gate.installIDT's comment
// that entries are "initially marked as non-present".
var idtTable [256]gateDescriptor

// InstallIDT loads idtTable onto the current CPU, matching gate.Init's
// call to installIDT. Must run once per CPU during bring-up, before
// interrupts are enabled.
func InstallIDT() {
	loadIDT(&idtTable[0], uint16(len(idtTable)*16-1))
}

// Dispatch is invoked by the per-vector trampoline stub produced by
// interruptGateEntries to route a fired interrupt to its registered
// Handler. A vector with no registered handler is dropped, matching a
// present-but-unhandled gate faulting back into the idle loop.
func Dispatch(vector Vector, ctx sched.IsrContext) sched.IsrContext {
	handlerMu.RLock()
	h := handlers[vector]
	handlerMu.RUnlock()

	if h == nil {
		return ctx
	}
	return h(vector, ctx)
}
