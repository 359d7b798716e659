// Package kfmt implements the kernel's allocation-free printf and the
// single bug-check routine every unrecoverable kernel error funnels
// through (spec §7/§9).
//
//go:generate go run github.com/kestrel-os/kestrel/tools/redirects -root=.. count
package kfmt

import (
	"github.com/kestrel-os/kestrel/kernerr"
)

// haltFn is mocked by tests and replaced through SetHaltFn with a routine
// that halts the CPU. Kept as an indirection, rather than a direct
// import of cpulocal, to avoid import cycles: cpulocal's own diagnostics go
// through kfmt.
var haltFn = func() {
	for {
	}
}

// SetHaltFn registers the function invoked to stop the CPU after a bug
// check has printed its report. Called once during boot.
func SetHaltFn(fn func()) {
	haltFn = fn
}

var errRuntimePanic = &kernerr.Error{Module: "rt", Message: "unknown cause"}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Per §7, this is the single bug-check
// routine: canonical-address violations, double frees of a PMM segment, and
// scheduler state-machine violations all funnel here instead of returning an
// error to their caller.
//
// Panic is also the redirect target for runtime.gopanic, matching the
// teacher's own kernel.Panic (gopher-os-gopher-os/kernel/panic.go). Every raw
// panic(...) call across the kernel-linked packages (vmm, sched, rcu,
// pagetable, cpulocal) compiles to a call to runtime.gopanic; tools/redirects
// patches the linked kernel image so that call lands here instead.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernerr.Error

	switch t := e.(type) {
	case *kernerr.Error:
		err = t
	case *kernerr.Fatal:
		Printf("\n-----------------------------------\n")
		Printf("[%s] fatal: %s\n", t.Module, t.Message)
		Printf("*** kernel panic: system halted ***\n")
		Printf("-----------------------------------\n")
		haltFn()
		return
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn()
}

// panicString serves as a redirect target for runtime.throw, wired via
// tools/redirects the same way Panic redirects runtime.gopanic.
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
