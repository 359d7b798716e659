// Package sched implements the preemptive, per-CPU and global thread
// scheduler (spec §4.6): a bounded run queue per CPU, CAS-driven thread
// state transitions, and global sleep/wait queues ordered by wake time.
//
// Grounded on original_source/sources/kernel/src/system/schedule.cpp's
// sys2::CpuLocalSchedule/GlobalSchedule. Thread and process management
// otherwise live in BezOS's much larger task/ and system/ trees, which are
// out of this core's scope; sched therefore owns a minimal Thread type
// carrying just the state machine, saved register context, and kernel
// stack base the scheduler itself touches, with its weak/strong
// reference counting done entirely through rcu.Shared[Thread]/
// rcu.Weak[Thread] — the same sm::RcuSharedPtr<Thread>/RcuWeakPtr<Thread>
// the original threads through every scheduler method.
package sched

import (
	"sync/atomic"

	"github.com/kestrel-os/kestrel/ksync"
	"github.com/kestrel-os/kestrel/rcu"
)

// Shared and Weak are this package's names for the rcu handle types
// scheduled threads are passed around by, matching schedule.cpp's
// sm::RcuSharedPtr<Thread>/sm::RcuWeakPtr<Thread>.
type (
	Shared = rcu.Shared[Thread]
	Weak   = rcu.Weak[Thread]
)

// State is a thread's scheduling state, matching the eOsThreadXxx enum
// schedule.cpp switches on (its definition lives in a bezos/facility
// header not present in the retrieval pack; the six states below are
// reconstructed from schedule.cpp's own switch arms, which name all six).
type State int32

const (
	Queued State = iota
	Running
	Suspended
	Waiting
	Finished
	Orphaned
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Waiting:
		return "waiting"
	case Finished:
		return "finished"
	case Orphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// RegisterSet is the integer register snapshot saved/restored across a
// context switch, mirroring sys2::RegisterSet.
type RegisterSet struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rdi, Rsi           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rbp, Rsp, Rip      uint64
	Rflags             uint64
	Cs, Ss             uint64
}

// IsrContext is the full trap-frame layout handed to and received from the
// interrupt return path, mirroring km::IsrContext. Vector/Error are zeroed
// on the synthesized outbound context exactly as LoadThreadContext does in
// schedule.cpp, since a context switch is not itself a fault.
type IsrContext struct {
	RegisterSet
	Vector, Error uint64
}

// SignalStatus reports why a waiter woke up.
type SignalStatus int32

const (
	// SignalNone means the thread has not been woken by signal/tick yet.
	SignalNone SignalStatus = iota
	// SignalCompleted means the wait was satisfied before its timeout.
	SignalCompleted
	// SignalTimeout means the wait's timeout elapsed first.
	SignalTimeout
)

// Thread is the scheduler's view of a schedulable unit of execution: a CAS
// state machine, a saved register context, and the kernel stack base used
// to recover the stack on a syscall entry from user mode.
type Thread struct {
	state atomic.Int32

	mu              ksync.Spinlock
	regs            RegisterSet
	kernelStackBase uintptr

	signal atomic.Int32
}

// NewThread creates a Thread in the Queued state with the given kernel
// stack base.
func NewThread(kernelStackBase uintptr) *Thread {
	t := &Thread{kernelStackBase: kernelStackBase}
	t.state.Store(int32(Queued))
	return t
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	return State(t.state.Load())
}

// CompareAndSwapState attempts to move the thread from *expected to
// desired. On success it returns true. On failure it writes the state
// actually observed into *expected and returns false, mirroring C++'s
// compare_exchange_strong contract — schedule.cpp's callers loop on this,
// switching on the redirected expected value to decide what to do about a
// thread that moved out from under them.
func (t *Thread) CompareAndSwapState(expected *State, desired State) bool {
	for {
		cur := State(t.state.Load())
		if cur != *expected {
			*expected = cur
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(desired)) {
			return true
		}
	}
}

// SaveContext records ctx as the thread's suspended register state.
func (t *Thread) SaveContext(ctx IsrContext) {
	t.mu.Acquire()
	t.regs = ctx.RegisterSet
	t.mu.Release()
}

// LoadContext returns the thread's saved register state as a fresh
// IsrContext ready to resume into (Vector/Error zeroed: resuming a thread
// is not itself a fault).
func (t *Thread) LoadContext() IsrContext {
	t.mu.Acquire()
	regs := t.regs
	t.mu.Release()
	return IsrContext{RegisterSet: regs}
}

// KernelStackBase returns the base address of this thread's kernel stack.
func (t *Thread) KernelStackBase() uintptr {
	return t.kernelStackBase
}

// SetSignalStatus records why a waiting thread was woken.
func (t *Thread) SetSignalStatus(status SignalStatus) {
	t.signal.Store(int32(status))
}

// SignalStatus returns the status last recorded by SetSignalStatus.
func (t *Thread) SignalStatus() SignalStatus {
	return SignalStatus(t.signal.Load())
}
