package sched

import (
	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/kfmt"
)

// suspender is the subset of GlobalSchedule's API a CpuLocalSchedule needs
// to hand a thread off to the global suspend set. Declared on the consumer
// side (the same "accept interfaces" boundary vmm.PhysicalAllocator uses
// for pmm) so CpuLocalSchedule does not need to share GlobalSchedule's
// Object type parameter.
type suspender interface {
	doSuspend(thread Shared)
}

// CpuLocalSchedule is one CPU's run queue plus its currently running
// thread. Grounded on sys2::CpuLocalSchedule.
type CpuLocalSchedule struct {
	queue   *runQueue
	current Shared
	global  suspender
}

// NewCpuLocalSchedule creates a per-CPU schedule with room for capacity
// queued threads, reporting back to global for suspend bookkeeping.
func NewCpuLocalSchedule(capacity int, global suspender) *CpuLocalSchedule {
	return &CpuLocalSchedule{queue: newRunQueue(capacity), global: global}
}

// tasks reports how many threads are currently queued on this CPU, used by
// GlobalSchedule.scheduleThread to find the least-loaded CPU.
func (s *CpuLocalSchedule) tasks() int {
	return s.queue.len()
}

// startThread attempts to move thread from Queued to Running. A transient
// state observed along the way is handled the same way schedule.cpp's
// startThread does: Suspended hands the thread to the global suspend set,
// Waiting/Finished/Orphaned simply drop it from this CPU's consideration.
func (s *CpuLocalSchedule) startThread(thread Shared) bool {
	expected := Queued
	for !thread.Get().CompareAndSwapState(&expected, Running) {
		switch expected {
		case Suspended:
			s.global.doSuspend(thread)
			return false
		case Waiting:
			return false
		case Orphaned, Finished:
			return false
		case Queued:
			kfmt.Printf("\nsched: CompareAndSwapState(Queued, Running) failed under contention\n")
			panic(&kernerr.Fatal{Module: "sched", Message: "cmpxchg was not strong"})
		case Running:
			return true
		default:
			continue
		}
	}
	return true
}

// stopThread attempts to move thread from Running back to Queued so it can
// be requeued. Returns false if the thread has already moved to a state
// that means it should not be requeued.
func (s *CpuLocalSchedule) stopThread(thread Shared) bool {
	if !thread.Valid() {
		return false
	}

	expected := Running
	for !thread.Get().CompareAndSwapState(&expected, Queued) {
		switch expected {
		case Running, Queued:
			return true
		case Suspended, Waiting:
			return false
		case Orphaned, Finished:
			return false
		default:
			continue
		}
	}
	return true
}

// reschedule picks the next thread to run, matching sys2::
// CpuLocalSchedule::reschedule: drain the run queue until a dequeued weak
// reference both upgrades and wins its Queued -> Running CAS, requeuing
// the previously running thread if it is still runnable; if the queue is
// empty, fall back to re-checking the currently running thread.
func (s *CpuLocalSchedule) reschedule() bool {
	for {
		ref, ok := s.queue.tryDequeue()
		if !ok {
			break
		}
		thread, ok := ref.Lock()
		if !ok {
			continue
		}

		if !s.startThread(thread) {
			continue
		}

		if s.stopThread(s.current) {
			s.queue.tryEnqueue(s.current.Downgrade())
		}

		s.current = thread
		return true
	}

	if !s.current.Valid() {
		return false
	}

	if s.startThread(s.current) {
		return true
	}

	if s.stopThread(s.current) {
		s.queue.tryEnqueue(s.current.Downgrade())
	}

	return false
}

// ScheduleNextContext saves ctx as the current thread's state (if any),
// picks the next thread via reschedule, and returns the context to resume
// into along with its kernel stack base. ok is false when reschedule finds
// no work, in which case the interrupted context should be resumed
// unchanged.
func (s *CpuLocalSchedule) ScheduleNextContext(ctx IsrContext) (next IsrContext, kernelStack uintptr, ok bool) {
	old := s.current

	if !s.reschedule() {
		return IsrContext{}, 0, false
	}

	if old.Valid() {
		old.Get().SaveContext(ctx)
	}

	newThread := s.current.Get()
	return newThread.LoadContext(), newThread.KernelStackBase(), true
}

// CurrentThread returns the thread currently running on this CPU, or an
// invalid Shared if none is.
func (s *CpuLocalSchedule) CurrentThread() Shared {
	return s.current
}

// AddThread enqueues thread onto this CPU's run queue.
func (s *CpuLocalSchedule) AddThread(thread Shared) *kernerr.Error {
	if !s.queue.tryEnqueue(thread.Downgrade()) {
		return kernerr.New("sched", kernerr.OutOfMemory)
	}
	return nil
}
