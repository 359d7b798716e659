package sched

import (
	"container/heap"

	"github.com/kestrel-os/kestrel/kernerr"
	"github.com/kestrel-os/kestrel/ksync"
)

// CPUID identifies one of the CPUs GlobalSchedule hands threads out to,
// matching km::CpuCoreId.
type CPUID uint32

// timeoutEntry is one pending wait in the cross-object timeout queue,
// matching schedule.cpp's WaitEntry as stored in mTimeoutQueue (the
// retrieval pack's schedule.hpp is not present, so the field that lets
// resumeWaitQueue recover which per-object queue to also drain -- here
// named object -- is reconstructed from wakeQueue's call site, the only
// place that shows what a timeout-queue entry must carry).
type timeoutEntry[Object comparable] struct {
	timeout Instant
	object  Object
	thread  Weak
}

type timeoutHeap[Object comparable] []timeoutEntry[Object]

func (h timeoutHeap[Object]) Len() int           { return len(h) }
func (h timeoutHeap[Object]) Less(i, j int) bool { return h[i].timeout < h[j].timeout }
func (h timeoutHeap[Object]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap[Object]) Push(x interface{}) {
	*h = append(*h, x.(timeoutEntry[Object]))
}
func (h *timeoutHeap[Object]) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

var _ heap.Interface = (*timeoutHeap[int])(nil)

// GlobalSchedule owns the set of per-CPU schedules, the sleep and wait
// queues, and the suspended-thread set, matching sys2::GlobalSchedule.
// Object is the type waited-on objects are keyed by (the original's
// sm::RcuSharedPtr<IObject>); it is left to the caller rather than fixed
// to an rcu handle, since the objects this core's callers wait on are not
// otherwise defined by this spec.
type GlobalSchedule[Object comparable] struct {
	lock ksync.RWSpinlock

	cpus map[CPUID]*CpuLocalSchedule

	sleepQueue   sleepHeap
	waitQueue    map[Object]*waitHeap
	timeoutQueue timeoutHeap[Object]
	suspendSet   map[Weak]struct{}
}

// NewGlobalSchedule creates an empty GlobalSchedule with no CPUs attached
// yet; call InitCPU for each CPU before scheduling threads onto it.
func NewGlobalSchedule[Object comparable]() *GlobalSchedule[Object] {
	return &GlobalSchedule[Object]{
		cpus:       make(map[CPUID]*CpuLocalSchedule),
		waitQueue:  make(map[Object]*waitHeap),
		suspendSet: make(map[Weak]struct{}),
	}
}

// InitCPU attaches a new per-CPU schedule of the given run-queue capacity
// for cpu, matching GlobalSchedule::initCpuSchedule.
func (g *GlobalSchedule[Object]) InitCPU(cpu CPUID, capacity int) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.cpus[cpu] = NewCpuLocalSchedule(capacity, g)
}

// scheduleThreadLocked assigns thread to the least-loaded CPU, falling
// back to a linear scan of every CPU if that one's queue is full, matching
// GlobalSchedule::scheduleThread. Callers must hold g.lock (for read or
// write; no GlobalSchedule state other than the CpuLocalSchedules
// themselves, which have their own locking, is touched).
func (g *GlobalSchedule[Object]) scheduleThreadLocked(thread Shared) *kernerr.Error {
	var best *CpuLocalSchedule
	bestTasks := -1
	for _, cpu := range g.cpus {
		if bestTasks == -1 || cpu.tasks() < bestTasks {
			best, bestTasks = cpu, cpu.tasks()
		}
	}
	if best == nil {
		return kernerr.New("sched", kernerr.OutOfMemory)
	}
	if err := best.AddThread(thread); err == nil {
		return nil
	}

	for _, cpu := range g.cpus {
		if err := cpu.AddThread(thread); err == nil {
			return nil
		}
	}

	return kernerr.New("sched", kernerr.OutOfMemory)
}

// AddThread schedules thread onto whichever CPU has the shortest queue,
// matching GlobalSchedule::addThread.
func (g *GlobalSchedule[Object]) AddThread(thread Shared) *kernerr.Error {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.scheduleThreadLocked(thread)
}

// RemoveThread is not yet implemented, matching GlobalSchedule::
// removeThread's current stub.
func (g *GlobalSchedule[Object]) RemoveThread(ref Weak) *kernerr.Error {
	return kernerr.New("sched", kernerr.NotFound)
}

// doSuspendLocked records thread's weak reference in the suspend set.
// Callers must hold g.lock for write.
func (g *GlobalSchedule[Object]) doSuspendLocked(thread Shared) {
	g.suspendSet[thread.Downgrade()] = struct{}{}
}

// doSuspend implements the suspender interface CpuLocalSchedule.
// startThread calls when it observes a thread it dequeued has already
// moved to Suspended.
func (g *GlobalSchedule[Object]) doSuspend(thread Shared) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.doSuspendLocked(thread)
}

// doResumeLocked removes thread from the suspend set, if present, and
// reschedules it. Callers must hold g.lock for write.
//
// Removing a Weak from suspendSet requires retaining a throwaway lookup
// handle to compare against (Go map equality on rcu.Weak compares the
// underlying control-block pointer, but building that comparison key
// still costs a weak retain); both the lookup handle and the one stored
// at doSuspendLocked time must be released exactly once each, which is
// why this releases two separate Weak values rather than one.
func (g *GlobalSchedule[Object]) doResumeLocked(thread Shared) *kernerr.Error {
	key := thread.Downgrade()
	_, found := g.suspendSet[key]
	if found {
		delete(g.suspendSet, key)
		stored := key
		stored.Reset()
	}
	key.Reset()

	if !found {
		return nil
	}
	return g.scheduleThreadLocked(thread)
}

// suspendLocked is Suspend's core CAS loop, assuming g.lock is already
// held for write.
func (g *GlobalSchedule[Object]) suspendLocked(thread Shared) *kernerr.Error {
	expected := Queued
	for !thread.Get().CompareAndSwapState(&expected, Suspended) {
		switch expected {
		case Suspended:
			g.doSuspendLocked(thread)
			return nil
		case Finished, Orphaned:
			return kernerr.New("sched", kernerr.Completed)
		default:
			continue
		}
	}
	g.doSuspendLocked(thread)
	return nil
}

// Suspend moves thread to the Suspended state and records it in the
// suspend set, matching GlobalSchedule::suspend.
func (g *GlobalSchedule[Object]) Suspend(thread Shared) *kernerr.Error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.suspendLocked(thread)
}

// resumeLocked is Resume's core CAS loop, assuming g.lock is already held
// for write.
func (g *GlobalSchedule[Object]) resumeLocked(thread Shared) *kernerr.Error {
	expected := Suspended
	for !thread.Get().CompareAndSwapState(&expected, Running) {
		switch expected {
		case Suspended:
			return g.doResumeLocked(thread)
		case Queued, Running, Waiting:
			return nil
		case Finished, Orphaned:
			return kernerr.New("sched", kernerr.Completed)
		default:
			continue
		}
	}
	return g.doResumeLocked(thread)
}

// Resume moves thread out of Suspended and back onto a run queue,
// matching GlobalSchedule::resume.
func (g *GlobalSchedule[Object]) Resume(thread Shared) *kernerr.Error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.resumeLocked(thread)
}

// Sleep suspends thread and schedules it to resume at or after wake,
// matching GlobalSchedule::sleep.
func (g *GlobalSchedule[Object]) Sleep(thread Shared, wake Instant) *kernerr.Error {
	if err := g.Suspend(thread); err != nil {
		return err
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	heap.Push(&g.sleepQueue, sleepEntry{wake: wake, thread: thread.Downgrade()})
	return nil
}

// Wait suspends thread until either object is signaled or timeout
// elapses, matching GlobalSchedule::wait. Every wait is recorded twice:
// once in the per-object queue Signal drains, and once in the
// cross-object timeout queue Tick drains to enforce the deadline.
func (g *GlobalSchedule[Object]) Wait(thread Shared, object Object, timeout Instant) *kernerr.Error {
	if err := g.Suspend(thread); err != nil {
		return err
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	q, ok := g.waitQueue[object]
	if !ok {
		q = &waitHeap{}
		g.waitQueue[object] = q
	}
	heap.Push(q, waitEntry{timeout: timeout, thread: thread.Downgrade()})
	heap.Push(&g.timeoutQueue, timeoutEntry[Object]{timeout: timeout, object: object, thread: thread.Downgrade()})
	return nil
}

// Signal wakes every thread waiting on object, whether or not its
// timeout has elapsed, matching GlobalSchedule::signal.
func (g *GlobalSchedule[Object]) Signal(object Object, now Instant) *kernerr.Error {
	g.lock.Lock()
	defer g.lock.Unlock()

	q, ok := g.waitQueue[object]
	if !ok {
		return kernerr.New("sched", kernerr.NotFound)
	}

	var result *kernerr.Error
	for q.Len() > 0 {
		entry := heap.Pop(q).(waitEntry)

		thread, ok := entry.thread.Lock()
		entry.thread.Reset()
		if !ok {
			continue
		}

		status := SignalCompleted
		if entry.timeout < now {
			status = SignalTimeout
		}
		thread.Get().SetSignalStatus(status)

		if err := g.resumeLocked(thread); err != nil {
			result = err
		}
		thread.Reset()
	}

	delete(g.waitQueue, object)
	return result
}

// resumeSleepQueueLocked wakes every sleeper whose wake time has arrived,
// matching GlobalSchedule::resumeSleepQueue. Callers must hold g.lock.
func (g *GlobalSchedule[Object]) resumeSleepQueueLocked(now Instant) *kernerr.Error {
	var result *kernerr.Error
	for g.sleepQueue.Len() > 0 && g.sleepQueue[0].wake <= now {
		entry := heap.Pop(&g.sleepQueue).(sleepEntry)

		thread, ok := entry.thread.Lock()
		entry.thread.Reset()
		if !ok {
			continue
		}
		if err := g.resumeLocked(thread); err != nil {
			result = err
		}
		thread.Reset()
	}
	return result
}

// wakeQueueLocked drops every entry in object's wait queue whose timeout
// has elapsed, matching GlobalSchedule::wakeQueue. It does not resume the
// corresponding threads itself -- resumeWaitQueueLocked's own timeout-
// queue entries do that -- it exists only to keep the per-object queue
// from accumulating entries resumeWaitQueueLocked has already handled.
func (g *GlobalSchedule[Object]) wakeQueueLocked(now Instant, object Object) {
	q, ok := g.waitQueue[object]
	if !ok {
		return
	}
	for q.Len() > 0 && (*q)[0].timeout <= now {
		heap.Pop(q)
	}
	if q.Len() == 0 {
		delete(g.waitQueue, object)
	}
}

// resumeWaitQueueLocked wakes every waiter whose timeout has elapsed,
// matching GlobalSchedule::resumeWaitQueue. Callers must hold g.lock.
func (g *GlobalSchedule[Object]) resumeWaitQueueLocked(now Instant) *kernerr.Error {
	var result *kernerr.Error
	for g.timeoutQueue.Len() > 0 && g.timeoutQueue[0].timeout <= now {
		entry := heap.Pop(&g.timeoutQueue).(timeoutEntry[Object])

		g.wakeQueueLocked(now, entry.object)

		thread, ok := entry.thread.Lock()
		entry.thread.Reset()
		if !ok {
			continue
		}
		thread.Get().SetSignalStatus(SignalTimeout)
		if err := g.resumeLocked(thread); err != nil {
			result = err
		}
		thread.Reset()
	}
	return result
}

// Tick drains the sleep and wait queues, then gives every suspended
// thread that has returned to Queued a chance to be rescheduled, matching
// GlobalSchedule::tick.
func (g *GlobalSchedule[Object]) Tick(now Instant) *kernerr.Error {
	g.lock.Lock()
	defer g.lock.Unlock()

	var result *kernerr.Error
	if err := g.resumeSleepQueueLocked(now); err != nil {
		result = err
	}
	if err := g.resumeWaitQueueLocked(now); err != nil {
		result = err
	}

	for w := range g.suspendSet {
		thread, ok := w.Lock()
		if !ok {
			continue
		}
		if thread.Get().State() == Queued {
			if err := g.scheduleThreadLocked(thread); err != nil {
				result = err
			}
		}
		thread.Reset()
	}

	for w := range g.suspendSet {
		thread, ok := w.Lock()
		remove := !ok
		if ok {
			state := thread.Get().State()
			remove = state == Queued || state == Orphaned || state == Finished
			thread.Reset()
		}
		if remove {
			delete(g.suspendSet, w)
			stale := w
			stale.Reset()
		}
	}

	return result
}

var _ suspender = (*GlobalSchedule[int])(nil)
