// Package ksync provides synchronization primitive implementations for
// spinlocks and the shared/exclusive lock used by the page-table walker and
// the global scheduler.
package ksync

import "sync/atomic"

var (
	// yieldFn is invoked by a spinning CPU between CAS attempts once it has
	// looped attemptsBeforeYielding times. Boot code may install one through
	// SetYieldFn so a long spin does not starve other runnable threads on
	// the same CPU; left nil it simply busy-waits.
	yieldFn func()
)

// SetYieldFn registers the function invoked when a spin has gone on long
// enough to consider giving up the CPU to another thread.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will
// cause a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the
// lock. It busy-waits using a CAS loop, issuing a PAUSE instruction between
// attempts and calling maybeYield every attemptsBeforeYielding spins.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)

// maybeYield is invoked from archAcquireSpinlock's asm loop once a spin has
// gone on for a while. It is a thin trampoline so the asm doesn't need to
// juggle a Go func value directly.
func maybeYield() {
	Yield()
}

// Yield gives up the CPU to another runnable thread if a yield function has
// been registered, and is a no-op otherwise. Exposed for callers outside
// this package that spin on something other than Spinlock/RWSpinlock's own
// state — e.g. rcu's generation drain, which busy-waits on a reader count.
func Yield() {
	if yieldFn != nil {
		yieldFn()
	}
}

// RWSpinlock is a reader/writer spinlock: any number of readers may hold it
// concurrently, but a writer requires exclusive access. Used by the
// page-table walker (walks take RLock, map/unmap take Lock) and by the
// global scheduler.
type RWSpinlock struct {
	// state encodes: 0 == free, -1 == held for write, >0 == N readers.
	state int32
}

// RLock acquires the lock for read (shared) access.
func (l *RWSpinlock) RLock() {
	for {
		s := atomic.LoadInt32(&l.state)
		if s < 0 {
			continue
		}
		if atomic.CompareAndSwapInt32(&l.state, s, s+1) {
			return
		}
	}
}

// RUnlock releases a previously acquired read lock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddInt32(&l.state, -1)
}

// Lock acquires the lock for write (exclusive) access.
func (l *RWSpinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, -1) {
	}
}

// Unlock releases a previously acquired write lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}
