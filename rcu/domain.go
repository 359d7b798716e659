// Package rcu implements the generational reclamation domain used to give
// out Shared/Weak handles onto kernel objects without a destructor-driven
// free the way a garbage-collected host runtime would: a reader enters a
// generation, the domain never recycles a control block while any reader is
// still inside the generation it was retired from, and a writer's release
// only actually runs once every reader that could have observed the old
// generation has left it.
//
// Grounded on original_source/sources/kernel/include/std/rcu.hpp's
// RcuDomain/RcuGeneration/RcuGuard sketch (swap the current generation,
// spin until its reader count drops to zero, then eject what was retired
// against it) combined with the more detailed slot-batching contract in
// std/detail/retire_slots.hpp, which enqueues a (handle, eject-callback)
// pair against a generation rather than a raw object pointer. This package
// follows the latter shape throughout — a generation's retired list holds
// ejector values, not bare object pointers — since that is what
// std/detail/counted.hpp's CountedObject actually calls
// (guard.enqueue(&mStrong, Slot::ejectStrong)); the older rcu.hpp is kept
// only as the source for the generation-swap-and-spin skeleton.
package rcu

import (
	"sync/atomic"

	"github.com/kestrel-os/kestrel/ksync"
)

// ejector is retired against a generation and invoked once that generation
// has become quiescent (no reader remains inside it). It is the Go
// equivalent of retire_slots.hpp's Slot::ejectStrong/ejectWeak static
// function-pointer pair: rather than a (handle, fn) tuple, the handle
// itself (a *strongSlot[T] or *weakSlot[T]) carries its own eject method.
type ejector interface {
	eject(d *Domain)
}

// generation is one epoch of the domain: a live reader count and the list
// of ejectors retired while this generation was current.
type generation struct {
	readers atomic.Int32

	mu      ksync.Spinlock
	retired []ejector
}

// Domain is a single reclamation domain. Every Shared/Weak/AtomicShared/
// AtomicWeak handle sourced from the same CountedObject must share one
// Domain, since synchronize() only waits out readers of that domain's own
// generations.
type Domain struct {
	lock    ksync.Spinlock
	current atomic.Pointer[generation]
}

// NewDomain creates a Domain with an empty, currently-live generation.
func NewDomain() *Domain {
	d := &Domain{}
	d.current.Store(&generation{})
	return d
}

// Guard marks a read-side critical section: while held, the domain will not
// reclaim anything retired against the generation the guard entered.
// Go has no destructors, so callers must call Exit exactly once, typically
// via defer immediately after Enter.
type Guard struct {
	domain *Domain
	gen    *generation
}

// Enter begins a read-side critical section, pinning the domain's current
// generation so it cannot be reclaimed until Exit is called.
func (d *Domain) Enter() *Guard {
	gen := d.current.Load()
	gen.readers.Add(1)
	return &Guard{domain: d, gen: gen}
}

// Exit ends the read-side critical section started by Enter.
func (g *Guard) Exit() {
	g.gen.readers.Add(-1)
}

// Enqueue retires e against the generation this guard entered: e's eject
// method runs the next time that generation becomes quiescent and a
// synchronize pass reaps it.
func (g *Guard) Enqueue(e ejector) {
	g.gen.mu.Acquire()
	g.gen.retired = append(g.gen.retired, e)
	g.gen.mu.Release()
}

// synchronize swaps in a fresh generation, spins until every reader that
// entered the old one has left, then ejects everything retired against it.
// Grounded on rcu.hpp's synchronize(): swap, spin on the guard count,
// destroy.
func (d *Domain) synchronize() {
	d.lock.Acquire()
	old := d.current.Load()
	d.current.Store(&generation{})
	d.lock.Release()

	for old.readers.Load() != 0 {
		ksync.Yield()
	}

	old.mu.Acquire()
	retired := old.retired
	old.retired = nil
	old.mu.Release()

	for _, e := range retired {
		e.eject(d)
	}
}

// Retire schedules e to be ejected once the current generation drains,
// without waiting for it. Used by retire slots to defer a release past the
// read-side critical sections that may be in flight right now, and by the
// Delay eject outcome to push a control block one generation further out
// instead of reaping it immediately.
func (d *Domain) Retire(e ejector) {
	guard := d.Enter()
	guard.Enqueue(e)
	guard.Exit()
}

// Synchronize blocks until every read-side critical section active when it
// was called has exited, ejecting everything retired up to that point.
// Exposed for callers (e.g. a shutdown path) that need a synchronous
// barrier rather than the lazy reclamation Retire provides.
func (d *Domain) Synchronize() {
	d.synchronize()
}
