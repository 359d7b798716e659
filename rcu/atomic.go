package rcu

import "sync/atomic"

// AtomicShared is a Shared handle that can be read and replaced from
// multiple goroutines concurrently: Load enters a read-side critical
// section just long enough to retain a strong reference to whatever is
// currently stored, and Store/CompareAndSwap defer the release of whatever
// they replace through the same domain. Grounded on std/rcu/atomic.hpp's
// RcuAtomic<T>.
type AtomicShared[T any] struct {
	domain *Domain
	ptr    atomic.Pointer[CountedObject[T]]
}

// NewAtomicShared creates an AtomicShared holding initial. initial's
// strong reference is transferred in, not duplicated.
func NewAtomicShared[T any](domain *Domain, initial Shared[T]) *AtomicShared[T] {
	a := &AtomicShared[T]{domain: domain}
	a.ptr.Store(initial.obj)
	return a
}

// Load retains a new strong reference to whatever this AtomicShared
// currently holds and returns it as a Shared. Returns an empty Shared if
// the slot is empty or the referent died between the load and the retain
// (the domain guard only prevents reclamation of the control block itself,
// not a concurrent strong count reaching zero).
func (a *AtomicShared[T]) Load() Shared[T] {
	guard := a.domain.Enter()
	defer guard.Exit()

	obj := a.ptr.Load()
	if obj == nil || !obj.RetainStrong(1) {
		return Shared[T]{}
	}
	return Shared[T]{obj: obj}
}

// Store replaces the held reference with next, deferring release of
// whatever was previously stored.
func (a *AtomicShared[T]) Store(next Shared[T]) {
	old := a.ptr.Swap(next.obj)
	if old != nil {
		old.DeferReleaseStrong(1)
	}
}

// CompareAndSwap atomically replaces the held reference with desired if it
// currently equals expected's referent, deferring release of the replaced
// reference on success. On failure it reloads expected to the current
// value (retaining a fresh strong reference to it) so a caller looping on
// CompareAndSwap observes the up-to-date value without a second Load call,
// matching RcuAtomic<T>::compare_exchange_weak reloading expected from
// load() on mismatch.
func (a *AtomicShared[T]) CompareAndSwap(expected *Shared[T], desired Shared[T]) bool {
	for {
		guard := a.domain.Enter()
		cur := a.ptr.Load()
		if cur != expected.obj {
			guard.Exit()
			*expected = a.Load()
			return false
		}
		ok := a.ptr.CompareAndSwap(cur, desired.obj)
		guard.Exit()
		if ok {
			if cur != nil {
				cur.DeferReleaseStrong(1)
			}
			return true
		}
	}
}

// AtomicWeak is AtomicShared's weak-reference counterpart, grounded on
// std/rcu/weak_atomic.hpp's RcuWeakAtomic<T>.
type AtomicWeak[T any] struct {
	domain *Domain
	ptr    atomic.Pointer[CountedObject[T]]
}

// NewAtomicWeak creates an AtomicWeak holding initial.
func NewAtomicWeak[T any](domain *Domain, initial Weak[T]) *AtomicWeak[T] {
	a := &AtomicWeak[T]{domain: domain}
	a.ptr.Store(initial.obj)
	return a
}

// Load retains a new weak reference to whatever this AtomicWeak currently
// holds and returns it as a Weak.
func (a *AtomicWeak[T]) Load() Weak[T] {
	guard := a.domain.Enter()
	defer guard.Exit()

	obj := a.ptr.Load()
	if obj == nil || !obj.RetainWeak(1) {
		return Weak[T]{}
	}
	return Weak[T]{obj: obj}
}

// Store replaces the held weak reference with next, deferring release of
// whatever was previously stored.
func (a *AtomicWeak[T]) Store(next Weak[T]) {
	old := a.ptr.Swap(next.obj)
	if old != nil {
		old.DeferReleaseWeak(1)
	}
}

// Lock attempts to atomically promote whatever this AtomicWeak currently
// holds to a strong reference, retrying if the slot is concurrently
// replaced out from under it. Fails only once the slot is genuinely empty
// or its referent has stuck at zero strong references. Grounded on
// std/rcu/weak_atomic.hpp's RcuWeakAtomic<T>::lock(), a retry-loop load +
// retainStrong convenience wrapper (SPEC_FULL.md supplemented feature 5).
func (a *AtomicWeak[T]) Lock() (Shared[T], bool) {
	for {
		guard := a.domain.Enter()
		obj := a.ptr.Load()
		if obj == nil {
			guard.Exit()
			return Shared[T]{}, false
		}
		ok := obj.RetainStrong(1)
		guard.Exit()
		if ok {
			return Shared[T]{obj: obj}, true
		}
		if a.ptr.Load() == obj {
			return Shared[T]{}, false
		}
	}
}
