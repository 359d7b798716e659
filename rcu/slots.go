package rcu

import "sync/atomic"

// slot batches every deferred release of one kind (strong or weak) against
// one CountedObject: the first DeferRelease call after the slot is empty
// enqueues it against the current generation; every DeferRelease call
// before that generation drains just adds to the pending count instead of
// enqueuing again. Grounded on std/detail/retire_slots.hpp's
// RetireSlots<T>::Slot, which the same prepare()/eject() split comes from.
type slot[T any] struct {
	pending atomic.Uint32
	object  atomic.Pointer[CountedObject[T]]
}

// prepare records n more pending releases against object. It returns true
// exactly when this call transitioned the slot from empty to non-empty —
// the caller must enqueue the slot against the current generation only
// then, since a later call piggybacks on the enqueue already in flight.
func (s *slot[T]) prepare(object *CountedObject[T], n uint32) bool {
	old := s.pending.Add(n) - n
	if old == 0 {
		s.object.Store(object)
	}
	return old == 0
}

// take atomically reads and clears the accumulated pending count and
// object, so a concurrent prepare racing the eject either lands entirely
// before or entirely after this call.
func (s *slot[T]) take() (*CountedObject[T], uint32) {
	object := s.object.Swap(nil)
	n := s.pending.Swap(0)
	return object, n
}

// strongSlot retired against a generation ejects by running the object's
// ReleaseStrong and acting on the resulting EjectAction.
type strongSlot[T any] struct {
	slot[T]
}

func (s *strongSlot[T]) eject(d *Domain) {
	object, n := s.take()
	if object == nil || n == 0 {
		return
	}
	switch object.ReleaseStrong(n) {
	case EjectDestroy, EjectNone:
		// Destroy already ran dispose(); the control block itself is
		// reclaimed by the garbage collector once nothing references it.
	case EjectDelay:
		// Outstanding Weak handles keep the control block observable;
		// re-retire so the next synchronize pass checks again instead of
		// spinning on it now.
		d.Retire(s)
	}
}

// weakSlot is strongSlot's counterpart for weak references; ReleaseWeak has
// no EjectAction of its own (there is nothing left to delay against — once
// the last weak reference is gone nothing can observe the control block
// again) so it has nothing further to re-retire.
type weakSlot[T any] struct {
	slot[T]
}

func (s *weakSlot[T]) eject(d *Domain) {
	object, n := s.take()
	if object == nil || n == 0 {
		return
	}
	object.ReleaseWeak(n)
}

// retireSlots is the pair of slots owned by one CountedObject.
type retireSlots[T any] struct {
	strong strongSlot[T]
	weak   weakSlot[T]
}

// retireStrong records n deferred strong releases against object and, the
// first time the strong slot transitions from empty, enqueues it against
// guard's generation.
func (r *retireSlots[T]) retireStrong(guard *Guard, object *CountedObject[T], n uint32) {
	if r.strong.prepare(object, n) {
		guard.Enqueue(&r.strong)
	}
}

// retireWeak is retireStrong's counterpart for weak references.
func (r *retireSlots[T]) retireWeak(guard *Guard, object *CountedObject[T], n uint32) {
	if r.weak.prepare(object, n) {
		guard.Enqueue(&r.weak)
	}
}
