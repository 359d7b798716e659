package rcu

// Weak is a non-owning handle onto a CountedObject: it keeps the control
// block itself (the weak side) alive, but never prevents the payload's
// strong side from reaching zero and being disposed. Grounded on
// std/rcu/weak.hpp's RcuWeak<T>; Lock is the Go spelling of its lock()
// method.
type Weak[T any] struct {
	obj *CountedObject[T]
}

// Valid reports whether this handle refers to a control block at all (not
// whether the payload is still alive — use Lock for that).
func (w Weak[T]) Valid() bool { return w.obj != nil }

// Clone returns a new Weak handle onto the same control block, retaining
// an additional weak reference.
func (w Weak[T]) Clone() Weak[T] {
	if w.obj == nil {
		return Weak[T]{}
	}
	w.obj.RetainWeak(1)
	return Weak[T]{obj: w.obj}
}

// Lock attempts to promote this Weak handle to a Shared one, retaining a
// strong reference. It fails (returning an empty Shared and false) once
// the strong side has already stuck at zero.
func (w Weak[T]) Lock() (Shared[T], bool) {
	if w.obj == nil {
		return Shared[T]{}, false
	}
	if !w.obj.RetainStrong(1) {
		return Shared[T]{}, false
	}
	return Shared[T]{obj: w.obj}, true
}

// Reset releases this handle's weak reference (deferred through rcu) and
// clears it.
func (w *Weak[T]) Reset() {
	if w.obj == nil {
		return
	}
	w.obj.DeferReleaseWeak(1)
	w.obj = nil
}
