package rcu

// Shared is a strong handle onto a CountedObject: as long as one is held,
// the strong count cannot stick at zero and Get returns a valid pointer.
// Grounded on std/rcu/shared.hpp's RcuShared<T>; its copy/move constructor
// and assignment-operator quartet is collapsed into explicit Clone/Reset
// methods since Go has neither destructors nor operator overloading — the
// caller must call Reset (or simply stop holding the value and let a later
// Clone/Reset pair run) wherever the C++ relied on scope exit.
type Shared[T any] struct {
	obj *CountedObject[T]
}

// NewShared allocates a fresh control block around value and returns the
// first Shared handle onto it.
func NewShared[T any](domain *Domain, value T) Shared[T] {
	return Shared[T]{obj: NewCountedObject(domain, value)}
}

// Valid reports whether this handle refers to a live control block.
func (s Shared[T]) Valid() bool { return s.obj != nil }

// Get returns a pointer to the underlying value, or nil if this handle is
// empty.
func (s Shared[T]) Get() *T {
	if s.obj == nil {
		return nil
	}
	return s.obj.Get()
}

// Clone returns a new Shared handle onto the same control block, retaining
// an additional strong reference. Returns an empty Shared if the object has
// already died (should not happen for a Shared, which by construction
// always holds a live reference, but mirrors RetainStrong's contract rather
// than panicking).
func (s Shared[T]) Clone() Shared[T] {
	if s.obj == nil {
		return Shared[T]{}
	}
	if !s.obj.RetainStrong(1) {
		return Shared[T]{}
	}
	return Shared[T]{obj: s.obj}
}

// Downgrade returns a Weak handle onto the same control block.
func (s Shared[T]) Downgrade() Weak[T] {
	if s.obj == nil {
		return Weak[T]{}
	}
	s.obj.RetainWeak(1)
	return Weak[T]{obj: s.obj}
}

// Reset releases this handle's strong reference (deferred through rcu) and
// clears it. Calling Reset on an already-empty Shared is a no-op.
func (s *Shared[T]) Reset() {
	if s.obj == nil {
		return
	}
	s.obj.DeferReleaseStrong(1)
	s.obj = nil
}
