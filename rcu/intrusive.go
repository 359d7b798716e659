package rcu

// Intrusive wraps a value that wants to hand out RCU-safe Shared/Weak
// loans of itself without every caller going through NewCountedObject
// directly — typically a long-lived kernel object (a device, a mount) that
// is already owned elsewhere and just needs observers to see a consistent
// snapshot. Grounded on std/rcu/base.hpp's RcuIntrusive<T>/
// RcuIntrusiveBase, whose loanWeak()/loanShared() this mirrors; the
// embedded-control-block trick the C++ base class plays (storing an
// RcuWeak<T> inside the object itself, constructed in place) has no clean
// Go equivalent without unsafe pointer games that buy nothing here, since
// Go's allocator and GC already make the control block's own allocation
// free to reason about — so this keeps a single owned *CountedObject[T]
// instead, which is the same trade internal/tlsf's doc comment makes for
// pooled blocks.
type Intrusive[T any] struct {
	obj *CountedObject[T]
}

// NewIntrusive wraps self in a control block from which LoanShared/LoanWeak
// can mint handles.
func NewIntrusive[T any](domain *Domain, self T) *Intrusive[T] {
	return &Intrusive[T]{obj: NewCountedObject(domain, self)}
}

// LoanShared retains and returns a new Shared handle onto the wrapped
// value.
func (i *Intrusive[T]) LoanShared() Shared[T] {
	if !i.obj.RetainStrong(1) {
		return Shared[T]{}
	}
	return Shared[T]{obj: i.obj}
}

// LoanWeak retains and returns a new Weak handle onto the wrapped value.
func (i *Intrusive[T]) LoanWeak() Weak[T] {
	i.obj.RetainWeak(1)
	return Weak[T]{obj: i.obj}
}
