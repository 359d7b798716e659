package rcu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type disposable struct {
	closed *bool
}

func (d disposable) Dispose() { *d.closed = true }

func TestStickyCounterSticksAtZero(t *testing.T) {
	c := newStickyCounter(1)
	require.True(t, c.retain(1))
	require.Equal(t, uint32(2), c.load())

	require.True(t, c.release(2), "dropping the last two references must report reaching zero")
	require.False(t, c.retain(1), "retain must fail once the counter has stuck at zero")
}

func TestStickyCounterPanicsOnOverflow(t *testing.T) {
	c := newStickyCounter(stickyCounterMax)
	require.Panics(t, func() { c.retain(1) })
}

func TestSharedDisposesOnLastStrongRelease(t *testing.T) {
	closed := false
	domain := NewDomain()
	s := NewShared(domain, disposable{closed: &closed})

	require.Equal(t, EjectDestroy, s.obj.ReleaseStrong(1))
	require.True(t, closed)
}

func TestSharedCloneKeepsObjectAliveAcrossOneRelease(t *testing.T) {
	closed := false
	domain := NewDomain()
	s := NewShared(domain, disposable{closed: &closed})
	clone := s.Clone()

	require.Equal(t, EjectNone, s.obj.ReleaseStrong(1))
	require.False(t, closed)

	require.Equal(t, EjectDestroy, clone.obj.ReleaseStrong(1))
	require.True(t, closed)
}

func TestWeakLockFailsAfterStrongDies(t *testing.T) {
	closed := false
	domain := NewDomain()
	s := NewShared(domain, disposable{closed: &closed})
	w := s.Downgrade()

	require.Equal(t, EjectDelay, s.obj.ReleaseStrong(1))
	require.False(t, closed, "dispose must wait for the weak side too")

	_, ok := w.Lock()
	require.False(t, ok, "Lock must fail once the strong side has stuck at zero")

	require.True(t, w.obj.ReleaseWeak(1))
	require.True(t, closed, "dropping the last weak reference must finally dispose")
}

func TestDeferReleaseStrongRunsOnSynchronize(t *testing.T) {
	closed := false
	domain := NewDomain()
	s := NewShared(domain, disposable{closed: &closed})

	s.Reset()
	require.False(t, closed, "deferred release must not run inline")

	domain.Synchronize()
	require.True(t, closed)
}

func TestDeferReleaseBatchesMultiplePendingReleases(t *testing.T) {
	closed := false
	domain := NewDomain()
	s := NewShared(domain, disposable{closed: &closed})
	clone := s.Clone()
	obj := s.obj

	s.Reset()
	clone.Reset()

	domain.Synchronize()
	require.True(t, closed)
	require.Equal(t, uint32(0), obj.StrongCount())
}

func TestAtomicSharedLoadRetainsIndependentHandle(t *testing.T) {
	domain := NewDomain()
	a := NewAtomicShared(domain, NewShared(domain, 1))

	got := a.Load()
	require.Equal(t, 1, *got.Get())
	require.Equal(t, uint32(2), got.obj.StrongCount())
}

func TestAtomicSharedStoreDefersOldRelease(t *testing.T) {
	closedOld, closedNew := false, false
	domain := NewDomain()
	a := NewAtomicShared(domain, NewShared(domain, disposable{closed: &closedOld}))

	a.Store(NewShared(domain, disposable{closed: &closedNew}))
	require.False(t, closedOld, "replaced value must be released through rcu, not inline")

	domain.Synchronize()
	require.True(t, closedOld)
	require.False(t, closedNew)
}

func TestAtomicSharedCompareAndSwap(t *testing.T) {
	domain := NewDomain()
	first := NewShared(domain, 1)
	a := NewAtomicShared(domain, first)

	expected := a.Load()
	require.True(t, a.CompareAndSwap(&expected, NewShared(domain, 2)))

	got := a.Load()
	require.Equal(t, 2, *got.Get())
}

func TestAtomicSharedCompareAndSwapReloadsExpectedOnMismatch(t *testing.T) {
	domain := NewDomain()
	a := NewAtomicShared(domain, NewShared(domain, 1))
	a.Store(NewShared(domain, 2))

	stale := NewShared(domain, 1)
	ok := a.CompareAndSwap(&stale, NewShared(domain, 3))
	require.False(t, ok)
	require.Equal(t, 2, *stale.Get(), "expected must be reloaded to the current value on mismatch")
}

func TestAtomicWeakLockPromotesToStrong(t *testing.T) {
	domain := NewDomain()
	shared := NewShared(domain, 7)
	a := NewAtomicWeak(domain, shared.Downgrade())

	got, ok := a.Lock()
	require.True(t, ok)
	require.Equal(t, 7, *got.Get())
}

func TestAtomicWeakLockFailsAfterStrongDies(t *testing.T) {
	closed := false
	domain := NewDomain()
	shared := NewShared(domain, disposable{closed: &closed})
	a := NewAtomicWeak(domain, shared.Downgrade())

	require.Equal(t, EjectDelay, shared.obj.ReleaseStrong(1))

	_, ok := a.Lock()
	require.False(t, ok)
}

func TestIntrusiveLoanSharedAndWeak(t *testing.T) {
	domain := NewDomain()
	obj := NewIntrusive(domain, 42)

	s := obj.LoanShared()
	require.Equal(t, 42, *s.Get())

	w := obj.LoanWeak()
	locked, ok := w.Lock()
	require.True(t, ok)
	require.Equal(t, 42, *locked.Get())
}
