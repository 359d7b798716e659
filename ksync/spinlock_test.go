package ksync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpinlock(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()
	require.False(t, sl.TryToAcquire(), "expected TryToAcquire to return false while lock is held")

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}()
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestRWSpinlock(t *testing.T) {
	var l RWSpinlock

	l.RLock()
	l.RLock()
	l.RUnlock()
	l.RUnlock()

	l.Lock()
	done := make(chan struct{})
	go func() {
		l.RLock()
		close(done)
		l.RUnlock()
	}()

	select {
	case <-done:
		t.Fatal("reader acquired RWSpinlock while a writer held it")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock()
	<-done
}
