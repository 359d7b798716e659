// Package clocksim provides a host-side clock.TickSource reference
// implementation, backed by the host's CLOCK_MONOTONIC, for driving
// calibration routines (clock.TrainApicTimer, clock.TrainInvariantTsc)
// against something that actually advances in hosted tests, rather than
// the synthetic fixed-step fakes each _test.go file otherwise hand-rolls.
// Grounded on maxnasonov-gvisor's go.mod use of golang.org/x/sys/unix for
// host clock access.
package clocksim

import (
	"golang.org/x/sys/unix"

	"github.com/kestrel-os/kestrel/clock"
)

// ReferenceClock is a clock.TickSource whose Ticks() reports nanoseconds
// elapsed on the host's monotonic clock since it was created, scaled to
// report at freqHz in Frequency(); it never drifts relative to the host,
// which makes it a faithful reference against which to test a simulated
// hardware timer's own calibration arithmetic.
type ReferenceClock struct {
	freqHz uint64
	start  int64
}

// NewReferenceClock creates a ReferenceClock reporting freqHz in
// Frequency() and Refclk(), anchored at the current host time.
func NewReferenceClock(freqHz uint64) *ReferenceClock {
	return &ReferenceClock{freqHz: freqHz, start: nowNanos()}
}

func nowNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

func (c *ReferenceClock) Type() clock.TickSourceType { return clock.TSC }
func (c *ReferenceClock) Refclk() uint64             { return c.freqHz }
func (c *ReferenceClock) Frequency() uint64           { return c.freqHz }

// Ticks reports how many ticks, at freqHz, have elapsed since creation.
func (c *ReferenceClock) Ticks() uint64 {
	elapsedNanos := nowNanos() - c.start
	if elapsedNanos <= 0 {
		return 0
	}
	return uint64(elapsedNanos) * c.freqHz / 1_000_000_000
}
