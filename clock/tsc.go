package clock

import "github.com/kestrel-os/kestrel/kernerr"

// InvariantTsc is a TickSource driven by the CPU's invariant time-stamp
// counter, trained against a reference clock. Grounded on
// timer/tsc_timer.hpp/.cpp's km::InvariantTsc.
type InvariantTsc struct {
	frequency uint64
}

func (t *InvariantTsc) Type() TickSourceType { return TSC }
func (t *InvariantTsc) Refclk() uint64       { return t.frequency }
func (t *InvariantTsc) Frequency() uint64    { return t.frequency }
func (t *InvariantTsc) Ticks() uint64        { return rdtsc() }

// TrainInvariantTsc measures the TSC's running frequency against refclk,
// matching km::TrainInvariantTsc.
func TrainInvariantTsc(refclk TickSource) (*InvariantTsc, *kernerr.Error) {
	freq, kerr := calibrate(func() uint64 {
		now := rdtsc()
		BusySleep(refclk, trainDuration)
		then := rdtsc()
		return then - now
	})
	if kerr != nil {
		return nil, kerr
	}

	return &InvariantTsc{frequency: freq}, nil
}
