package clock

import "github.com/kestrel-os/kestrel/kernerr"

// Apic is the subset of the local APIC's timer control surface
// TrainApicTimer needs. Declared on the consumer side, the same "accept
// interfaces" boundary vmm.PhysicalAllocator uses for pmm, since this
// core does not otherwise define a full local-APIC driver.
type Apic interface {
	SetTimerDivisor(divisor uint32)
	SetInitialCount(count uint32)
	GetCurrentCount() uint32
}

// apicDivideBy1 matches apic::TimerDivide::e1's encoded divisor value.
const apicDivideBy1 = 0xB

// ApicTimer is a TickSource driven by the local APIC's timer, trained
// against a reference clock. Grounded on timer/apic_timer.hpp/.cpp's
// km::ApicTimer.
type ApicTimer struct {
	frequency uint64
	apic      Apic
}

func (t *ApicTimer) Type() TickSourceType { return APIC }
func (t *ApicTimer) Refclk() uint64       { return t.frequency }
func (t *ApicTimer) Frequency() uint64    { return t.frequency }
func (t *ApicTimer) Ticks() uint64        { return uint64(t.apic.GetCurrentCount()) }

// TrainApicTimer measures the APIC timer's running frequency by loading
// its down-counter with the maximum value, busy-sleeping trainDuration
// against refclk, and recording how far the counter fell, trainSteps
// times, matching km::TrainApicTimer.
func TrainApicTimer(apic Apic, refclk TickSource) (*ApicTimer, *kernerr.Error) {
	apic.SetTimerDivisor(apicDivideBy1)

	const maxCount = ^uint32(0)
	freq, kerr := calibrate(func() uint64 {
		apic.SetInitialCount(maxCount)
		BusySleep(refclk, trainDuration)
		now := apic.GetCurrentCount()
		return uint64(maxCount - now)
	})
	apic.SetInitialCount(0)
	if kerr != nil {
		return nil, kerr
	}

	return &ApicTimer{frequency: freq, apic: apic}, nil
}
