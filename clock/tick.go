// Package clock implements the tick-source abstraction over the PIT,
// HPET, APIC, and TSC hardware timers and the wall-clock projection built
// on top of them (spec §4.7).
//
// Grounded on original_source/sources/kernel/include/timer/tick_source.hpp
// (km::ITickSource, km::TickSourceType, km::BusySleep) and the concrete
// tick sources in timer/pit.hpp, timer/apic_timer.hpp, timer/tsc_timer.hpp.
package clock

import "time"

// TickSourceType identifies which hardware timer a TickSource wraps,
// matching km::TickSourceType.
type TickSourceType int

const (
	PIT8254 TickSourceType = iota
	HPET
	APIC
	TSC
)

func (t TickSourceType) String() string {
	switch t {
	case PIT8254:
		return "pit8254"
	case HPET:
		return "hpet"
	case APIC:
		return "apic"
	case TSC:
		return "tsc"
	default:
		return "unknown"
	}
}

// TickSource is a hardware timer that counts at some frequency, matching
// km::ITickSource.
type TickSource interface {
	Type() TickSourceType
	// Refclk reports this source's reference frequency, in Hz: the fixed
	// input clock for the PIT, and the calibrated frequency itself (the
	// same value Frequency returns) for the APIC timer and the TSC.
	Refclk() uint64
	// Frequency reports this source's own running frequency, in Hz.
	Frequency() uint64
	Ticks() uint64
}

// BusySleep spins until source's tick count has advanced by d, matching
// km::BusySleep. Used both as the general-purpose kernel busy-wait and as
// the measurement primitive the Train* calibration routines in this
// package time themselves against.
func BusySleep(source TickSource, d time.Duration) {
	freq := source.Frequency()
	if freq == 0 {
		return
	}

	ticks := uint64(float64(freq) * d.Seconds())
	now := source.Ticks()
	then := now + ticks
	for source.Ticks() < then {
		pause()
	}
}
