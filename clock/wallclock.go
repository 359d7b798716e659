package clock

import (
	"time"

	"github.com/kestrel-os/kestrel/sched"
)

// WallClock records a wall-clock instant and a tick source's count at
// that same moment, then projects later tick counts back to a wall-clock
// instant using the source's calibrated frequency, matching spec §4.7.
type WallClock struct {
	source    TickSource
	startTime time.Time
	startTick uint64
}

// NewWallClock seeds a WallClock from source's current tick count and
// start, which should be read (typically via ReadRTC) as close as
// possible to the same instant as the tick sample.
func NewWallClock(source TickSource, start time.Time) *WallClock {
	return &WallClock{source: source, startTime: start, startTick: source.Ticks()}
}

// Now projects the tick source's current count back to a wall-clock
// instant.
func (w *WallClock) Now() time.Time {
	freq := w.source.Frequency()
	if freq == 0 {
		return w.startTime
	}

	elapsedTicks := w.source.Ticks() - w.startTick
	seconds := float64(elapsedTicks) / float64(freq)
	return w.startTime.Add(time.Duration(seconds * float64(time.Second)))
}

// Instant reports source's current tick count as a sched.Instant, the
// scheduler's representation of "now" for sleep and wait deadlines.
func Instant(source TickSource) sched.Instant {
	return sched.Instant(source.Ticks())
}
