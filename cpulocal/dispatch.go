package cpulocal

import "github.com/kestrel-os/kestrel/sched"

// InstallTimerHandler registers the scheduler tick on TimerVector: on
// every fire it asks the current CPU's schedule for its next context,
// resuming the interrupted thread unchanged if nothing else is runnable.
// Matches spec §4.8's "Timer vector is reserved... exact value owned by
// the IDT module" together with schedule.cpp's CpuLocalSchedule being
// driven from the timer ISR.
func InstallTimerHandler() {
	HandleInterrupt(TimerVector, 0, func(_ Vector, ctx sched.IsrContext) sched.IsrContext {
		region := Current()
		next, _, ok := region.Schedule.ScheduleNextContext(ctx)
		if !ok {
			return ctx
		}
		return next
	})
}

// InstallSpuriousHandler records vector as this CPU's spurious interrupt
// and registers a handler that simply drops it: the handler returns the
// interrupted context unchanged and sends no EOI.
func InstallSpuriousHandler(vector Vector) {
	region := Current()
	region.SpuriousVector = vector
	HandleInterrupt(vector, 0, func(_ Vector, ctx sched.IsrContext) sched.IsrContext {
		return ctx
	})
}
