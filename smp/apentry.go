package smp

import (
	"github.com/kestrel-os/kestrel/cpulocal"
	"github.com/kestrel-os/kestrel/sched"
)

// ApEntry runs on an AP immediately after its trampoline reaches long
// mode, matching KmSmpStartup: install this CPU's IDT and timer/spurious
// handlers, stand up its per-CPU Region around the already-constructed
// schedule (the BSP builds it via GlobalSchedule.InitCPU before starting
// this AP, the same way the original builds each SmpInfoHeader before
// sending the IPI pair), enable interrupts, mark the info header ready
// so the BSP moves on to the next AP, then hand control to callback.
// callback should not return; if it does, the AP has nothing left to run.
func ApEntry(id sched.CPUID, schedule *sched.CpuLocalSchedule, info *InfoHeader, spurious cpulocal.Vector, callback func(*cpulocal.Region)) {
	cpulocal.InstallIDT()

	region := cpulocal.Init(id, schedule, uintptr(info.Stack))

	cpulocal.InstallTimerHandler()
	cpulocal.InstallSpuriousHandler(spurious)

	EnableInterrupts()

	info.MarkReady()

	callback(region)
}
