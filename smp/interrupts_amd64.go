package smp

// EnableInterrupts unmasks maskable interrupts on the calling CPU.
func EnableInterrupts()

// DisableInterrupts masks maskable interrupts on the calling CPU.
func DisableInterrupts()

// pause issues a spin-loop hint, used while polling an AP's ready flag.
func pause()
