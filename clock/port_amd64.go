package clock

// outb writes an 8-bit value to the given I/O port, via the OUT
// instruction.
func outb(port uint16, value uint8)

// inb reads an 8-bit value from the given I/O port, via the IN
// instruction.
func inb(port uint16) uint8

// pause issues the PAUSE instruction, the same spin-wait hint
// ksync.Spinlock's acquire loop uses between CAS attempts.
func pause()

// rdtsc reads the invariant time-stamp counter via the RDTSC instruction.
func rdtsc() uint64
