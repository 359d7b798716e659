package cpulocal

// writeMSR writes value into the model-specific register numbered msr.
func writeMSR(msr uint32, value uint64)

// readMSR returns the current value of the model-specific register
// numbered msr.
func readMSR(msr uint32) uint64
