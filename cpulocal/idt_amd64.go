package cpulocal

// loadIDT issues LIDT against the table base and limit (in bytes, table
// size minus one).
func loadIDT(base *gateDescriptor, limit uint16)

// interruptGateEntries returns the entry-point address of the trampoline
// stub for vector, which saves the trapped register set into a
// sched.IsrContext, calls Dispatch, restores the (possibly rewritten)
// context, and IRETQs. Left unimplemented here: one trampoline per vector
// is ordinarily emitted by a macro-generated .s file, mirroring
// gate.interruptGateEntries's own gap in the retrieval pack — the
// register save/restore convention it must follow is fully specified by
// sched.IsrContext's field order.
func interruptGateEntries(vector Vector) uintptr
