// Package kernerr defines the error kinds surfaced by the kernel core.
//
// A *Error names the reporting module and its Kind, optionally carrying one
// detail string; Is tests an error's Kind.
package kernerr

// Kind enumerates the error classes a core operation may report, matching
// the error kinds table of the core specification.
type Kind uint8

const (
	Success Kind = iota
	OutOfMemory
	InvalidInput
	InvalidAddress
	NotFound
	AlreadyExists
	InvalidType
	HandleLocked
	Timeout
	Completed
	EndOfFile
	NotSupported
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case OutOfMemory:
		return "out of memory"
	case InvalidInput:
		return "invalid input"
	case InvalidAddress:
		return "invalid address"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case InvalidType:
		return "invalid type"
	case HandleLocked:
		return "handle locked"
	case Timeout:
		return "timeout"
	case Completed:
		return "completed"
	case EndOfFile:
		return "end of file"
	case NotSupported:
		return "not supported"
	default:
		return "unknown error"
	}
}

// Error is the allocation-free error value returned by core operations.
type Error struct {
	// Module names the subsystem that raised the error (e.g. "pmm", "vmm").
	Module string
	Kind   Kind
	// Message carries an optional human-readable detail. Left empty, the
	// error prints Kind.String() alone.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Module + ": " + e.Kind.String()
	}
	return e.Module + ": " + e.Kind.String() + ": " + e.Message
}

// Is reports whether err is a *Error of the given kind, as in
// kernerr.Is(err, kernerr.OutOfMemory). It takes a Kind directly because
// Kind is not itself an error and so cannot be passed to errors.Is.
func Is(err error, kind Kind) bool {
	ke, ok := err.(*Error)
	return ok && ke != nil && ke.Kind == kind
}

// New builds a *Error for the given module/kind with no extra detail.
func New(module string, kind Kind) *Error {
	return &Error{Module: module, Kind: kind}
}

// Newf builds a *Error for the given module/kind carrying a detail message.
func Newf(module string, kind Kind, message string) *Error {
	return &Error{Module: module, Kind: kind, Message: message}
}

// Fatal is the panic value for a bug (invariant violation) rather than a
// recoverable runtime condition. Per §7, canonical
// address violations, double frees of a PMM segment, and scheduler
// state-machine violations are fatal and must reach the bug-check routine
// instead of propagating to a caller.
type Fatal struct {
	Module  string
	Message string
}

func (f *Fatal) Error() string {
	return f.Module + ": fatal: " + f.Message
}
