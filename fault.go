// Package cpython implements the core runtime substrate of an embeddable
// dynamic-language interpreter: the process-wide runtime, its interpreters,
// their threads of execution, the global execution lock that serializes
// bytecode evaluation, and the cyclic garbage collector that reclaims
// reference-cycle garbage. The bytecode evaluator, compiler, object model,
// and import machinery are external collaborators; this package only
// provides the substrate they run on.
package cpython

import (
	"errors"
	"fmt"
)

// Kind classifies a Fault, mirroring the error taxonomy of the runtime's
// C ancestor: allocation failure, OS-primitive failure, invalid
// user-supplied configuration, and internal invariant violations.
type Kind int

const (
	// NoMemory reports an allocation failure. Always reported; the only
	// place it is swallowed is thread-state clearing, which routes it to
	// the unraisable-exception hook instead.
	NoMemory Kind = iota
	// OSError reports failure of a syscall or OS-level primitive: lock
	// allocation, TLS key creation, a clock read.
	OSError
	// UserError reports an invalid pre-config value, e.g. a malformed
	// PYTHONHASHSEED-equivalent environment variable.
	UserError
	// Assertion reports an internal-invariant violation. In debug builds
	// this aborts the process; release builds omit the checks entirely.
	Assertion
)

func (k Kind) String() string {
	switch k {
	case NoMemory:
		return "no_memory"
	case OSError:
		return "os_error"
	case UserError:
		return "user_error"
	case Assertion:
		return "assertion"
	default:
		return "unknown"
	}
}

// Fault is the structured failure status returned by initialization and
// configuration routines. Operational routines (attach, detach, Ensure,
// Release, thread-state creation) do not return Fault: per spec, they abort
// the process on any failure rather than returning partial, corrupted state.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// Is supports errors.Is(err, NoMemory) style matching against a Kind value
// wrapped as an error via KindError, by comparing Kind fields.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Kind == other.Kind
	}
	return false
}

// NewFault constructs a Fault of the given kind.
func NewFault(kind Kind, message string, cause error) *Fault {
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

// KindError returns a sentinel *Fault carrying only a Kind, suitable for use
// with errors.Is(err, KindError(NoMemory)).
func KindError(kind Kind) error { return &Fault{Kind: kind, Message: kind.String()} }

// abort is the single chokepoint operational routines call when they hit a
// failure the spec requires to be fatal: the runtime cannot continue with
// corrupted thread-state invariants. It is a package variable so tests can
// substitute a recording stand-in instead of tearing down the test binary.
var abort = func(format string, args ...any) {
	panic(fmt.Sprintf("cpython: fatal: "+format, args...))
}

// Abort triggers the fatal-error chokepoint. Exposed so sibling packages
// (interp, thread, ensure) share one hook without an import cycle back to
// this package's private abort variable.
func Abort(format string, args ...any) { abort(format, args...) }

// SetAbortHookForTest replaces the abort chokepoint, returning a func that
// restores the previous hook. Sibling packages' tests use this to assert
// that a fatal-error path was reached without tearing down the test binary.
func SetAbortHookForTest(hook func(format string, args ...any)) (restore func()) {
	prev := abort
	abort = hook
	return func() { abort = prev }
}
