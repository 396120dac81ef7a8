package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the host the error occurred
type Phase string

const (
	PhaseBoot      Phase = "boot"      // process startup, readiness
	PhaseConfig    Phase = "config"    // configuration loading
	PhaseTransport Phase = "transport" // channel bind and framing
	PhaseDispatch  Phase = "dispatch"  // per-call execution
	PhaseScope     Phase = "scope"     // call scope lifecycle
	PhaseRegistry  Phase = "registry"  // resource registry operations
	PhaseProxy     Phase = "proxy"     // value proxy crossing
	PhaseTeardown  Phase = "teardown"  // scope and process cleanup
	PhaseLoad      Phase = "load"      // extension module loading
	PhaseABI       Phase = "abi"       // extension call surface
	PhaseParse     Phase = "parse"     // WIT signature parsing
)

// Kind categorizes the error
type Kind string

const (
	KindFatal           Kind = "fatal"
	KindNotFound        Kind = "not_found"
	KindDoubleRelease   Kind = "double_release"
	KindBorrowedRelease Kind = "borrowed_release"
	KindTerminated      Kind = "terminated"
	KindTakeover        Kind = "takeover"
	KindABIMismatch     Kind = "abi_mismatch"
	KindTypeMismatch    Kind = "type_mismatch"
	KindInvalidInput    Kind = "invalid_input"
	KindInvalidData     Kind = "invalid_data"
	KindInstantiation   Kind = "instantiation"
	KindTrap            Kind = "trap"
	KindPanic           Kind = "panic"
	KindDestructor      Kind = "destructor"
	KindUnsupported     Kind = "unsupported"
	KindShuttingDown    Kind = "shutting_down"
)

// Error is the structured error type used throughout the host
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	Function string
	Detail   string
	Thread   uint64
	Handle   uint32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Function != "" {
		b.WriteString(" in ")
		b.WriteString(e.Function)
	}

	if e.Thread != 0 || e.Handle != 0 {
		b.WriteString(" (")
		if e.Thread != 0 {
			fmt.Fprintf(&b, "thread %d", e.Thread)
		}
		if e.Handle != 0 {
			if e.Thread != 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "handle %d", e.Handle)
		}
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Fatal reports whether the error is a configuration/fatal error that must
// stop the process rather than fail a single call.
func (e *Error) Fatal() bool {
	return e.Kind == KindFatal || e.Kind == KindABIMismatch
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Function sets the extension function that was executing
func (b *Builder) Function(name string) *Builder {
	b.err.Function = name
	return b
}

// Thread sets the caller thread id
func (b *Builder) Thread(id uint64) *Builder {
	b.err.Thread = id
	return b
}

// Handle sets the resource handle
func (b *Builder) Handle(h uint32) *Builder {
	b.err.Handle = h
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Fatal creates a configuration/fatal error
func Fatal(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindFatal,
		Detail: detail,
		Cause:  cause,
	}
}

// UnknownHandle creates an error for a handle missing from a registry
func UnknownHandle(h uint32) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindNotFound,
		Handle: h,
		Detail: "handle not registered",
	}
}

// DoubleRelease creates an error for releasing something already released
func DoubleRelease(phase Phase, h uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDoubleRelease,
		Handle: h,
		Detail: "released more than once",
	}
}

// Terminated creates an error for operations on a torn-down scope
func Terminated(thread uint64) *Error {
	return &Error{
		Phase:  PhaseScope,
		Kind:   KindTerminated,
		Thread: thread,
		Detail: "call scope already terminated",
	}
}

// Destructor creates a teardown error for a failed resource destructor
func Destructor(h uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseTeardown,
		Kind:   KindDestructor,
		Handle: h,
		Detail: "destructor failed",
		Cause:  cause,
	}
}

// Panicked wraps a recovered panic value
func Panicked(phase Phase, v any) *Error {
	var cause error
	if err, ok := v.(error); ok {
		cause = err
	}
	return &Error{
		Phase:  phase,
		Kind:   KindPanic,
		Detail: fmt.Sprintf("panic: %v", v),
		Value:  v,
		Cause:  cause,
	}
}

// ABIMismatch creates an extension ABI compatibility error
func ABIMismatch(module, have, want string) *Error {
	return &Error{
		Phase:  PhaseABI,
		Kind:   KindABIMismatch,
		Detail: fmt.Sprintf("module %q declares ABI %q, host requires %s", module, have, want),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// TypeMismatch creates a type mismatch error for a call argument
func TypeMismatch(phase Phase, function string, index int, want string, got any) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindTypeMismatch,
		Function: function,
		Detail:   fmt.Sprintf("argument %d: want %s, got %T", index, want, got),
		Value:    got,
	}
}

// Trap wraps a guest trap raised while executing an extension function
func Trap(function string, cause error) *Error {
	return &Error{
		Phase:    PhaseDispatch,
		Kind:     KindTrap,
		Function: function,
		Detail:   "extension trapped",
		Cause:    cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: "instantiate extension",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// ShuttingDown is returned for calls that arrive after Close.
func ShuttingDown() *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindShuttingDown,
		Detail: "host is closed",
	}
}
