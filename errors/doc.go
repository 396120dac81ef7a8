// Package errors provides structured error types for the extension host.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the executing function, caller thread and resource handle
// when known, plus a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRegistry, errors.KindDoubleRelease).
//		Thread(tid).
//		Handle(uint32(h)).
//		Detail("refcount already zero").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnknownHandle(uint32(h))
//	err := errors.Fatal(errors.PhaseTransport, "bind listener", cause)
//
// All errors implement the standard error interface and support errors.Is/As.
// Matching is by phase and kind:
//
//	errors.Is(err, &errors.Error{Phase: errors.PhaseRegistry, Kind: errors.KindNotFound})
package errors
