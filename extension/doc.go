// Package extension loads extension modules and runs calls against them.
//
// An extension is a WebAssembly core module. Load compiles it with wazero,
// checks the semantic version in its "exthost-abi" custom section and
// resolves a Signature for every export, either from an optional WIT
// description or from the core function types:
//
//	open: func(rep: s64) -> own<file>;
//	[method]file.size: func(self: borrow<file>) -> u64;
//
// Resource handles are written own<T> and borrow<T>. Method-style names give
// the declaring type recorded in the call scope.
//
// Each worker creates its own Instance. Instance.Call lowers JSON-style
// arguments, runs the export with the call scope attached to the context so
// the host functions in the "exthost" module can reach it, completes by-ref
// arguments and gives own<T> results to the caller.
package extension
