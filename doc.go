// Package exthost runs native extension modules out of process and drives them
// with calls arriving from a client runtime.
//
// Extensions are WebAssembly core modules written against a fixed ABI: a set
// of host functions imported from the "exthost" module plus a few optional
// guest exports. The interesting part is not executing them but keeping the
// process safe under concurrency:
//
//   - the process exits only when it is idle or asked to shut down, and never
//     while a call is in flight
//   - every logical call runs in a single-owner scope that pairs every
//     resource acquire with a release
//   - a launcher waiting for readiness is always signalled, even when startup
//     fails
//
// # Architecture Overview
//
//	exthost/          Root package with Memory and Allocator interfaces
//	├── lifetime/     Idle timeout and graceful shutdown
//	├── dispatch/     Interceptor chain around every call
//	├── scope/        Per-call scopes, one live scope per thread
//	├── resource/     Refcounted handle registry with destructors
//	├── proxy/        Owned and borrowed values crossing the boundary
//	├── extension/    wazero loader, ABI check, host functions
//	├── worker/       OS-thread-locked workers, one instance each
//	├── host/         Composition root; Process is the transport entry
//	├── transport/    WebSocket server and client
//	├── readiness/    Launcher readiness token
//	├── config/       TOML, environment and flag configuration
//	├── logging/      zap logger construction
//	├── osthread/     Thread pinning and ids
//	├── errors/       Structured error types
//	├── testbed/      Hand-assembled extension used by tests
//	└── cmd/exthost/  Binary: serve mode and interactive console
//
// # Quick Start
//
//	h, err := host.New(ctx, wasmBytes, &host.Config{Workers: 4})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close(ctx)
//
//	res, err := h.Process(ctx, &dispatch.Call{
//	    Kind:     dispatch.KindCall,
//	    Function: "open",
//	    Args:     []any{42},
//	    Thread:   1,
//	})
//
// # Extension ABI
//
// Host functions, module "exthost":
//
//	resource_register(type i32, rep i64) -> i32
//	resource_addref(handle i32) -> i32
//	resource_release(handle i32) -> i32
//	resource_rep(handle i32) -> i64
//	ref_set(index i32, handle i64) -> i32
//	set_context(name_ptr i32, name_len i32, argc i32)
//	log(level i32, ptr i32, len i32)
//
// Optional guest exports:
//
//	exthost_drop(type i32, rep i64)
//	exthost_alloc(size i32) -> i32
//	exthost_free(ptr i32, size i32)
//
// The custom section "exthost-abi" carries the ABI version the extension was
// built against.
package exthost
