// Package dispatch wraps every call crossing the boundary.
//
// A Handler processes one Call. Interceptors wrap handlers and compose into a
// chain; the first interceptor given to Chain runs outermost:
//
//	h := dispatch.Chain(core,
//	    dispatch.Recover(logger),
//	    dispatch.Track(controller),
//	    dispatch.Log(logger),
//	)
//
// Track is the lifetime link. It resets the idle counter, marks the call
// active and unmarks it in a deferred call, so the active count is restored on
// success, on error and on panic. Every call, inbound request or outbound
// response delivery, must pass through exactly one Track link.
package dispatch
