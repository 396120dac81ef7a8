// Package scope implements call scopes: the unit of state and cleanup for one
// logical call.
//
// A Scope belongs to one thread. It owns a resource registry, the invocation
// context of whatever is executing, and the owned values handed to the caller.
// A Manager keeps at most one live scope per thread:
//
//	s, err := m.Begin(thread)   // terminates a stale scope on the same thread
//	s.SetInvocationContext("open", 1, "file")
//	h, err := s.NewResource(typeID, value, dtor)
//	...
//	err = s.End()               // idempotent, callable from any goroutine
//
// # Takeover
//
// Beginning a scope on a thread that already has a live one terminates the
// old scope first. Takeovers are counted and logged at warn level.
//
// # States
//
//	Uninitialized -> Active -> Terminated
package scope
