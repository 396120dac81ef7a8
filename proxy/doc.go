// Package proxy implements the ownership contract for reference-counted values
// crossing the boundary between the host and its callers.
//
// # Ownership
//
//	Send(v)    - sender adds one reference; receiver must Release exactly once
//	Borrow(v)  - valid during the call only; receiver never touches the count
//
// Releasing an owned proxy twice, or releasing a borrowed one, returns an
// error and leaves the count unchanged.
//
// # By-Reference Parameters
//
// A Ref slot holds the value passed in. The callee may Set a replacement.
// When the call returns, Complete adds a reference to the replacement and
// drops one from the original. The step runs even when nothing was replaced:
//
//	ref := proxy.NewRef(v1)
//	ref.Set(v2)     // callee
//	ref.Complete()  // v2 +1, v1 -1
//
// # Leak Recovery
//
// A Tracker records owned proxies handed to a receiver during one call scope.
// At scope end ReleaseOutstanding reclaims whatever the receiver leaked.
package proxy
