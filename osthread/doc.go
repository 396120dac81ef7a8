// Package osthread pins goroutines to operating-system threads and reports a
// stable identifier for the pinned thread.
//
// Call scopes are keyed by the caller's thread. Workers that execute calls
// lock their goroutine to a thread for their whole life so the identifier
// they report stays valid.
package osthread
