//go:build !linux

package osthread

import "sync/atomic"

// Platforms without a thread-id syscall get synthetic ids. They are unique
// per Lock call, which is all the worker pool needs.
var synthetic atomic.Uint64

func current() ID {
	return ID(synthetic.Add(1))
}
