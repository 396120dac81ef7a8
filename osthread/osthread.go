package osthread

import (
	"runtime"
	"strconv"
)

// ID identifies an OS thread.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Lock wires the calling goroutine to its current OS thread and returns the
// thread's id. The returned func undoes the lock; call it from the same
// goroutine.
func Lock() (ID, func()) {
	runtime.LockOSThread()
	return current(), runtime.UnlockOSThread
}

// Current returns the id of the thread running the caller. Unless the caller
// is locked with Lock the value may change at any scheduling point.
func Current() ID {
	return current()
}
