//go:build linux

package osthread

import "golang.org/x/sys/unix"

func current() ID {
	return ID(unix.Gettid())
}
