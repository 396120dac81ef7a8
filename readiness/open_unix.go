//go:build unix

package readiness

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// openPath opens a FIFO for writing without blocking when nobody reads it;
// the open then fails with ENXIO instead of hanging startup. Other paths are
// appended to.
func openPath(path string) (io.WriteCloser, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFIFO {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, &os.PathError{Op: "open", Path: path, Err: err}
		}
		return os.NewFile(uintptr(fd), path), nil
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
}
