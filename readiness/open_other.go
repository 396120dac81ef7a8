//go:build !unix

package readiness

import (
	"io"
	"os"
)

func openPath(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
}
