package readiness

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/exthost/errors"
)

const fdPrefix = "fd:"

// Signal writes the startup outcome to a launcher token.
type Signal struct {
	logger *zap.Logger
	open   func() (io.WriteCloser, error)
	token  string
	once   sync.Once
}

// New parses token. A malformed fd token is a configuration error.
func New(token string, logger *zap.Logger) (*Signal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Signal{token: token, logger: logger}

	switch {
	case token == "":
	case strings.HasPrefix(token, fdPrefix):
		fd, err := strconv.ParseUint(strings.TrimPrefix(token, fdPrefix), 10, 31)
		if err != nil {
			return nil, errors.Fatal(errors.PhaseConfig, "readiness token "+strconv.Quote(token), err)
		}
		s.open = func() (io.WriteCloser, error) {
			f := os.NewFile(uintptr(fd), "readiness")
			if f == nil {
				return nil, os.ErrInvalid
			}
			return f, nil
		}
	default:
		s.open = func() (io.WriteCloser, error) { return openPath(token) }
	}
	return s, nil
}

// Ready reports a successful start.
func (s *Signal) Ready() error {
	return s.signal("ready\n")
}

// Fail reports a failed start with err's message.
func (s *Signal) Fail(err error) error {
	msg := "unknown error"
	if err != nil {
		msg = strings.Join(strings.Fields(err.Error()), " ")
	}
	return s.signal("failed: " + msg + "\n")
}

func (s *Signal) signal(line string) error {
	var err error
	sent := false
	s.once.Do(func() {
		sent = true
		if s.open == nil {
			return
		}
		err = s.write(line)
	})
	if !sent {
		s.logger.Debug("readiness already signalled", zap.String("token", s.token))
		return nil
	}
	if err != nil {
		s.logger.Warn("readiness signal failed", zap.String("token", s.token), zap.Error(err))
		return errors.New(errors.PhaseBoot, errors.KindInvalidData).
			Cause(err).
			Detail("signal readiness to %s", s.token).
			Build()
	}
	s.logger.Debug("readiness signalled", zap.String("token", s.token), zap.String("line", strings.TrimSpace(line)))
	return nil
}

func (s *Signal) write(line string) error {
	w, err := s.open()
	if err != nil {
		return err
	}
	_, werr := io.WriteString(w, line)
	cerr := w.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
