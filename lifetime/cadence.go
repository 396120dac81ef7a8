package lifetime

import (
	"sync/atomic"
	"time"
)

// Phase is the polling phase of the idle wait.
type Phase uint32

const (
	PhaseNormal Phase = iota
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

const (
	DefaultNormalInterval   = time.Minute
	DefaultShutdownInterval = 15 * time.Second
)

// cadence holds the poll interval for each phase and the current phase.
type cadence struct {
	normal   time.Duration
	shutdown time.Duration
	phase    atomic.Uint32
}

func newCadence(normal, shutdown time.Duration) *cadence {
	if normal <= 0 {
		normal = DefaultNormalInterval
	}
	if shutdown <= 0 {
		shutdown = DefaultShutdownInterval
	}
	return &cadence{normal: normal, shutdown: shutdown}
}

func (c *cadence) current() Phase {
	return Phase(c.phase.Load())
}

func (c *cadence) interval() time.Duration {
	if c.current() == PhaseShuttingDown {
		return c.shutdown
	}
	return c.normal
}

// shrink moves to the shutting-down phase. It reports whether this call made
// the transition.
func (c *cadence) shrink() bool {
	return c.phase.CompareAndSwap(uint32(PhaseNormal), uint32(PhaseShuttingDown))
}

// idleLimit converts an idle timeout into a number of normal-phase ticks,
// rounding up so a timeout shorter than one interval still takes one tick.
// Zero means the timeout never fires. The idle exit fires on the tick that
// reaches the limit, not the one after it, so an exact multiple of the
// interval exits once the timeout has elapsed rather than one tick later.
func idleLimit(timeout, interval time.Duration) int64 {
	if timeout <= 0 {
		return 0
	}
	n := int64(timeout / interval)
	if timeout%interval != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
