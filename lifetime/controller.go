package lifetime

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reason says why WaitForIdleOrShutdown returned.
type Reason uint8

const (
	ReasonIdle Reason = iota
	ReasonShutdown
	ReasonCanceled
)

func (r Reason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonShutdown:
		return "shutdown"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ScopeCounter reports how many call scopes are live.
type ScopeCounter interface {
	Live() int
}

// Config holds controller configuration. The zero value uses the default
// intervals, never times out and counts no scopes.
type Config struct {
	Scopes ScopeCounter
	Logger *zap.Logger

	// NormalInterval is the poll interval while not shutting down.
	NormalInterval time.Duration
	// ShutdownInterval is the poll interval once shutdown was requested.
	ShutdownInterval time.Duration
	// IdleTimeout is the initial idle timeout. 0 means never.
	IdleTimeout time.Duration
}

// Controller is the process-wide lifetime state. Counters are atomics; no
// mutex is taken on the call path.
type Controller struct {
	scopes       ScopeCounter
	logger       *zap.Logger
	cadence      *cadence
	signal       chan struct{}
	idleTicks    atomic.Int64
	active       atomic.Int64
	idleTimeout  atomic.Int64
	shuttingDown atomic.Bool
}

// New creates a controller.
func New(cfg *Config) *Controller {
	if cfg == nil {
		cfg = &Config{}
	}
	c := &Controller{
		scopes:  cfg.Scopes,
		logger:  cfg.Logger,
		cadence: newCadence(cfg.NormalInterval, cfg.ShutdownInterval),
		signal:  make(chan struct{}, 1),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.idleTimeout.Store(int64(cfg.IdleTimeout))
	return c
}

// ResetIdle records that a call was processed.
func (c *Controller) ResetIdle() {
	c.idleTicks.Store(0)
}

// EnterCall marks a call as executing.
func (c *Controller) EnterCall() {
	c.active.Add(1)
}

// ExitCall marks a call as finished. It must run on every path out of the
// call, including errors and panics.
func (c *Controller) ExitCall() {
	if n := c.active.Add(-1); n < 0 {
		c.active.Add(1)
		c.logger.DPanic("unpaired ExitCall", zap.Int64("active", n))
	}
}

// RequestShutdown asks the process to exit once quiescent. It is idempotent
// and never blocks.
func (c *Controller) RequestShutdown() {
	if c.shuttingDown.CompareAndSwap(false, true) {
		c.logger.Info("shutdown requested",
			zap.Int64("active", c.active.Load()),
			zap.Int("scopes", c.liveScopes()))
	}
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// ShuttingDown reports whether shutdown was requested.
func (c *Controller) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Active returns the number of executing calls.
func (c *Controller) Active() int64 {
	return c.active.Load()
}

// SetIdleTimeout changes the idle timeout of a running wait. 0 means never.
func (c *Controller) SetIdleTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if old := time.Duration(c.idleTimeout.Swap(int64(d))); old != d {
		c.logger.Info("idle timeout changed", zap.Duration("old", old), zap.Duration("new", d))
	}
}

// IdleTimeout returns the current idle timeout.
func (c *Controller) IdleTimeout() time.Duration {
	return time.Duration(c.idleTimeout.Load())
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Phase        Phase         `json:"phase"`
	Active       int64         `json:"active"`
	IdleTicks    int64         `json:"idle_ticks"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Interval     time.Duration `json:"interval"`
	LiveScopes   int           `json:"live_scopes"`
	ShuttingDown bool          `json:"shutting_down"`
}

func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Phase:        c.cadence.current(),
		Active:       c.active.Load(),
		IdleTicks:    c.idleTicks.Load(),
		IdleTimeout:  c.IdleTimeout(),
		Interval:     c.cadence.interval(),
		LiveScopes:   c.liveScopes(),
		ShuttingDown: c.shuttingDown.Load(),
	}
}

// WaitForIdleOrShutdown blocks until the process may exit. A non-negative
// timeout replaces the configured idle timeout; pass a negative value to keep
// it. It returns ReasonCanceled with the context error when ctx is done.
func (c *Controller) WaitForIdleOrShutdown(ctx context.Context, timeout time.Duration) (Reason, error) {
	if timeout >= 0 {
		c.SetIdleTimeout(timeout)
	}

	timer := time.NewTimer(c.cadence.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonCanceled, ctx.Err()
		case <-c.signal:
			c.idleTicks.Store(0)
			if c.cadence.shrink() {
				c.logger.Debug("poll cadence shrunk", zap.Duration("interval", c.cadence.interval()))
			}
		case <-timer.C:
		}

		if reason, done := c.poll(); done {
			c.logger.Info("lifetime wait finished", zap.Stringer("reason", reason))
			return reason, nil
		}
		timer.Reset(c.cadence.interval())
	}
}

// poll runs one quiescence check.
func (c *Controller) poll() (Reason, bool) {
	if c.shuttingDown.Load() {
		// A request made before the wait started leaves the signal buffered,
		// but one made while a poll was running may already be consumed.
		c.cadence.shrink()
		return ReasonShutdown, c.active.Load() == 0 && c.liveScopes() == 0
	}

	// Work in flight counts as activity.
	if c.active.Load() > 0 {
		c.idleTicks.Store(0)
		return ReasonIdle, false
	}

	ticks := c.idleTicks.Add(1)
	limit := idleLimit(c.IdleTimeout(), c.cadence.normal)
	if limit == 0 {
		return ReasonIdle, false
	}
	c.logger.Debug("idle tick", zap.Int64("ticks", ticks), zap.Int64("limit", limit))
	return ReasonIdle, ticks >= limit
}

func (c *Controller) liveScopes() int {
	if c.scopes == nil {
		return 0
	}
	return c.scopes.Live()
}
