package host

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/exthost/dispatch"
	"github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/extension"
	"github.com/wippyai/exthost/lifetime"
	"github.com/wippyai/exthost/osthread"
	"github.com/wippyai/exthost/resource"
	"github.com/wippyai/exthost/scope"
	"github.com/wippyai/exthost/worker"
)

const minReapInterval = 10 * time.Millisecond

// Config holds host configuration.
type Config struct {
	Logger *zap.Logger

	// Extension configures how the extension module is loaded.
	Extension *extension.Config

	// Tokens produces scope correlation tokens. nil means random UUIDs.
	Tokens scope.TokenSource

	// Workers is the number of OS-thread-bound workers. Values below 1 mean 1.
	Workers int

	// QueueDepth bounds the calls waiting on each worker.
	QueueDepth int

	// IdleTimeout is the initial idle timeout. 0 means never.
	IdleTimeout time.Duration

	// NormalInterval and ShutdownInterval are the idle poll cadences.
	NormalInterval   time.Duration
	ShutdownInterval time.Duration

	// ScopeIdle ends scopes that saw no call for this long. 0 disables the
	// reaper.
	ScopeIdle time.Duration
}

// Host serves calls into one extension.
type Host struct {
	ext      *extension.Extension
	pool     *worker.Pool[*extension.Instance]
	scopes   *scope.Manager
	life     *lifetime.Controller
	handler  dispatch.Handler
	logger   *zap.Logger
	stopReap context.CancelFunc
	reapDone chan struct{}
	closed   atomic.Bool
	closeMu  sync.Mutex
	// serving is held shared by every call past the closed check, so Close
	// sees no call that could still begin a scope once it ends them all.
	serving sync.RWMutex
}

// New loads wasmBytes and starts the workers. Load and ABI failures are
// fatal errors.
func New(ctx context.Context, wasmBytes []byte, cfg *Config) (*Host, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	extCfg := extension.Config{}
	if cfg.Extension != nil {
		extCfg = *cfg.Extension
	}
	if extCfg.Logger == nil {
		extCfg.Logger = logger
	}
	ext, err := extension.Load(ctx, wasmBytes, &extCfg)
	if err != nil {
		return nil, err
	}

	pool, err := worker.New(ctx, ext.NewInstance, &worker.Config{
		Logger:     logger,
		Size:       cfg.Workers,
		QueueDepth: cfg.QueueDepth,
	})
	if err != nil {
		_ = ext.Close(ctx)
		return nil, err
	}

	scopes := scope.NewManager(&scope.Config{Tokens: cfg.Tokens, Logger: logger})
	life := lifetime.New(&lifetime.Config{
		Scopes:           scopes,
		Logger:           logger,
		NormalInterval:   cfg.NormalInterval,
		ShutdownInterval: cfg.ShutdownInterval,
		IdleTimeout:      cfg.IdleTimeout,
	})

	h := &Host{
		ext:    ext,
		pool:   pool,
		scopes: scopes,
		life:   life,
		logger: logger,
	}
	h.handler = dispatch.Chain(h.serve,
		dispatch.Recover(logger),
		dispatch.Track(life),
		dispatch.Log(logger),
	)

	if cfg.ScopeIdle > 0 {
		reapCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		h.stopReap = cancel
		h.reapDone = make(chan struct{})
		go h.reap(reapCtx, cfg.ScopeIdle)
	}

	logger.Info("host started",
		zap.String("extension", ext.Name()),
		zap.String("abi", ext.ABIVersion()),
		zap.Int("workers", pool.Size()))
	return h, nil
}

// Process runs one call through the dispatch chain. Transports call it for
// every frame in both directions.
func (h *Host) Process(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	return h.handler(ctx, call)
}

func (h *Host) serve(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	h.serving.RLock()
	defer h.serving.RUnlock()
	if h.closed.Load() {
		return nil, errors.ShuttingDown()
	}

	switch call.Kind {
	case dispatch.KindCall, "":
		return h.invoke(ctx, call)
	case dispatch.KindBegin:
		return h.begin(ctx, call)
	case dispatch.KindEnd:
		err := h.pool.Do(ctx, call.Thread, func(*extension.Instance) error {
			return h.scopes.EndThread(osthread.ID(call.Thread))
		})
		return &dispatch.Result{}, err
	case dispatch.KindRelease:
		return &dispatch.Result{}, h.release(ctx, call)
	case dispatch.KindStats:
		return &dispatch.Result{Stats: h.Stats()}, nil
	}
	return nil, errors.InvalidInput(errors.PhaseDispatch, "unknown call kind "+string(call.Kind))
}

// invoke runs an extension function. A caller without an explicit scope
// gets an implicit one that ends with the call; owned results do not
// outlive it.
func (h *Host) invoke(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	var res *dispatch.Result
	err := h.pool.Do(ctx, call.Thread, func(inst *extension.Instance) error {
		s, created, err := h.scopes.Acquire(osthread.ID(call.Thread))
		if err != nil {
			return err
		}

		out, callErr := inst.Call(ctx, s, extension.Invocation{
			Function: call.Function,
			Args:     call.Args,
			ByRef:    call.ByRef,
		})
		if out != nil {
			res = &dispatch.Result{
				Scope:  s.Token(),
				Values: out.Values,
				Refs:   out.Refs,
				Owned:  out.Owned,
			}
		}

		if created {
			if res != nil {
				for _, owned := range res.Owned {
					_ = s.Return(resource.Handle(owned))
				}
				res.Owned = nil
			}
			if err := s.End(); err != nil {
				h.logger.Warn("implicit scope teardown failed",
					zap.String("scope", s.Token()),
					zap.String("function", call.Function),
					zap.Error(err))
			}
		}
		return callErr
	})
	if e, ok := err.(*errors.Error); ok && e.Thread == 0 && e.Kind != errors.KindShuttingDown {
		e.Thread = call.Thread
	}
	return res, err
}

func (h *Host) begin(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	var res *dispatch.Result
	err := h.pool.Do(ctx, call.Thread, func(*extension.Instance) error {
		s, err := h.scopes.Begin(osthread.ID(call.Thread))
		if err != nil {
			return err
		}
		res = &dispatch.Result{Scope: s.Token()}
		return nil
	})
	return res, err
}

func (h *Host) release(ctx context.Context, call *dispatch.Call) error {
	return h.pool.Do(ctx, call.Thread, func(*extension.Instance) error {
		s := h.scopes.Current(osthread.ID(call.Thread))
		if s == nil {
			return errors.Terminated(call.Thread)
		}
		s.Touch()
		return s.Return(resource.Handle(call.Handle))
	})
}

// endOnWorker tears s down on the worker that ran its calls, so guest
// destructors run on the instance that owns the resources.
func (h *Host) endOnWorker(ctx context.Context) scope.EndFunc {
	return func(s *scope.Scope) error {
		return h.pool.Do(ctx, uint64(s.Thread()), func(*extension.Instance) error {
			return s.End()
		})
	}
}

// reapOnWorker is endOnWorker for the reaper. The idle check is repeated on
// the worker because a call queued ahead of the job may have used the scope.
func (h *Host) reapOnWorker(ctx context.Context, maxIdle time.Duration) scope.EndFunc {
	return func(s *scope.Scope) error {
		return h.pool.Do(ctx, uint64(s.Thread()), func(*extension.Instance) error {
			return h.scopes.EndIfIdle(s, maxIdle)
		})
	}
}

func (h *Host) reap(ctx context.Context, maxIdle time.Duration) {
	defer close(h.reapDone)
	interval := maxIdle / 2
	if interval < minReapInterval {
		interval = minReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.scopes.ReapIdle(maxIdle, h.reapOnWorker(ctx, maxIdle)); n > 0 {
				h.logger.Debug("reaped idle scopes", zap.Int("count", n))
			}
		}
	}
}

// Exports describes the callable extension functions.
func (h *Host) Exports() []*extension.Signature {
	return h.ext.Exports()
}

// Lifetime returns the host's lifetime controller.
func (h *Host) Lifetime() *lifetime.Controller { return h.life }

// Scopes returns the host's scope manager.
func (h *Host) Scopes() *scope.Manager { return h.scopes }

// Stats is a point-in-time view of the host.
type Stats struct {
	Extension string                 `json:"extension"`
	ABI       string                 `json:"abi"`
	Exports   []*extension.Signature `json:"exports"`
	Lifetime  lifetime.Snapshot      `json:"lifetime"`
	Scopes    []scope.Info           `json:"scopes"`
	Workers   []worker.Info          `json:"workers"`
	Takeovers int64                  `json:"takeovers"`
}

// Stats reports host counters.
func (h *Host) Stats() Stats {
	return Stats{
		Extension: h.ext.Name(),
		ABI:       h.ext.ABIVersion(),
		Exports:   h.ext.Exports(),
		Lifetime:  h.life.Snapshot(),
		Scopes:    h.scopes.List(),
		Workers:   h.pool.Workers(),
		Takeovers: h.scopes.Takeovers(),
	}
}

// Shutdown requests a graceful shutdown. The lifetime wait returns once
// in-flight calls and live scopes drain.
func (h *Host) Shutdown() {
	h.life.RequestShutdown()
}

// Close waits for calls in flight, then ends every live scope on its worker,
// stops the workers and releases the extension. Teardown errors are combined; Close always runs to the end.
func (h *Host) Close(ctx context.Context) error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed.Load() {
		return nil
	}

	h.life.RequestShutdown()
	if h.stopReap != nil {
		h.stopReap()
		<-h.reapDone
	}

	h.serving.Lock()
	h.closed.Store(true)
	h.serving.Unlock()

	errs := h.scopes.EndAll(h.endOnWorker(ctx))
	errs = multierr.Append(errs, h.pool.Close(ctx))
	errs = multierr.Append(errs, h.ext.Close(ctx))

	if errs != nil {
		h.logger.Warn("host closed with errors", zap.Error(errs))
	} else {
		h.logger.Info("host closed")
	}
	return errs
}
