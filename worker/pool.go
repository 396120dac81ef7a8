package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/osthread"
)

// DefaultQueueDepth is how many jobs may wait on one worker.
const DefaultQueueDepth = 64

// Instance is the per-worker state a pool owns.
type Instance interface {
	Close(ctx context.Context) error
}

// Factory creates the instance for one worker. It runs on the worker's
// locked OS thread.
type Factory[T Instance] func(ctx context.Context) (T, error)

// Config holds pool configuration.
type Config struct {
	Logger *zap.Logger

	// Size is the number of workers. Values below 1 mean 1.
	Size int

	// QueueDepth bounds the jobs waiting on each worker. 0 means
	// DefaultQueueDepth.
	QueueDepth int
}

type job[T Instance] struct {
	fn   func(T) error
	done chan error
}

type worker[T Instance] struct {
	inst   T
	jobs   chan job[T]
	index  int
	thread atomic.Uint64
	ran    atomic.Uint64
}

// Pool is a fixed set of workers, each owning one instance.
type Pool[T Instance] struct {
	logger  *zap.Logger
	workers []*worker[T]
	wg      conc.WaitGroup
	closeMu sync.RWMutex
	closed  bool
	errs    error
	errMu   sync.Mutex
}

// New starts the workers and creates one instance on each. If any instance
// fails to start, the ones already created are closed and the error is
// returned.
func New[T Instance](ctx context.Context, factory Factory[T], cfg *Config) (*Pool[T], error) {
	if cfg == nil {
		cfg = &Config{}
	}
	size := cfg.Size
	if size < 1 {
		size = 1
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool[T]{logger: logger, workers: make([]*worker[T], size)}
	started := make(chan error, size)
	for i := range p.workers {
		w := &worker[T]{index: i, jobs: make(chan job[T], depth)}
		p.workers[i] = w
		p.wg.Go(func() { p.run(ctx, w, factory, started) })
	}

	var startErr error
	for range p.workers {
		startErr = multierr.Append(startErr, <-started)
	}
	if startErr != nil {
		_ = p.Close(ctx)
		return nil, startErr
	}
	logger.Info("worker pool started", zap.Int("workers", size))
	return p, nil
}

func (p *Pool[T]) run(ctx context.Context, w *worker[T], factory Factory[T], started chan<- error) {
	tid, unlock := osthread.Lock()
	defer unlock()
	w.thread.Store(uint64(tid))

	inst, err := factory(ctx)
	w.inst = inst
	started <- err
	if err != nil {
		// drain until Close so queued senders never block
		for j := range w.jobs {
			j.done <- errors.ShuttingDown()
		}
		return
	}

	for j := range w.jobs {
		j.done <- p.exec(w, j.fn)
	}

	if err := inst.Close(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn("worker instance close failed", zap.Int("worker", w.index), zap.Error(err))
		p.errMu.Lock()
		p.errs = multierr.Append(p.errs, err)
		p.errMu.Unlock()
	}
}

func (p *Pool[T]) exec(w *worker[T], fn func(T) error) (err error) {
	w.ran.Add(1)
	if r := panics.Try(func() { err = fn(w.inst) }); r != nil {
		p.logger.Error("worker job panicked",
			zap.Int("worker", w.index),
			zap.Any("panic", r.Value),
			zap.ByteString("stack", r.Stack))
		return errors.Panicked(errors.PhaseDispatch, r.Value)
	}
	return err
}

// Size returns the number of workers.
func (p *Pool[T]) Size() int { return len(p.workers) }

// Route returns the index of the worker serving thread.
func (p *Pool[T]) Route(thread uint64) int {
	return int(thread % uint64(len(p.workers)))
}

// Do runs fn on the worker serving thread and waits for it. Once fn is
// queued it runs to completion; ctx only bounds the wait for queue space.
// A panic in fn is returned as an error.
func (p *Pool[T]) Do(ctx context.Context, thread uint64, fn func(T) error) error {
	w := p.workers[p.Route(thread)]
	j := job[T]{fn: fn, done: make(chan error, 1)}

	p.closeMu.RLock()
	if p.closed {
		p.closeMu.RUnlock()
		return errors.ShuttingDown()
	}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		p.closeMu.RUnlock()
		return ctx.Err()
	}
	p.closeMu.RUnlock()

	return <-j.done
}

// Info describes one worker.
type Info struct {
	Index  int         `json:"index"`
	Thread osthread.ID `json:"thread"`
	Queued int         `json:"queued"`
	Ran    uint64      `json:"ran"`
}

// Workers describes every worker.
func (p *Pool[T]) Workers() []Info {
	infos := make([]Info, len(p.workers))
	for i, w := range p.workers {
		infos[i] = Info{
			Index:  w.index,
			Thread: osthread.ID(w.thread.Load()),
			Queued: len(w.jobs),
			Ran:    w.ran.Load(),
		}
	}
	return infos
}

// Close stops accepting work, lets queued jobs finish, and closes every
// instance. It returns the instance close errors.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.closeMu.Unlock()

	p.wg.Wait()
	p.logger.Debug("worker pool closed")

	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.errs
}
