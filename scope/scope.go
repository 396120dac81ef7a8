package scope

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/osthread"
	"github.com/wippyai/exthost/proxy"
	"github.com/wippyai/exthost/resource"
)

// State is the lifecycle state of a scope. There is no way back from
// StateTerminated.
type State uint32

const (
	StateUninitialized State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Invocation describes what is executing inside a scope.
type Invocation struct {
	Function      string
	DeclaringType string
	Args          []any
	ArgCount      int
}

// Scope is the state of one logical call. Its internals are touched by the
// owning worker; End may run from any goroutine.
type Scope struct {
	manager  *Manager
	logger   *zap.Logger
	registry *resource.Registry
	given    map[resource.Handle][]*proxy.Proxy
	done     chan struct{}
	created  time.Time
	token    string
	inv      Invocation
	tracker  proxy.Tracker
	thread   osthread.ID
	lastUsed atomic.Int64
	state    atomic.Uint32
	ending   atomic.Bool
	mu       sync.Mutex
	implicit bool
}

func newScope(m *Manager, thread osthread.ID, token string, implicit bool) *Scope {
	now := m.now()
	s := &Scope{
		manager:  m,
		registry: resource.NewRegistry(),
		given:    make(map[resource.Handle][]*proxy.Proxy),
		done:     make(chan struct{}),
		created:  now,
		token:    token,
		thread:   thread,
		implicit: implicit,
	}
	s.logger = m.logger.With(zap.Stringer("thread", thread), zap.String("scope", token))
	s.registry.Subscribe(resource.ObserverFunc(s.onResourceEvent))
	s.lastUsed.Store(now.UnixNano())
	s.state.Store(uint32(StateActive))
	return s
}

// Token returns the scope's correlation token.
func (s *Scope) Token() string { return s.token }

// Thread returns the thread the scope belongs to.
func (s *Scope) Thread() osthread.ID { return s.thread }

// Implicit reports whether the scope was begun by a call rather than by an
// explicit begin, in which case it ends when that call returns.
func (s *Scope) Implicit() bool { return s.implicit }

func (s *Scope) State() State { return State(s.state.Load()) }

func (s *Scope) Terminated() bool { return s.State() == StateTerminated }

// Created returns when the scope began.
func (s *Scope) Created() time.Time { return s.created }

// LastUsed returns when the scope last saw a call.
func (s *Scope) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// Touch records activity on the scope.
func (s *Scope) Touch() {
	s.lastUsed.Store(s.manager.now().UnixNano())
}

// Registry returns the scope's resource registry.
func (s *Scope) Registry() *resource.Registry { return s.registry }

// SetInvocationContext records what is about to execute. The argument
// snapshot is cleared; use SetArgs to record one.
func (s *Scope) SetInvocationContext(function string, argCount int, declaringType string) {
	s.mu.Lock()
	s.inv = Invocation{Function: function, ArgCount: argCount, DeclaringType: declaringType}
	s.mu.Unlock()
}

// SetArgs records the argument snapshot of the current invocation.
func (s *Scope) SetArgs(args []any) {
	snapshot := append([]any(nil), args...)
	s.mu.Lock()
	s.inv.Args = snapshot
	s.inv.ArgCount = len(snapshot)
	s.mu.Unlock()
}

// Invocation returns a copy of the current invocation context.
func (s *Scope) Invocation() Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.inv
	inv.Args = append([]any(nil), s.inv.Args...)
	return inv
}

// RegisterResource adds a resource under an id chosen by the caller.
func (s *Scope) RegisterResource(h resource.Handle, typeID uint32, value any, dtor resource.Destructor) error {
	return s.registry.Register(h, typeID, value, dtor)
}

// NewResource adds a resource under a fresh id.
func (s *Scope) NewResource(typeID uint32, value any, dtor resource.Destructor) (resource.Handle, error) {
	return s.registry.Insert(typeID, value, dtor)
}

func (s *Scope) AddRefResource(h resource.Handle) error {
	return s.registry.AddRef(h)
}

// ReleaseResource drops one reference and reports whether the destructor ran.
func (s *Scope) ReleaseResource(h resource.Handle) (bool, error) {
	return s.registry.Release(h)
}

// Resource returns the value registered under h.
func (s *Scope) Resource(h resource.Handle) (any, bool) {
	return s.registry.Get(h)
}

// HandleValue adapts a registry entry to proxy.Value so it can cross the
// boundary under the proxy contract.
func (s *Scope) HandleValue(h resource.Handle) proxy.Value {
	return handleValue{reg: s.registry, h: h}
}

// Give hands h to the caller as an owned value: the handle gains a reference
// which the caller must drop with Return. A handle given twice must be
// returned twice.
func (s *Scope) Give(h resource.Handle) error {
	if _, ok := s.registry.Get(h); !ok {
		return errors.UnknownHandle(uint32(h))
	}
	p := s.tracker.Track(proxy.Send(s.HandleValue(h)))

	s.mu.Lock()
	s.given[h] = append(s.given[h], p)
	s.mu.Unlock()
	return nil
}

// Return drops one reference the caller received with Give.
func (s *Scope) Return(h resource.Handle) error {
	s.mu.Lock()
	stack, ok := s.given[h]
	var p *proxy.Proxy
	if n := len(stack); n > 0 {
		p = stack[n-1]
		s.given[h] = stack[:n-1]
	}
	s.mu.Unlock()

	switch {
	case p != nil:
		return p.Release()
	case ok:
		return errors.DoubleRelease(errors.PhaseProxy, uint32(h))
	default:
		return errors.New(errors.PhaseProxy, errors.KindNotFound).
			Handle(uint32(h)).
			Detail("handle was not given to the caller").
			Build()
	}
}

// Held returns how many references to h the caller holds through Give.
func (s *Scope) Held(h resource.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.given[h])
}

// CallerValue adapts a caller-held reference to proxy.Value. Unlike
// HandleValue its AddRef and Release go through Give and Return, so a
// by-ref slot that swaps values keeps the caller's records in step.
func (s *Scope) CallerValue(h resource.Handle) proxy.Value {
	return callerValue{s: s, h: h}
}

// Outstanding returns how many owned values the caller still holds.
func (s *Scope) Outstanding() int {
	return s.tracker.Outstanding()
}

// End tears the scope down. It is idempotent and safe to call concurrently
// and from any goroutine: teardown runs once, later callers wait for it to
// finish and get nil, so End must not be called from one of the scope's own
// destructors. Teardown order is leaked proxies, registry, manager detach,
// then the terminated mark. Destructor errors go to the first caller.
func (s *Scope) End() error {
	if !s.ending.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}
	defer close(s.done)

	// Leaked proxies hold registry references; drop them before the registry
	// force-releases what is left so destructors see the right counts.
	if leaked := s.tracker.ReleaseOutstanding(); leaked > 0 {
		s.logger.Warn("caller leaked owned values", zap.Int("count", leaked))
	}
	s.mu.Lock()
	clear(s.given)
	s.mu.Unlock()

	var errs error
	if err := s.registry.Close(); err != nil {
		errs = multierr.Append(errs, err)
		s.logger.Warn("scope teardown errors", zap.Error(err))
	}

	s.manager.detach(s)
	s.state.Store(uint32(StateTerminated))

	s.logger.Debug("scope ended", zap.Duration("age", s.manager.now().Sub(s.created)))
	return errs
}

// onResourceEvent logs destroys: failed destructors, and resources still
// live when the scope ended.
func (s *Scope) onResourceEvent(e resource.Event) {
	if e.Type != resource.EventDestroyed {
		return
	}
	switch {
	case e.Err != nil:
		s.logger.Warn("resource destructor failed",
			zap.Uint32("handle", uint32(e.Handle)),
			zap.Uint32("type", e.TypeID),
			zap.Bool("forced", e.Forced),
			zap.Error(e.Err))
	case e.Forced:
		s.logger.Debug("resource released at scope end",
			zap.Uint32("handle", uint32(e.Handle)),
			zap.Uint32("type", e.TypeID))
	}
}

// ResourceTypes counts the scope's live resources by type id.
func (s *Scope) ResourceTypes() map[uint32]int {
	types := make(map[uint32]int)
	s.registry.Each(func(_ resource.Handle, typeID uint32, _ any) bool {
		types[typeID]++
		return true
	})
	return types
}

type handleValue struct {
	reg *resource.Registry
	h   resource.Handle
}

func (v handleValue) AddRef() {
	_ = v.reg.AddRef(v.h)
}

func (v handleValue) Release() bool {
	destroyed, _ := v.reg.Release(v.h)
	return destroyed
}

func (v handleValue) Refs() int32 {
	return v.reg.Refs(v.h)
}

type callerValue struct {
	s *Scope
	h resource.Handle
}

func (v callerValue) AddRef() {
	if err := v.s.Give(v.h); err != nil {
		v.s.logger.Warn("by-ref value not given to caller", zap.Uint32("handle", uint32(v.h)), zap.Error(err))
	}
}

func (v callerValue) Release() bool {
	if err := v.s.Return(v.h); err != nil {
		v.s.logger.Warn("by-ref value not returned by caller", zap.Uint32("handle", uint32(v.h)), zap.Error(err))
		return false
	}
	return v.s.registry.Refs(v.h) == 0
}

func (v callerValue) Refs() int32 {
	return v.s.registry.Refs(v.h)
}
