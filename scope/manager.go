package scope

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/osthread"
)

// TokenSource produces per-scope correlation tokens.
type TokenSource func() (string, error)

// UUIDTokens returns random UUIDv4 tokens.
func UUIDTokens() TokenSource {
	return func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}
}

// Config holds manager configuration.
type Config struct {
	Tokens TokenSource
	Logger *zap.Logger
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Manager maps threads to their live scope. Its lock is held only while the
// map is read or written, never while a scope executes or tears down.
type Manager struct {
	scopes    map[osthread.ID]*Scope
	tokens    TokenSource
	logger    *zap.Logger
	now       func() time.Time
	takeovers atomic.Int64
	mu        sync.RWMutex
}

// NewManager creates a manager.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	m := &Manager{
		scopes: make(map[osthread.ID]*Scope),
		tokens: cfg.Tokens,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if m.tokens == nil {
		m.tokens = UUIDTokens()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Begin starts an explicit scope for thread. A live scope already bound to
// the thread is terminated; its teardown errors are logged, not returned.
// Begin fails only when no correlation token can be obtained, which is fatal.
func (m *Manager) Begin(thread osthread.ID) (*Scope, error) {
	return m.begin(thread, false)
}

// Acquire returns the live scope for thread, beginning an implicit one when
// there is none. created reports whether a scope was begun.
func (m *Manager) Acquire(thread osthread.ID) (s *Scope, created bool, err error) {
	if s := m.Current(thread); s != nil {
		s.Touch()
		return s, false, nil
	}
	s, err = m.begin(thread, true)
	return s, err == nil, err
}

func (m *Manager) begin(thread osthread.ID, implicit bool) (*Scope, error) {
	token, err := m.tokens()
	if err != nil {
		return nil, errors.Fatal(errors.PhaseScope, "correlation token unavailable", err)
	}

	s := newScope(m, thread, token, implicit)

	m.mu.Lock()
	stale := m.scopes[thread]
	m.scopes[thread] = s
	m.mu.Unlock()

	if stale != nil && !stale.Terminated() {
		n := m.takeovers.Add(1)
		m.logger.Warn("scope taken over",
			zap.Stringer("thread", thread),
			zap.String("stale", stale.Token()),
			zap.String("scope", token),
			zap.String("function", stale.Invocation().Function),
			zap.Int64("takeovers", n))
		if err := stale.End(); err != nil {
			m.logger.Warn("stale scope teardown failed", zap.String("scope", stale.Token()), zap.Error(err))
		}
	}

	m.logger.Debug("scope begun",
		zap.Stringer("thread", thread),
		zap.String("scope", token),
		zap.Bool("implicit", implicit))
	return s, nil
}

// Current returns the live scope for thread, or nil.
func (m *Manager) Current(thread osthread.ID) *Scope {
	m.mu.RLock()
	s := m.scopes[thread]
	m.mu.RUnlock()
	if s == nil || s.Terminated() {
		return nil
	}
	return s
}

// EndThread ends the live scope of thread. Ending a thread without a scope is
// a no-op.
func (m *Manager) EndThread(thread osthread.ID) error {
	m.mu.RLock()
	s := m.scopes[thread]
	m.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.End()
}

// detach removes s if it is still the scope bound to its thread.
func (m *Manager) detach(s *Scope) {
	m.mu.Lock()
	if m.scopes[s.thread] == s {
		delete(m.scopes, s.thread)
	}
	m.mu.Unlock()
}

// Live returns the number of scopes not yet torn down.
func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scopes)
}

// Takeovers returns how many scopes were terminated by a newer Begin on the
// same thread.
func (m *Manager) Takeovers() int64 {
	return m.takeovers.Load()
}

// EndFunc tears down one scope. Hosts whose destructors must run on a
// particular thread pass one that routes (*Scope).End there.
type EndFunc func(*Scope) error

func endDirect(s *Scope) error { return s.End() }

// Idle returns the scopes that saw no call for longer than maxIdle.
func (m *Manager) Idle(maxIdle time.Duration) []*Scope {
	var idle []*Scope
	for _, s := range m.snapshot() {
		if m.stale(s, maxIdle) {
			idle = append(idle, s)
		}
	}
	return idle
}

func (m *Manager) stale(s *Scope, maxIdle time.Duration) bool {
	return s.LastUsed().Before(m.now().Add(-maxIdle))
}

// EndIfIdle ends s unless it saw a call within maxIdle. A scope selected by
// ReapIdle can be used again before its routed end runs; this is the check
// the routed end makes.
func (m *Manager) EndIfIdle(s *Scope, maxIdle time.Duration) error {
	if !m.stale(s, maxIdle) {
		m.logger.Debug("idle scope used again, not reaped",
			zap.Stringer("thread", s.Thread()),
			zap.String("scope", s.Token()))
		return nil
	}
	m.logger.Info("reaping idle scope",
		zap.Stringer("thread", s.Thread()),
		zap.String("scope", s.Token()),
		zap.Time("last_used", s.LastUsed()))
	return s.End()
}

// ReapIdle ends scopes that saw no call for longer than maxIdle. end routes
// each selected scope and must call EndIfIdle; nil calls it directly. It
// returns the number of scopes ended.
func (m *Manager) ReapIdle(maxIdle time.Duration, end EndFunc) int {
	if end == nil {
		end = func(s *Scope) error { return m.EndIfIdle(s, maxIdle) }
	}
	n := 0
	for _, s := range m.Idle(maxIdle) {
		if err := end(s); err != nil {
			m.logger.Warn("reaped scope teardown failed", zap.String("scope", s.Token()), zap.Error(err))
		}
		if s.Terminated() {
			n++
		}
	}
	return n
}

// EndAll ends every live scope with end, or (*Scope).End when end is nil.
// Every scope is attempted; the errors are combined.
func (m *Manager) EndAll(end EndFunc) error {
	if end == nil {
		end = endDirect
	}
	var errs error
	for _, s := range m.snapshot() {
		errs = multierr.Append(errs, end(s))
	}
	return errs
}

// Info describes a live scope.
type Info struct {
	Created     time.Time      `json:"created"`
	LastUsed    time.Time      `json:"last_used"`
	Token       string         `json:"token"`
	Function    string         `json:"function,omitempty"`
	Thread      osthread.ID    `json:"thread"`
	Types       map[uint32]int `json:"types,omitempty"`
	Resources   int            `json:"resources"`
	Outstanding int            `json:"outstanding"`
	Implicit    bool           `json:"implicit"`
}

// List describes every live scope, ordered by thread.
func (m *Manager) List() []Info {
	scopes := m.snapshot()
	infos := make([]Info, 0, len(scopes))
	for _, s := range scopes {
		types := s.ResourceTypes()
		n := 0
		for _, c := range types {
			n += c
		}
		infos = append(infos, Info{
			Created:     s.Created(),
			LastUsed:    s.LastUsed(),
			Token:       s.Token(),
			Function:    s.Invocation().Function,
			Thread:      s.Thread(),
			Types:       types,
			Resources:   n,
			Outstanding: s.Outstanding(),
			Implicit:    s.Implicit(),
		})
	}
	return infos
}

func (m *Manager) snapshot() []*Scope {
	m.mu.RLock()
	scopes := make([]*Scope, 0, len(m.scopes))
	for _, s := range m.scopes {
		scopes = append(scopes, s)
	}
	m.mu.RUnlock()
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].thread < scopes[j].thread })
	return scopes
}
