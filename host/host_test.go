package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/exthost/dispatch"
	exterrors "github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/extension"
	"github.com/wippyai/exthost/lifetime"
	"github.com/wippyai/exthost/resource"
	"github.com/wippyai/exthost/testbed"
)

func newHost(t *testing.T, cfg *Config) *Host {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Extension == nil {
		cfg.Extension = &extension.Config{WIT: testbed.WIT}
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	h, err := New(context.Background(), testbed.Module(testbed.ABI), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func process(t *testing.T, h *Host, call *dispatch.Call) *dispatch.Result {
	t.Helper()
	res, err := h.Process(context.Background(), call)
	if err != nil {
		t.Fatalf("%s %s: %v", call.Kind, call.Function, err)
	}
	return res
}

func assertKind(t *testing.T, err error, kind exterrors.Kind) *exterrors.Error {
	t.Helper()
	var e *exterrors.Error
	if !errors.As(err, &e) || e.Kind != kind {
		t.Fatalf("err = %v, want %s", err, kind)
	}
	return e
}

func TestNew_ABIMismatchIsFatal(t *testing.T) {
	_, err := New(context.Background(), testbed.Module("2.0.0"), nil)
	e := assertKind(t, err, exterrors.KindABIMismatch)
	if !e.Fatal() {
		t.Fatal("ABI mismatch must be fatal")
	}
}

func TestProcess_ImplicitScope(t *testing.T) {
	h := newHost(t, nil)

	res := process(t, h, &dispatch.Call{Kind: dispatch.KindCall, Function: "open", Args: []any{5}, Thread: 1})
	if res.Scope == "" || len(res.Values) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Owned) != 0 {
		t.Fatalf("implicit call handed out %v", res.Owned)
	}
	if live := h.Scopes().Live(); live != 0 {
		t.Fatalf("implicit scope still live: %d", live)
	}
	if active := h.Lifetime().Active(); active != 0 {
		t.Fatalf("Active = %d", active)
	}
}

func TestProcess_ExplicitScope(t *testing.T) {
	h := newHost(t, nil)
	const thread = 4

	begun := process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: thread})
	if begun.Scope == "" {
		t.Fatal("begin returned no scope token")
	}

	res := process(t, h, &dispatch.Call{Function: "open", Args: []any{1}, Thread: thread})
	if res.Scope != begun.Scope {
		t.Fatalf("call ran in scope %q, want %q", res.Scope, begun.Scope)
	}
	if len(res.Owned) != 1 {
		t.Fatalf("owned = %v", res.Owned)
	}
	owned := res.Owned[0]

	// the guest can still use the handle within the scope
	shared := process(t, h, &dispatch.Call{Function: "share", Args: []any{owned}, Thread: thread})
	if len(shared.Owned) != 1 || shared.Owned[0] != owned {
		t.Fatalf("share owned = %v", shared.Owned)
	}

	for _, hd := range []uint32{owned, owned} {
		process(t, h, &dispatch.Call{Kind: dispatch.KindRelease, Handle: hd, Thread: thread})
	}
	_, err := h.Process(context.Background(), &dispatch.Call{Kind: dispatch.KindRelease, Handle: owned, Thread: thread})
	assertKind(t, err, exterrors.KindDoubleRelease)

	process(t, h, &dispatch.Call{Kind: dispatch.KindEnd, Thread: thread})
	if h.Scopes().Live() != 0 {
		t.Fatal("scope survived end")
	}

	_, err = h.Process(context.Background(), &dispatch.Call{Kind: dispatch.KindRelease, Handle: owned, Thread: thread})
	assertKind(t, err, exterrors.KindTerminated)
}

func TestProcess_ByRef(t *testing.T) {
	h := newHost(t, nil)
	process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: 2})

	opened := process(t, h, &dispatch.Call{Function: "open", Args: []any{1}, Thread: 2})
	h1 := opened.Owned[0]

	res := process(t, h, &dispatch.Call{Function: "swap", Args: []any{h1, 9}, ByRef: []int{0}, Thread: 2})
	h2, ok := res.Refs[0].(uint32)
	if !ok || h2 == h1 {
		t.Fatalf("refs = %v", res.Refs)
	}

	steps := []struct {
		name   string
		handle uint32
		kind   exterrors.Kind
	}{
		{"replacement", h2, ""},
		{"replacement again", h2, exterrors.KindDoubleRelease},
		{"old value", h1, exterrors.KindDoubleRelease},
	}
	for _, step := range steps {
		_, err := h.Process(context.Background(), &dispatch.Call{Kind: dispatch.KindRelease, Handle: step.handle, Thread: 2})
		if step.kind == "" {
			if err != nil {
				t.Fatalf("release %s: %v", step.name, err)
			}
			continue
		}
		assertKind(t, err, step.kind)
	}

	s := h.Scopes().Current(2)
	if s == nil {
		t.Fatal("scope ended early")
	}
	// the guest's references survive the caller's releases
	for _, hd := range []uint32{h1, h2} {
		if refs := s.Registry().Refs(resource.Handle(hd)); refs != 1 {
			t.Errorf("refs(%d) = %d, want 1", hd, refs)
		}
	}
}

func TestProcess_ErrorsKeepCountersBalanced(t *testing.T) {
	h := newHost(t, nil)
	ctx := context.Background()

	_, err := h.Process(ctx, &dispatch.Call{Function: "boom", Thread: 3})
	e := assertKind(t, err, exterrors.KindTrap)
	if e.Thread != 3 || e.Function != "boom" {
		t.Errorf("trap error thread %d function %q", e.Thread, e.Function)
	}

	_, err = h.Process(ctx, &dispatch.Call{Function: "missing", Thread: 3})
	assertKind(t, err, exterrors.KindNotFound)

	_, err = h.Process(ctx, &dispatch.Call{Kind: "dance", Thread: 3})
	assertKind(t, err, exterrors.KindInvalidInput)

	if active := h.Lifetime().Active(); active != 0 {
		t.Fatalf("Active = %d after failures", active)
	}
	if h.Scopes().Live() != 0 {
		t.Fatal("implicit scopes leaked after failures")
	}
}

func TestProcess_Takeover(t *testing.T) {
	h := newHost(t, nil)
	first := process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: 8})
	process(t, h, &dispatch.Call{Function: "open", Args: []any{1}, Thread: 8})
	second := process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: 8})

	if first.Scope == second.Scope {
		t.Fatal("begin reused the stale scope")
	}
	if n := h.Scopes().Takeovers(); n != 1 {
		t.Fatalf("Takeovers = %d", n)
	}
	if h.Scopes().Live() != 1 {
		t.Fatalf("Live = %d", h.Scopes().Live())
	}
}

func TestProcess_Stats(t *testing.T) {
	h := newHost(t, &Config{Workers: 3})
	process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: 1})

	res := process(t, h, &dispatch.Call{Kind: dispatch.KindStats})
	stats, ok := res.Stats.(Stats)
	if !ok {
		t.Fatalf("stats = %T", res.Stats)
	}
	if stats.ABI != testbed.ABI || len(stats.Workers) != 3 || len(stats.Scopes) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	// the stats call itself is in flight
	if stats.Lifetime.Active != 1 {
		t.Errorf("Active = %d, want 1", stats.Lifetime.Active)
	}
	if len(h.Exports()) != 6 {
		t.Errorf("exports = %d", len(h.Exports()))
	}
}

func TestProcess_Concurrent(t *testing.T) {
	h := newHost(t, &Config{Workers: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	for thread := uint64(1); thread <= 16; thread++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Process(ctx, &dispatch.Call{Kind: dispatch.KindBegin, Thread: thread})
			for i := 0; i < 10; i++ {
				res, err := h.Process(ctx, &dispatch.Call{Function: "open", Args: []any{i}, Thread: thread})
				if err != nil {
					t.Error(err)
					return
				}
				if i%3 == 0 {
					h.Process(ctx, &dispatch.Call{Function: "boom", Thread: thread})
				}
				h.Process(ctx, &dispatch.Call{Kind: dispatch.KindRelease, Handle: res.Owned[0], Thread: thread})
			}
			h.Process(ctx, &dispatch.Call{Kind: dispatch.KindEnd, Thread: thread})
		}()
	}
	wg.Wait()

	if active := h.Lifetime().Active(); active != 0 {
		t.Fatalf("Active = %d", active)
	}
	if live := h.Scopes().Live(); live != 0 {
		t.Fatalf("Live = %d", live)
	}
}

func TestShutdown_WaitsForScopes(t *testing.T) {
	h := newHost(t, &Config{ShutdownInterval: 5 * time.Millisecond})
	process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: 1})

	done := make(chan lifetime.Reason, 1)
	go func() {
		reason, _ := h.Lifetime().WaitForIdleOrShutdown(context.Background(), -1)
		done <- reason
	}()
	h.Shutdown()

	select {
	case <-done:
		t.Fatal("wait returned while a scope was live")
	case <-time.After(30 * time.Millisecond):
	}

	process(t, h, &dispatch.Call{Kind: dispatch.KindEnd, Thread: 1})
	select {
	case reason := <-done:
		if reason != lifetime.ReasonShutdown {
			t.Fatalf("reason = %s", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after the scope ended")
	}
}

func TestReaper_EndsIdleScopes(t *testing.T) {
	h := newHost(t, &Config{ScopeIdle: 20 * time.Millisecond})
	process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: 1})
	process(t, h, &dispatch.Call{Function: "open", Args: []any{1}, Thread: 1})

	deadline := time.Now().Add(2 * time.Second)
	for h.Scopes().Live() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle scope was not reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReaper_SkipsScopeUsedAfterSelection(t *testing.T) {
	h := newHost(t, nil)
	ctx := context.Background()
	const maxIdle = 200 * time.Millisecond

	process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: 5})
	first := process(t, h, &dispatch.Call{Function: "open", Args: []any{1}, Thread: 5})
	time.Sleep(maxIdle + 50*time.Millisecond)

	idle := h.Scopes().Idle(maxIdle)
	if len(idle) != 1 {
		t.Fatalf("idle = %d, want 1", len(idle))
	}
	// a call runs between selection and the reaper's job on the worker
	second := process(t, h, &dispatch.Call{Function: "open", Args: []any{2}, Thread: 5})

	if err := h.reapOnWorker(ctx, maxIdle)(idle[0]); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if idle[0].Terminated() {
		t.Fatal("scope reaped right after a call used it")
	}
	for _, hd := range []uint32{first.Owned[0], second.Owned[0]} {
		process(t, h, &dispatch.Call{Kind: dispatch.KindRelease, Handle: hd, Thread: 5})
	}
}

func TestClose_RacingBegin(t *testing.T) {
	h := newHost(t, &Config{Workers: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for thread := uint64(1); thread <= 8; thread++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				if _, err := h.Process(ctx, &dispatch.Call{Kind: dispatch.KindBegin, Thread: thread}); err != nil {
					return
				}
			}
		}()
	}
	close(start)
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if live := h.Scopes().Live(); live != 0 {
		t.Fatalf("Live = %d after Close", live)
	}
}

func TestClose(t *testing.T) {
	h := newHost(t, nil)
	for thread := uint64(1); thread <= 3; thread++ {
		process(t, h, &dispatch.Call{Kind: dispatch.KindBegin, Thread: thread})
		process(t, h, &dispatch.Call{Function: "open", Args: []any{1}, Thread: thread})
	}

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.Scopes().Live() != 0 {
		t.Fatalf("Live = %d after Close", h.Scopes().Live())
	}
	if !h.Lifetime().ShuttingDown() {
		t.Fatal("Close did not request shutdown")
	}

	_, err := h.Process(context.Background(), &dispatch.Call{Function: "open", Args: []any{1}, Thread: 1})
	assertKind(t, err, exterrors.KindShuttingDown)
	if active := h.Lifetime().Active(); active != 0 {
		t.Fatalf("Active = %d", active)
	}

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
