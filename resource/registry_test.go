package resource

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	exterrors "github.com/wippyai/exthost/errors"
)

type countingDtor struct {
	calls atomic.Int32
	err   error
}

func (c *countingDtor) fn(Handle, any) error {
	c.calls.Add(1)
	return c.err
}

func TestRegistry_Basic(t *testing.T) {
	r := NewRegistry()
	d := &countingDtor{}

	h, err := r.Insert(1, "test value", d.fn)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := r.Get(h)
	if !ok {
		t.Fatal("Get failed")
	}
	if val != "test value" {
		t.Fatalf("Expected 'test value', got %v", val)
	}
	if refs := r.Refs(h); refs != 1 {
		t.Fatalf("Expected refs 1, got %d", refs)
	}

	destroyed, err := r.Release(h)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !destroyed {
		t.Fatal("Expected last release to destroy")
	}
	if d.calls.Load() != 1 {
		t.Fatalf("Expected destructor once, got %d", d.calls.Load())
	}

	if _, ok := r.Get(h); ok {
		t.Fatal("Expected Get to fail after release")
	}
}

// Register R with refcount 1, addref, then release twice: the destructor
// fires exactly once, on the second release.
func TestRegistry_AddRefReleaseTwice(t *testing.T) {
	r := NewRegistry()
	d := &countingDtor{}

	const R Handle = 40
	if err := r.Register(R, 2, "res", d.fn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.AddRef(R); err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}

	destroyed, err := r.Release(R)
	if err != nil || destroyed {
		t.Fatalf("first Release: destroyed=%v err=%v", destroyed, err)
	}
	if d.calls.Load() != 0 {
		t.Fatal("destructor ran before the last release")
	}

	destroyed, err = r.Release(R)
	if err != nil || !destroyed {
		t.Fatalf("second Release: destroyed=%v err=%v", destroyed, err)
	}
	if d.calls.Load() != 1 {
		t.Fatalf("Expected destructor once, got %d", d.calls.Load())
	}
}

func TestRegistry_Misuse(t *testing.T) {
	if strict {
		t.Skip("debug build panics on misuse")
	}
	r := NewRegistry()
	d := &countingDtor{}

	h, _ := r.Insert(1, "x", d.fn)
	if _, err := r.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	_, err := r.Release(h)
	if !errors.Is(err, &exterrors.Error{Phase: exterrors.PhaseRegistry, Kind: exterrors.KindDoubleRelease}) {
		t.Fatalf("Expected double release error, got %v", err)
	}

	_, err = r.Release(999)
	if !errors.Is(err, &exterrors.Error{Phase: exterrors.PhaseRegistry, Kind: exterrors.KindNotFound}) {
		t.Fatalf("Expected not found error, got %v", err)
	}

	if err := r.AddRef(999); err == nil {
		t.Fatal("Expected AddRef on unknown handle to fail")
	}
	if d.calls.Load() != 1 {
		t.Fatalf("misuse must not run destructors again, got %d", d.calls.Load())
	}
}

func TestRegistry_RegisterConflicts(t *testing.T) {
	if strict {
		t.Skip("debug build panics on misuse")
	}
	r := NewRegistry()

	if err := r.Register(0, 1, "x", nil); err == nil {
		t.Fatal("handle 0 must be rejected")
	}
	if err := r.Register(5, 1, "x", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(5, 1, "y", nil); err == nil {
		t.Fatal("duplicate Register must fail")
	}

	// Insert skips handles taken by Register.
	h, _ := r.Insert(1, "z", nil)
	if h == 5 {
		t.Fatal("Insert reused a live handle")
	}
}

func TestRegistry_CloseForceReleases(t *testing.T) {
	r := NewRegistry()
	d := &countingDtor{}

	h1, _ := r.Insert(1, "a", d.fn)
	r.Insert(1, "b", d.fn)
	r.Insert(1, "c", d.fn)
	r.AddRef(h1)
	r.AddRef(h1)

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if d.calls.Load() != 3 {
		t.Fatalf("Expected 3 destructor calls, got %d", d.calls.Load())
	}
	if r.Len() != 0 {
		t.Fatalf("Expected empty registry, got %d", r.Len())
	}

	// Second close and late releases are no-ops.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := r.Release(h1); err != nil {
		t.Fatalf("Release after Close should be a no-op, got %v", err)
	}
	if d.calls.Load() != 3 {
		t.Fatalf("destructors re-ran: %d", d.calls.Load())
	}

	if _, err := r.Insert(1, "late", nil); err == nil {
		t.Fatal("Insert after Close must fail")
	}
}

func TestRegistry_CloseContinuesAfterFailures(t *testing.T) {
	r := NewRegistry()
	var ran atomic.Int32
	boom := errors.New("close failed")

	r.Insert(1, "ok", func(Handle, any) error { ran.Add(1); return nil })
	r.Insert(1, "err", func(Handle, any) error { ran.Add(1); return boom })
	r.Insert(1, "panic", func(Handle, any) error { ran.Add(1); panic("destructor bug") })
	r.Insert(1, "ok2", func(Handle, any) error { ran.Add(1); return nil })

	err := r.Close()
	if err == nil {
		t.Fatal("Expected combined teardown error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("combined error should include destructor error: %v", err)
	}
	if !errors.Is(err, &exterrors.Error{Phase: exterrors.PhaseTeardown, Kind: exterrors.KindDestructor}) {
		t.Errorf("combined error should be a teardown error: %v", err)
	}
	if ran.Load() != 4 {
		t.Fatalf("Expected all 4 destructors to run, got %d", ran.Load())
	}
}

type dropper struct{ dropped int }

func (d *dropper) Drop() { d.dropped++ }

func TestRegistry_Dropper(t *testing.T) {
	r := NewRegistry()
	v := &dropper{}
	h, _ := r.Insert(3, v, nil)
	r.Release(h)
	if v.dropped != 1 {
		t.Fatalf("Expected Drop once, got %d", v.dropped)
	}
}

func TestRegistry_Observer(t *testing.T) {
	r := NewRegistry()
	var events []EventType
	stop := r.Subscribe(ObserverFunc(func(e Event) {
		events = append(events, e.Type)
	}))

	h, _ := r.Insert(1, "a", nil)
	r.AddRef(h)
	r.Release(h)
	r.Release(h)

	want := []EventType{EventRegistered, EventAddRef, EventReleased, EventDestroyed}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %v, want %v", i, events[i], want[i])
		}
	}

	stop()
	r.Insert(1, "b", nil)
	if len(events) != len(want) {
		t.Fatal("observer notified after unsubscribe")
	}
}

func TestRegistry_ForcedEvent(t *testing.T) {
	r := NewRegistry()
	var forced int
	r.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == EventDestroyed && e.Forced {
			forced++
		}
	}))
	r.Insert(1, "a", nil)
	r.Insert(1, "b", nil)
	r.Close()
	if forced != 2 {
		t.Fatalf("Expected 2 forced destroy events, got %d", forced)
	}
}

func TestRegistry_DestructorMayReenter(t *testing.T) {
	r := NewRegistry()
	inner, _ := r.Insert(1, "inner", nil)
	outer, _ := r.Insert(1, "outer", func(Handle, any) error {
		_, err := r.Release(inner)
		return err
	})

	if _, err := r.Release(outer); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Expected both released, got %d live", r.Len())
	}
}

func TestRegistry_Each(t *testing.T) {
	r := NewRegistry()
	r.Insert(1, "a", nil)
	r.Insert(2, "b", nil)
	r.Insert(1, "c", nil)

	var got []any
	r.Each(func(h Handle, typeID uint32, value any) bool {
		got = append(got, value)
		return true
	})
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("Each order = %v", got)
	}

	count := 0
	r.Each(func(Handle, uint32, any) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("Expected early termination after 1, got %d", count)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	d := &countingDtor{}
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h, err := r.Insert(1, id, d.fn)
			if err != nil {
				t.Errorf("Insert: %v", err)
				return
			}
			r.AddRef(h)
			r.Release(h)
			r.Release(h)
		}(i)
	}

	wg.Wait()
	if d.calls.Load() != 100 {
		t.Fatalf("Expected 100 destructor calls, got %d", d.calls.Load())
	}
}

func TestRegistry_CloseRacesRelease(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := NewRegistry()
		d := &countingDtor{}
		handles := make([]Handle, 20)
		for i := range handles {
			handles[i], _ = r.Insert(1, i, d.fn)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, h := range handles {
				r.Release(h)
			}
		}()
		go func() {
			defer wg.Done()
			r.Close()
		}()
		wg.Wait()

		if got := d.calls.Load(); got != int32(len(handles)) {
			t.Fatalf("round %d: destructor calls = %d, want %d", round, got, len(handles))
		}
	}
}
