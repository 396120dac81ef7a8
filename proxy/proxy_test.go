package proxy

import (
	"errors"
	"sync"
	"testing"

	exterrors "github.com/wippyai/exthost/errors"
)

func TestSend_ReleaseExactlyOnce(t *testing.T) {
	var freed int
	v := NewCounted("payload", func(string) { freed++ })

	p := Send(v)
	if p.Ownership() != Owned {
		t.Fatalf("Ownership = %v, want owned", p.Ownership())
	}
	if v.Refs() != 2 {
		t.Fatalf("Refs after Send = %d, want 2", v.Refs())
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if v.Refs() != 1 {
		t.Fatalf("Refs after Release = %d, want 1", v.Refs())
	}

	err := p.Release()
	if !errors.Is(err, &exterrors.Error{Phase: exterrors.PhaseProxy, Kind: exterrors.KindDoubleRelease}) {
		t.Fatalf("second Release = %v, want double release", err)
	}
	if v.Refs() != 1 {
		t.Fatalf("double release changed count to %d", v.Refs())
	}

	v.Release()
	if freed != 1 || !v.Freed() {
		t.Fatalf("freed = %d", freed)
	}
}

func TestBorrow_NeverTouchesCount(t *testing.T) {
	v := NewCounted(7, nil)
	p := Borrow(v)

	if v.Refs() != 1 {
		t.Fatalf("Borrow changed count to %d", v.Refs())
	}
	err := p.Release()
	if !errors.Is(err, &exterrors.Error{Phase: exterrors.PhaseProxy, Kind: exterrors.KindBorrowedRelease}) {
		t.Fatalf("Release of borrowed = %v", err)
	}
	if v.Refs() != 1 {
		t.Fatalf("borrowed release changed count to %d", v.Refs())
	}
}

func TestSend_ConcurrentRelease(t *testing.T) {
	v := NewCounted(0, nil)
	p := Send(v)

	var wg sync.WaitGroup
	var okCount int32
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Release() == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if okCount != 1 {
		t.Fatalf("successful releases = %d, want 1", okCount)
	}
	if v.Refs() != 1 {
		t.Fatalf("Refs = %d, want 1", v.Refs())
	}
}

// A by-ref argument holding owned V1 is replaced by V2 during the call:
// after return V1 lost one reference and V2 gained one.
func TestRef_Replaced(t *testing.T) {
	v1 := NewCounted("old", nil)
	v2 := NewCounted("new", nil)
	p := Send(v1) // crossing: v1 = 2

	ref := NewRef(p.Value())
	ref.Set(v2)

	before1, before2 := v1.Refs(), v2.Refs()
	ref.Complete()

	if got := v1.Refs(); got != before1-1 {
		t.Fatalf("v1 refs = %d, want %d", got, before1-1)
	}
	if got := v2.Refs(); got != before2+1 {
		t.Fatalf("v2 refs = %d, want %d", got, before2+1)
	}
	if ref.Current() != Value(v2) {
		t.Fatal("Current should be the replacement")
	}

	ref.Complete()
	if v1.Refs() != before1-1 || v2.Refs() != before2+1 {
		t.Fatal("Complete must run once")
	}
}

func TestRef_Unmodified(t *testing.T) {
	var freed bool
	v := NewCounted("same", func(string) { freed = true })

	ref := NewRef(v)
	ref.Complete()

	if freed {
		t.Fatal("self-assignment must not free the value")
	}
	if v.Refs() != 1 {
		t.Fatalf("Refs = %d, want 1", v.Refs())
	}
}

func TestRef_NilReplacement(t *testing.T) {
	v := NewCounted("x", nil)
	ref := NewRef(v)
	ref.Set(nil)
	ref.Complete()
	if !v.Freed() {
		t.Fatal("clearing the slot should drop the old reference")
	}
}

func TestTracker(t *testing.T) {
	var tr Tracker
	a := NewCounted("a", nil)
	b := NewCounted("b", nil)
	c := NewCounted("c", nil)

	pa := tr.Track(Send(a))
	tr.Track(Send(b))
	tr.Track(Borrow(c))

	if tr.Outstanding() != 2 {
		t.Fatalf("Outstanding = %d, want 2", tr.Outstanding())
	}

	pa.Release()
	if tr.Outstanding() != 1 {
		t.Fatalf("Outstanding = %d, want 1", tr.Outstanding())
	}

	if leaked := tr.ReleaseOutstanding(); leaked != 1 {
		t.Fatalf("leaked = %d, want 1", leaked)
	}
	if a.Refs() != 1 || b.Refs() != 1 || c.Refs() != 1 {
		t.Fatalf("refs a=%d b=%d c=%d, want 1 each", a.Refs(), b.Refs(), c.Refs())
	}
	if tr.Outstanding() != 0 {
		t.Fatal("tracker should be empty")
	}
}
