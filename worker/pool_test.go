package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	exterrors "github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/osthread"
)

type fakeInstance struct {
	id     int
	thread osthread.ID
	busy   atomic.Int32
	closed atomic.Bool
	err    error
}

func (f *fakeInstance) Close(context.Context) error {
	f.closed.Store(true)
	return f.err
}

type factory struct {
	mu        sync.Mutex
	instances []*fakeInstance
	failAt    int
	closeErr  error
}

func (f *factory) new(context.Context) (*fakeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.instances)
	if f.failAt > 0 && n+1 == f.failAt {
		return nil, errors.New("instantiate failed")
	}
	inst := &fakeInstance{id: n, thread: osthread.Current(), err: f.closeErr}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func newPool(t *testing.T, size int) (*Pool[*fakeInstance], *factory) {
	t.Helper()
	f := &factory{}
	p, err := New(context.Background(), f.new, &Config{Size: size})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, f
}

func TestPool_RoutesByThread(t *testing.T) {
	p, _ := newPool(t, 3)
	ctx := context.Background()

	for thread := uint64(0); thread < 9; thread++ {
		var got *fakeInstance
		err := p.Do(ctx, thread, func(inst *fakeInstance) error {
			got = inst
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if want := p.workers[p.Route(thread)].inst; got != want {
			t.Errorf("thread %d ran on instance %d, want %d", thread, got.id, want.id)
		}
	}
}

func TestPool_RunsOnInstanceThread(t *testing.T) {
	p, _ := newPool(t, 2)

	for thread := uint64(0); thread < 4; thread++ {
		err := p.Do(context.Background(), thread, func(inst *fakeInstance) error {
			if cur := osthread.Current(); cur != inst.thread {
				t.Errorf("job ran on thread %s, instance lives on %s", cur, inst.thread)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestPool_SerialPerWorker(t *testing.T) {
	p, _ := newPool(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	var overlap atomic.Bool
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(ctx, 7, func(inst *fakeInstance) error {
				if inst.busy.Add(1) != 1 {
					overlap.Store(true)
				}
				time.Sleep(100 * time.Microsecond)
				inst.busy.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("two jobs ran on one instance at the same time")
	}
}

func TestPool_ErrorAndPanic(t *testing.T) {
	p, _ := newPool(t, 1)
	ctx := context.Background()

	want := errors.New("call failed")
	if err := p.Do(ctx, 1, func(*fakeInstance) error { return want }); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}

	err := p.Do(ctx, 1, func(*fakeInstance) error { panic("boom") })
	if !errors.Is(err, &exterrors.Error{Phase: exterrors.PhaseDispatch, Kind: exterrors.KindPanic}) {
		t.Fatalf("err = %v, want panic error", err)
	}

	// the worker survives
	if err := p.Do(ctx, 1, func(*fakeInstance) error { return nil }); err != nil {
		t.Fatalf("after panic: %v", err)
	}
	if ran := p.Workers()[0].Ran; ran != 3 {
		t.Errorf("Ran = %d, want 3", ran)
	}
}

func TestPool_CloseDrainsAndCloses(t *testing.T) {
	f := &factory{}
	p, err := New(context.Background(), f.new, &Config{Size: 2})
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	var finished atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(thread uint64) {
			defer wg.Done()
			p.Do(context.Background(), thread, func(*fakeInstance) error {
				<-release
				finished.Add(1)
				return nil
			})
		}(uint64(i))
	}
	// let the jobs queue up
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		queued := 0
		for _, w := range p.Workers() {
			queued += w.Queued
		}
		if queued+int(p.Workers()[0].Ran+p.Workers()[1].Ran) == 4 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	closed := make(chan error)
	go func() { closed <- p.Close(context.Background()) }()
	close(release)
	if err := <-closed; err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if finished.Load() != 4 {
		t.Fatalf("finished = %d, want 4", finished.Load())
	}
	for _, inst := range f.instances {
		if !inst.closed.Load() {
			t.Errorf("instance %d not closed", inst.id)
		}
	}

	err = p.Do(context.Background(), 0, func(*fakeInstance) error { return nil })
	if !errors.Is(err, &exterrors.Error{Phase: exterrors.PhaseDispatch, Kind: exterrors.KindShuttingDown}) {
		t.Fatalf("Do after Close = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestPool_CloseErrors(t *testing.T) {
	f := &factory{closeErr: errors.New("close failed")}
	p, err := New(context.Background(), f.new, &Config{Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(context.Background()); err == nil {
		t.Fatal("expected close errors")
	}
}

func TestPool_StartFailure(t *testing.T) {
	f := &factory{failAt: 2}
	_, err := New(context.Background(), f.new, &Config{Size: 3})
	if err == nil {
		t.Fatal("expected start error")
	}
	for _, inst := range f.instances {
		if !inst.closed.Load() {
			t.Errorf("instance %d leaked after failed start", inst.id)
		}
	}
}

func TestPool_DoCanceledWhileQueueFull(t *testing.T) {
	f := &factory{}
	p, err := New(context.Background(), f.new, &Config{Size: 1, QueueDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), 0, func(*fakeInstance) error {
		close(started)
		<-block
		return nil
	})
	<-started
	go p.Do(context.Background(), 0, func(*fakeInstance) error { return nil })

	// wait for the queue to fill
	for p.Workers()[0].Queued < 1 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Do(ctx, 0, func(*fakeInstance) error { return nil })
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
