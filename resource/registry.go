package resource

import (
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/wippyai/exthost/errors"
)

// Registry is a per-call table of reference-counted native resources.
// Each entry starts with one reference; the destructor runs when the count
// drops to zero or when the registry is closed.
type Registry struct {
	entries   map[Handle]*entry
	retired   map[Handle]struct{}
	observers map[int]Observer
	mu        sync.Mutex
	obsMu     sync.RWMutex
	next      Handle
	obsSeq    int
	closed    bool
}

type entry struct {
	value  any
	dtor   Destructor
	typeID uint32
	refs   int32
	dying  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Handle]*entry, 16),
		retired: make(map[Handle]struct{}),
	}
}

// Insert stores a value with one reference and returns a fresh handle.
func (r *Registry) Insert(typeID uint32, value any, dtor Destructor) (Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, closedError()
	}
	h := r.nextFree()
	r.entries[h] = &entry{value: value, dtor: dtor, typeID: typeID, refs: 1}
	delete(r.retired, h)
	r.mu.Unlock()

	r.notify(Event{Type: EventRegistered, Handle: h, TypeID: typeID, Value: value, Refs: 1})
	return h, nil
}

// Register stores a value under a caller-chosen handle with one reference.
// Registering a handle that is already live is a misuse.
func (r *Registry) Register(h Handle, typeID uint32, value any, dtor Destructor) error {
	if h == 0 {
		return misuse(errors.InvalidInput(errors.PhaseRegistry, "handle 0 is reserved"))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return closedError()
	}
	if _, exists := r.entries[h]; exists {
		r.mu.Unlock()
		return misuse(errors.New(errors.PhaseRegistry, errors.KindInvalidInput).
			Handle(uint32(h)).
			Detail("handle already registered").
			Build())
	}
	r.entries[h] = &entry{value: value, dtor: dtor, typeID: typeID, refs: 1}
	delete(r.retired, h)
	if h > r.next {
		r.next = h
	}
	r.mu.Unlock()

	r.notify(Event{Type: EventRegistered, Handle: h, TypeID: typeID, Value: value, Refs: 1})
	return nil
}

// nextFree returns the next unused handle. Caller holds r.mu.
func (r *Registry) nextFree() Handle {
	for {
		r.next++
		if r.next == 0 {
			r.next = 1
		}
		if _, used := r.entries[r.next]; !used {
			return r.next
		}
	}
}

// AddRef increments the reference count of a live resource.
func (r *Registry) AddRef(h Handle) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return closedError()
	}
	e, ok := r.entries[h]
	if !ok || e.dying {
		err := r.missing(h)
		r.mu.Unlock()
		return misuse(err)
	}
	e.refs++
	ev := Event{Type: EventAddRef, Handle: h, TypeID: e.typeID, Value: e.value, Refs: e.refs}
	r.mu.Unlock()

	r.notify(ev)
	return nil
}

// Release drops one reference. When the count reaches zero the destructor
// runs before the entry is removed and destroyed is true. Releasing after
// Close is a no-op: the resource was already force-released.
func (r *Registry) Release(h Handle) (destroyed bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, nil
	}
	e, ok := r.entries[h]
	if !ok || e.dying {
		err := r.missing(h)
		r.mu.Unlock()
		return false, misuse(err)
	}
	e.refs--
	if e.refs > 0 {
		ev := Event{Type: EventReleased, Handle: h, TypeID: e.typeID, Value: e.value, Refs: e.refs}
		r.mu.Unlock()
		r.notify(ev)
		return false, nil
	}
	e.dying = true
	r.mu.Unlock()

	derr := runDestructor(h, e)

	r.mu.Lock()
	delete(r.entries, h)
	r.retired[h] = struct{}{}
	r.mu.Unlock()

	r.notify(Event{Type: EventDestroyed, Handle: h, TypeID: e.typeID, Value: e.value, Err: derr})
	return true, derr
}

// missing classifies a handle that is not live. Caller holds r.mu.
func (r *Registry) missing(h Handle) *errors.Error {
	if e, ok := r.entries[h]; ok && e.dying {
		return errors.DoubleRelease(errors.PhaseRegistry, uint32(h))
	}
	if _, ok := r.retired[h]; ok {
		return errors.DoubleRelease(errors.PhaseRegistry, uint32(h))
	}
	return errors.UnknownHandle(uint32(h))
}

// Get retrieves a value by handle.
func (r *Registry) Get(h Handle) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok || e.dying {
		return nil, false
	}
	return e.value, true
}

// Refs returns the current reference count, or 0 if the handle is not live.
func (r *Registry) Refs(h Handle) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok || e.dying {
		return 0
	}
	return e.refs
}

// Len returns the number of live resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.dying {
			n++
		}
	}
	return n
}

// Each iterates over live resources in handle order. The callback must not
// call back into the registry.
func (r *Registry) Each(fn func(Handle, uint32, any) bool) {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for h, e := range r.entries {
		if !e.dying {
			handles = append(handles, h)
		}
	}
	slices.Sort(handles)
	snapshot := make([]entry, len(handles))
	for i, h := range handles {
		snapshot[i] = *r.entries[h]
	}
	r.mu.Unlock()

	for i, h := range handles {
		if !fn(h, snapshot[i].typeID, snapshot[i].value) {
			return
		}
	}
}

// Closed reports whether Close has run.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close force-releases every live resource, newest first, running each
// destructor exactly once regardless of its refcount. A failing destructor
// does not stop the remaining ones; all failures are returned combined.
// Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	handles := make([]Handle, 0, len(r.entries))
	for h, e := range r.entries {
		if !e.dying {
			e.dying = true
			handles = append(handles, h)
		}
	}
	slices.Sort(handles)
	slices.Reverse(handles)
	doomed := make([]*entry, len(handles))
	for i, h := range handles {
		doomed[i] = r.entries[h]
	}
	r.mu.Unlock()

	var errs error
	for i, h := range handles {
		e := doomed[i]
		derr := runDestructor(h, e)
		errs = multierr.Append(errs, derr)

		r.mu.Lock()
		delete(r.entries, h)
		r.mu.Unlock()

		r.notify(Event{Type: EventDestroyed, Handle: h, TypeID: e.typeID, Value: e.value, Err: derr, Forced: true})
	}
	return errs
}

// Subscribe adds an observer for lifecycle events and returns a function
// that removes it.
func (r *Registry) Subscribe(o Observer) (unsubscribe func()) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	if r.observers == nil {
		r.observers = make(map[int]Observer)
	}
	r.obsSeq++
	id := r.obsSeq
	r.observers[id] = o
	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Registry) notify(e Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnResourceEvent(e)
	}
}

// runDestructor invokes the entry's destructor, converting panics into
// teardown errors.
func runDestructor(h Handle, e *entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Destructor(uint32(h), errors.Panicked(errors.PhaseTeardown, p))
		}
	}()

	if e.dtor != nil {
		if derr := e.dtor(h, e.value); derr != nil {
			return errors.Destructor(uint32(h), derr)
		}
		return nil
	}
	if d, ok := e.value.(Dropper); ok {
		d.Drop()
	}
	return nil
}

func closedError() *errors.Error {
	return errors.New(errors.PhaseRegistry, errors.KindTerminated).
		Detail("registry closed").
		Build()
}
