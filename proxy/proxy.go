package proxy

import (
	"sync/atomic"

	"github.com/wippyai/exthost/errors"
)

// Ownership says whether the receiver of a proxy holds a reference.
type Ownership uint8

const (
	// Borrowed proxies are valid for the duration of the call only and are
	// never released by the receiver.
	Borrowed Ownership = iota
	// Owned proxies carry one reference transferred to the receiver, who
	// must release it exactly once.
	Owned
)

func (o Ownership) String() string {
	if o == Owned {
		return "owned"
	}
	return "borrowed"
}

// Value is a reference-counted value that can cross the boundary.
type Value interface {
	AddRef()
	// Release drops one reference and reports whether it was the last.
	Release() bool
	Refs() int32
}

// Proxy is one value crossing the boundary in one direction.
type Proxy struct {
	value     Value
	ownership Ownership
	released  atomic.Bool
}

// Send prepares v to cross the boundary as an owned value: the sender adds
// one reference which the receiver must drop with Release.
func Send(v Value) *Proxy {
	v.AddRef()
	return &Proxy{value: v, ownership: Owned}
}

// Borrow lends v for inspection during the call. The count is not touched.
func Borrow(v Value) *Proxy {
	return &Proxy{value: v, ownership: Borrowed}
}

// Value returns the proxied value.
func (p *Proxy) Value() Value {
	return p.value
}

// Ownership returns the proxy's ownership tag.
func (p *Proxy) Ownership() Ownership {
	return p.ownership
}

// Released reports whether an owned proxy has been released.
func (p *Proxy) Released() bool {
	return p.released.Load()
}

// Release drops the receiver's reference of an owned proxy. A second
// release returns KindDoubleRelease without touching the count; releasing a
// borrowed proxy returns KindBorrowedRelease.
func (p *Proxy) Release() error {
	if p.ownership == Borrowed {
		return errors.New(errors.PhaseProxy, errors.KindBorrowedRelease).
			Detail("borrowed values are not releasable by the receiver").
			Build()
	}
	if !p.released.CompareAndSwap(false, true) {
		return errors.DoubleRelease(errors.PhaseProxy, 0)
	}
	p.value.Release()
	return nil
}

// Ref is a by-reference parameter slot. The callee may replace the value;
// Complete must run when the call returns, whether or not it did.
type Ref struct {
	old      Value
	current  Value
	complete atomic.Bool
}

// NewRef creates a slot holding v.
func NewRef(v Value) *Ref {
	return &Ref{old: v, current: v}
}

// Set records the replacement value.
func (r *Ref) Set(v Value) {
	r.current = v
}

// Current returns the value the slot holds now.
func (r *Ref) Current() Value {
	return r.current
}

// Complete runs the by-ref protocol step: the replacement gains a reference
// and the old value loses one. With no replacement both touch the same value
// and the net effect is nil. Complete runs at most once.
func (r *Ref) Complete() {
	if !r.complete.CompareAndSwap(false, true) {
		return
	}
	if r.current != nil {
		r.current.AddRef()
	}
	if r.old != nil {
		r.old.Release()
	}
}
