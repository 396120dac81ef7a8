package extension

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/exthost"
	"github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/proxy"
	"github.com/wippyai/exthost/resource"
	"github.com/wippyai/exthost/scope"
)

// Invocation is one call into the extension.
type Invocation struct {
	Function string
	Args     []any
	// ByRef lists argument indexes passed by reference. Each must be a
	// handle argument.
	ByRef []int
}

// Outcome is what an invocation produced.
type Outcome struct {
	Refs   map[int]any
	Values []any
	// Owned lists handles given to the caller.
	Owned []uint32
}

// Instance is one instantiation of an extension. It is not safe for
// concurrent use; a worker owns it.
type Instance struct {
	ext    *Extension
	mod    api.Module
	ctx    context.Context
	mem    *guestMemory
	alloc  *guestAllocator
	name   string
	closed atomic.Bool
}

// Name returns the wazero module name of the instance.
func (i *Instance) Name() string { return i.name }

// Memory returns the instance's linear memory, or nil when it has none.
func (i *Instance) Memory() exthost.Memory {
	if i.mem == nil {
		return nil
	}
	return i.mem
}

// dropper returns the destructor for a guest-registered resource. It calls
// the extension's exthost_drop export when present.
func (i *Instance) dropper(typeID uint32, rep int64) resource.Destructor {
	return func(resource.Handle, any) error {
		fn := i.mod.ExportedFunction(exportDrop)
		if fn == nil {
			return nil
		}
		if _, err := fn.Call(i.ctx, api.EncodeU32(typeID), api.EncodeI64(rep)); err != nil {
			return errors.Trap(exportDrop, err)
		}
		return nil
	}
}

// guestBlock is a block of guest memory holding a lowered argument.
type guestBlock struct {
	ptr  uint32
	size uint32
}

// Call runs inv inside s. Every argument is lowered before any own<T>
// argument moves from the caller to the extension, so a rejected call leaves
// the caller's references untouched. By-ref arguments must be held by the
// caller and are completed whether or not the guest traps. Handles returned
// as own<T> are given to the caller through s.
func (i *Instance) Call(ctx context.Context, s *scope.Scope, inv Invocation) (*Outcome, error) {
	if i.closed.Load() {
		return nil, errors.ShuttingDown()
	}
	sig, ok := i.ext.sigs[inv.Function]
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "function", inv.Function)
	}
	if len(inv.Args) != len(sig.Params) {
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidInput).
			Function(inv.Function).
			Detail("want %d arguments, got %d", len(sig.Params), len(inv.Args)).
			Build()
	}

	s.SetInvocationContext(sig.Name, len(inv.Args), sig.DeclaringType)
	s.SetArgs(inv.Args)

	st := &callState{
		scope:      s,
		inst:       i,
		refs:       make(map[int]*proxy.Ref, len(inv.ByRef)),
		refHandles: make(map[int]uint32, len(inv.ByRef)),
	}
	for _, idx := range inv.ByRef {
		if idx < 0 || idx >= len(sig.Params) || !sig.Params[idx].Kind.Handle() {
			return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidInput).
				Function(inv.Function).
				Detail("argument %d cannot be passed by reference", idx).
				Build()
		}
		st.refs[idx] = nil
	}

	var blocks []*proxy.Counted[guestBlock]
	defer func() {
		for _, b := range blocks {
			b.Release()
		}
	}()

	stack := make([]uint64, 0, len(sig.Params)+1)
	var moves, held []resource.Handle
	for idx, p := range sig.Params {
		lowered, block, err := i.lower(s, sig, idx, p, inv.Args[idx])
		if err != nil {
			return nil, err
		}
		if block != nil {
			blocks = append(blocks, block)
		}
		if p.Kind.Handle() {
			h := resource.Handle(api.DecodeU32(lowered[0]))
			if _, byRef := st.refs[idx]; byRef {
				held = append(held, h)
				st.refHandles[idx] = uint32(h)
			} else if p.Kind == KindOwn {
				moves = append(moves, h)
			}
		}
		stack = append(stack, lowered...)
	}
	if err := checkHeld(s, sig.Name, append(held, moves...)); err != nil {
		return nil, err
	}
	if err := moveOwned(s, moves); err != nil {
		return nil, err
	}
	for idx, h := range st.refHandles {
		st.refs[idx] = proxy.NewRef(s.CallerValue(resource.Handle(h)))
	}

	fn := i.mod.ExportedFunction(sig.Name)
	results, err := fn.Call(withState(ctx, st), stack...)
	st.completeRefs()
	if err != nil {
		e := errors.Trap(sig.Name, err)
		e.Thread = uint64(s.Thread())
		return nil, e
	}

	out := &Outcome{}
	if len(st.refHandles) > 0 {
		out.Refs = make(map[int]any, len(st.refHandles))
		for idx, h := range st.refHandles {
			out.Refs[idx] = h
		}
	}
	for j, p := range sig.Results {
		v := lift(p, results[j])
		if p.Kind == KindOwn {
			h := v.(uint32)
			if err := s.Give(resource.Handle(h)); err != nil {
				return out, errors.New(errors.PhaseProxy, errors.KindInvalidData).
					Function(sig.Name).
					Handle(h).
					Cause(err).
					Detail("extension returned a handle it does not hold").
					Build()
			}
			out.Owned = append(out.Owned, h)
		}
		out.Values = append(out.Values, v)
	}
	return out, nil
}

// lower converts one argument to core values.
func (i *Instance) lower(s *scope.Scope, sig *Signature, idx int, p Param, arg any) ([]uint64, *proxy.Counted[guestBlock], error) {
	mismatch := func() error {
		return errors.TypeMismatch(errors.PhaseDispatch, sig.Name, idx, p.Type, arg)
	}

	switch p.Kind {
	case KindBool:
		b, ok := arg.(bool)
		if !ok {
			return nil, nil, mismatch()
		}
		if b {
			return []uint64{1}, nil, nil
		}
		return []uint64{0}, nil, nil

	case KindS32:
		n, ok := toInt64(arg)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return nil, nil, mismatch()
		}
		return []uint64{api.EncodeI32(int32(n))}, nil, nil

	case KindU32:
		n, ok := toInt64(arg)
		if !ok || n < 0 || n > math.MaxUint32 {
			return nil, nil, mismatch()
		}
		return []uint64{api.EncodeU32(uint32(n))}, nil, nil

	case KindS64:
		n, ok := toInt64(arg)
		if !ok {
			return nil, nil, mismatch()
		}
		return []uint64{api.EncodeI64(n)}, nil, nil

	case KindU64:
		n, ok := toInt64(arg)
		if !ok || n < 0 {
			return nil, nil, mismatch()
		}
		return []uint64{uint64(n)}, nil, nil

	case KindF32:
		f, ok := toFloat64(arg)
		if !ok {
			return nil, nil, mismatch()
		}
		return []uint64{api.EncodeF32(float32(f))}, nil, nil

	case KindF64:
		f, ok := toFloat64(arg)
		if !ok {
			return nil, nil, mismatch()
		}
		return []uint64{api.EncodeF64(f)}, nil, nil

	case KindString:
		str, ok := arg.(string)
		if !ok {
			return nil, nil, mismatch()
		}
		block, err := i.copyIn([]byte(str))
		if err != nil {
			return nil, nil, err
		}
		b := block.Get()
		return []uint64{api.EncodeU32(b.ptr), api.EncodeU32(b.size)}, block, nil

	case KindOwn, KindBorrow:
		n, ok := toInt64(arg)
		if !ok || n <= 0 || n > math.MaxUint32 {
			return nil, nil, mismatch()
		}
		h := resource.Handle(n)
		if _, live := s.Resource(h); !live {
			return nil, nil, errors.UnknownHandle(uint32(h))
		}
		return []uint64{api.EncodeU32(uint32(h))}, nil, nil
	}
	return nil, nil, mismatch()
}

// checkHeld verifies the caller holds a reference for every entry of hs. A
// handle listed twice needs two.
func checkHeld(s *scope.Scope, fn string, hs []resource.Handle) error {
	need := make(map[resource.Handle]int, len(hs))
	for _, h := range hs {
		need[h]++
		if need[h] > s.Held(h) {
			return errors.New(errors.PhaseProxy, errors.KindNotFound).
				Function(fn).
				Handle(uint32(h)).
				Detail("handle is not held by the caller").
				Build()
		}
	}
	return nil
}

// moveOwned moves one caller reference per handle to the extension. Either
// every move applies or none does.
func moveOwned(s *scope.Scope, hs []resource.Handle) error {
	for n, h := range hs {
		if err := s.AddRefResource(h); err != nil {
			undoMoves(s, hs[:n])
			return err
		}
		if err := s.Return(h); err != nil {
			_, _ = s.ReleaseResource(h)
			undoMoves(s, hs[:n])
			return err
		}
	}
	return nil
}

func undoMoves(s *scope.Scope, hs []resource.Handle) {
	for _, h := range hs {
		if s.Give(h) == nil {
			_, _ = s.ReleaseResource(h)
		}
	}
}

// copyIn copies data into guest memory. The block is freed when the returned
// value's last reference is released.
func (i *Instance) copyIn(data []byte) (*proxy.Counted[guestBlock], error) {
	if i.mem == nil {
		return nil, errors.New(errors.PhaseDispatch, errors.KindUnsupported).
			Detail("extension has no memory for string arguments").
			Build()
	}
	size := uint32(len(data))
	ptr, err := i.alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	if err := i.mem.Write(ptr, data); err != nil {
		i.alloc.Free(ptr, size)
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidData).Cause(err).Detail("copy string argument").Build()
	}
	return proxy.NewCounted(guestBlock{ptr: ptr, size: size}, func(b guestBlock) {
		i.alloc.Free(b.ptr, b.size)
	}), nil
}

// lift converts a core result value.
func lift(p Param, v uint64) any {
	switch p.Kind {
	case KindBool:
		return api.DecodeU32(v) != 0
	case KindS32:
		return api.DecodeI32(v)
	case KindU32, KindOwn, KindBorrow:
		return api.DecodeU32(v)
	case KindS64:
		return int64(v)
	case KindU64:
		return v
	case KindF32:
		return api.DecodeF32(v)
	case KindF64:
		return api.DecodeF64(v)
	}
	return v
}

// Close closes the instance's module. Further calls fail.
func (i *Instance) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := i.mod.Close(ctx)
	i.ext.logger.Debug("instance closed", zap.String("instance", i.name), zap.Error(err))
	return err
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
