package extension

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/exthost/proxy"
	"github.com/wippyai/exthost/resource"
	"github.com/wippyai/exthost/scope"
)

// GuestResource is the registry value of a resource registered by the
// extension: its type tag and the guest-side representation.
type GuestResource struct {
	Type uint32
	Rep  int64
}

// callState is the per-call context host functions run against. It travels
// in the context passed to the guest, never in thread-local state.
type callState struct {
	scope      *scope.Scope
	inst       *Instance
	refs       map[int]*proxy.Ref
	refHandles map[int]uint32
}

type stateKey struct{}

func withState(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

func stateFrom(ctx context.Context) *callState {
	st, _ := ctx.Value(stateKey{}).(*callState)
	return st
}

// completeRefs runs the by-ref protocol step for every by-ref argument. The
// slot's values are caller references, so the caller gives up the old value
// and is given the new one.
func (st *callState) completeRefs() {
	for _, ref := range st.refs {
		ref.Complete()
	}
}

type hostFunc struct {
	fn      api.GoModuleFunc
	name    string
	params  []api.ValueType
	results []api.ValueType
}

func (e *Extension) hostFuncs() []hostFunc {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	return []hostFunc{
		{name: fnResourceRegister, fn: e.resourceRegister, params: []api.ValueType{i32, i64}, results: []api.ValueType{i32}},
		{name: fnResourceAddRef, fn: e.resourceAddRef, params: []api.ValueType{i32}, results: []api.ValueType{i32}},
		{name: fnResourceRelease, fn: e.resourceRelease, params: []api.ValueType{i32}, results: []api.ValueType{i32}},
		{name: fnResourceRep, fn: e.resourceRep, params: []api.ValueType{i32}, results: []api.ValueType{i64}},
		{name: fnRefSet, fn: e.refSet, params: []api.ValueType{i32, i64}, results: []api.ValueType{i32}},
		{name: fnSetContext, fn: e.setContext, params: []api.ValueType{i32, i32, i32}},
		{name: fnLog, fn: e.log, params: []api.ValueType{i32, i32, i32}},
	}
}

func (e *Extension) instantiateHostModule(ctx context.Context) (api.Module, error) {
	builder := e.runtime.NewHostModuleBuilder(HostModule)
	for _, f := range e.hostFuncs() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			Export(f.name)
	}
	return builder.Instantiate(ctx)
}

// state returns the current call state, logging when a host function runs
// outside a call.
func (e *Extension) state(ctx context.Context, fn string) *callState {
	st := stateFrom(ctx)
	if st == nil {
		e.logger.Warn("host function called outside a call", zap.String("function", fn))
	}
	return st
}

func (e *Extension) fail(st *callState, fn string, err error) {
	e.logger.Warn("host function failed",
		zap.String("function", fn),
		zap.String("scope", st.scope.Token()),
		zap.String("invocation", st.scope.Invocation().Function),
		zap.Error(err))
}

func (e *Extension) resourceRegister(ctx context.Context, _ api.Module, stack []uint64) {
	st := e.state(ctx, fnResourceRegister)
	if st == nil {
		stack[0] = api.EncodeI32(statusError)
		return
	}
	typeID := api.DecodeU32(stack[0])
	rep := int64(stack[1])

	h, err := st.scope.NewResource(typeID, GuestResource{Type: typeID, Rep: rep}, st.inst.dropper(typeID, rep))
	if err != nil {
		e.fail(st, fnResourceRegister, err)
		stack[0] = api.EncodeI32(statusError)
		return
	}
	stack[0] = api.EncodeU32(uint32(h))
}

func (e *Extension) resourceAddRef(ctx context.Context, _ api.Module, stack []uint64) {
	st := e.state(ctx, fnResourceAddRef)
	if st == nil {
		stack[0] = api.EncodeI32(statusError)
		return
	}
	if err := st.scope.AddRefResource(resource.Handle(api.DecodeU32(stack[0]))); err != nil {
		e.fail(st, fnResourceAddRef, err)
		stack[0] = api.EncodeI32(statusError)
		return
	}
	stack[0] = api.EncodeI32(statusOK)
}

func (e *Extension) resourceRelease(ctx context.Context, _ api.Module, stack []uint64) {
	st := e.state(ctx, fnResourceRelease)
	if st == nil {
		stack[0] = api.EncodeI32(statusError)
		return
	}
	destroyed, err := st.scope.ReleaseResource(resource.Handle(api.DecodeU32(stack[0])))
	switch {
	case err != nil:
		e.fail(st, fnResourceRelease, err)
		stack[0] = api.EncodeI32(statusError)
	case destroyed:
		stack[0] = api.EncodeI32(statusDestroyed)
	default:
		stack[0] = api.EncodeI32(statusOK)
	}
}

func (e *Extension) resourceRep(ctx context.Context, _ api.Module, stack []uint64) {
	st := e.state(ctx, fnResourceRep)
	if st == nil {
		stack[0] = api.EncodeI64(statusError)
		return
	}
	v, ok := st.scope.Resource(resource.Handle(api.DecodeU32(stack[0])))
	gr, isGuest := v.(GuestResource)
	if !ok || !isGuest {
		stack[0] = api.EncodeI64(statusError)
		return
	}
	stack[0] = api.EncodeI64(gr.Rep)
}

func (e *Extension) refSet(ctx context.Context, _ api.Module, stack []uint64) {
	st := e.state(ctx, fnRefSet)
	if st == nil {
		stack[0] = api.EncodeI32(statusError)
		return
	}
	index := int(api.DecodeI32(stack[0]))
	h := uint32(stack[1])

	ref, ok := st.refs[index]
	if !ok {
		e.logger.Warn("ref_set on an argument not passed by reference", zap.Int("index", index))
		stack[0] = api.EncodeI32(statusError)
		return
	}
	if _, live := st.scope.Resource(resource.Handle(h)); !live {
		e.logger.Warn("ref_set with unknown handle", zap.Int("index", index), zap.Uint32("handle", h))
		stack[0] = api.EncodeI32(statusError)
		return
	}
	ref.Set(st.scope.CallerValue(resource.Handle(h)))
	st.refHandles[index] = h
	stack[0] = api.EncodeI32(statusOK)
}

func (e *Extension) setContext(ctx context.Context, mod api.Module, stack []uint64) {
	st := e.state(ctx, fnSetContext)
	if st == nil {
		return
	}
	name, ok := readGuestString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		e.logger.Warn("set_context name out of bounds")
		return
	}
	st.scope.SetInvocationContext(name, int(api.DecodeI32(stack[2])), declaringType(name))
}

func (e *Extension) log(ctx context.Context, mod api.Module, stack []uint64) {
	level := guestLevel(api.DecodeI32(stack[0]))
	msg, ok := readGuestString(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if !ok {
		e.logger.Warn("log message out of bounds")
		return
	}

	fields := []zap.Field{zap.String("source", "guest")}
	if st := stateFrom(ctx); st != nil {
		fields = append(fields,
			zap.String("scope", st.scope.Token()),
			zap.String("invocation", st.scope.Invocation().Function))
	}
	if ce := e.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// guestLevel maps the ABI's log levels (0 debug .. 3 error) to zap levels.
func guestLevel(l int32) zapcore.Level {
	switch {
	case l <= 0:
		return zapcore.DebugLevel
	case l == 1:
		return zapcore.InfoLevel
	case l == 2:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func readGuestString(mod api.Module, ptr, n uint32) (string, bool) {
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, n)
	if !ok {
		return "", false
	}
	return string(data), true
}
