package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/exthost/errors"
)

// Handler processes one call.
type Handler func(ctx context.Context, call *Call) (*Result, error)

// Interceptor wraps a handler with extra behavior.
type Interceptor func(next Handler) Handler

// Chain wraps h so that interceptors[0] runs first.
func Chain(h Handler, interceptors ...Interceptor) Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		h = interceptors[i](h)
	}
	return h
}

// Lifetime is the bookkeeping Track needs. *lifetime.Controller implements it.
type Lifetime interface {
	ResetIdle()
	EnterCall()
	ExitCall()
}

// Track performs lifetime bookkeeping around every call.
func Track(l Lifetime) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*Result, error) {
			l.ResetIdle()
			l.EnterCall()
			defer l.ExitCall()
			return next(ctx, call)
		}
	}
}

// Recover turns a panic below it into a per-call error.
func Recover(logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (res *Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					e := errors.Panicked(errors.PhaseDispatch, r)
					e.Function = call.Function
					e.Thread = call.Thread
					logger.Error("call panicked",
						zap.String("function", call.Function),
						zap.Uint64("thread", call.Thread),
						zap.Any("panic", r),
						zap.Stack("stack"))
					res, err = nil, e
				}
			}()
			return next(ctx, call)
		}
	}
}

// Log records the outcome and duration of every call.
func Log(logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*Result, error) {
			start := time.Now()
			res, err := next(ctx, call)

			fields := []zap.Field{
				zap.String("id", call.ID),
				zap.String("kind", string(call.Kind)),
				zap.String("function", call.Function),
				zap.Uint64("thread", call.Thread),
				zap.Stringer("direction", call.Direction),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("call", fields...)
			}
			return res, err
		}
	}
}
