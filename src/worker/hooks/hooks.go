// Package hooks implements the worker's two middleware shapes: the
// fire-and-forget EventHook and the wrapping ContextHook, generalized
// over the payload/result types with Go generics instead of the
// original's yield-once coroutine trick (design note, spec.md §9).
package hooks

import (
	"context"

	"github.com/rs/zerolog/log"
)

// EventHandler is a fire-and-forget hook handler. All registered
// handlers run; a handler error is logged and isolated, never raised
// to the caller.
type EventHandler[T any] func(ctx context.Context, payload T) error

// EventHook is an append-only, ordered set of EventHandlers.
type EventHook[T any] struct {
	handlers []EventHandler[T]
}

// Register appends a handler. Registration order is emit order.
func (h *EventHook[T]) Register(handler EventHandler[T]) {
	h.handlers = append(h.handlers, handler)
}

// Emit runs every registered handler in registration order. Handler
// errors are logged and do not stop later handlers or propagate.
func (h *EventHook[T]) Emit(ctx context.Context, payload T) {
	for _, handler := range h.handlers {
		if err := handler(ctx, payload); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("hook handler failed")
		}
	}
}

// ContextHandler models a single yield-once middleware as an explicit
// pair: Pre runs before the inner call and may return opaque state to
// hand to Post; Post runs after the inner call (even if it failed) and
// may observe or replace the result. An error from Pre aborts the
// chain before the inner call ever runs. An error from Post is routed
// to the hook's ErrorHandler and never replaces a successful result.
type ContextHandler[T, R any] struct {
	Pre  func(ctx context.Context, payload T) (context.Context, any, error)
	Post func(ctx context.Context, state any, result R, err error) (R, error)
}

// ContextHook is a middleware stack: Pre phases run in registration
// order on the way in, Post phases run in reverse order on the way
// out (classic middleware nesting).
type ContextHook[T, R any] struct {
	handlers     []ContextHandler[T, R]
	ErrorHandler func(ctx context.Context, err error)
}

// NewContextHook builds a ContextHook with the given post-phase error
// handler. A nil handler logs via the ambient logger.
func NewContextHook[T, R any](errorHandler func(ctx context.Context, err error)) *ContextHook[T, R] {
	if errorHandler == nil {
		errorHandler = func(ctx context.Context, err error) {
			log.Ctx(ctx).Error().Err(err).Msg("error while handling pipeline hook")
		}
	}
	return &ContextHook[T, R]{ErrorHandler: errorHandler}
}

// Register appends a handler to the stack.
func (h *ContextHook[T, R]) Register(handler ContextHandler[T, R]) {
	h.handlers = append(h.handlers, handler)
}

type frame[R any] struct {
	post  func(ctx context.Context, state any, result R, err error) (R, error)
	state any
	ctx   context.Context
}

// Emit returns a callable that, given the terminal function, runs the
// Pre phases in order, the terminal call, then the Post phases in
// reverse order.
func (h *ContextHook[T, R]) Emit(terminal func(context.Context, T) (R, error)) func(context.Context, T) (R, error) {
	return func(ctx context.Context, payload T) (R, error) {
		frames := make([]frame[R], 0, len(h.handlers))

		for _, handler := range h.handlers {
			nextCtx, state, err := handler.Pre(ctx, payload)
			if err != nil {
				var zero R
				return zero, err
			}
			if nextCtx != nil {
				ctx = nextCtx
			}
			frames = append(frames, frame[R]{post: handler.Post, state: state, ctx: ctx})
		}

		result, err := terminal(ctx, payload)

		for i := len(frames) - 1; i >= 0; i-- {
			f := frames[i]
			if f.post == nil {
				continue
			}
			updated, postErr := f.post(f.ctx, f.state, result, err)
			if postErr != nil {
				h.ErrorHandler(f.ctx, postErr)
				continue
			}
			result, err = updated, err
		}

		return result, err
	}
}
