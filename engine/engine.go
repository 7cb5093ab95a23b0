// Package engine runs JSON-RPC requests through an ordered middleware
// pipeline.
//
// Each middleware either yields with next, optionally registering a
// ReturnHandler, or finishes the request with end. Once a middleware ends the
// request, or the last one yields, the registered return handlers run in
// reverse order:
//
//	m1 ─next─▶ m2 ─next─▶ m3 ─end─┐
//	m1 ◀─ret── m2 ◀─ret───────────┘
//
// A middleware may call next or end long after Handle returned; the pipeline
// completes whenever it does. Errors and panics raised by middlewares become
// structured error responses and never reach the caller as panics.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"portrpc/message"
)

// ReturnHandler runs during unwind, after every later middleware is done.
type ReturnHandler func()

// Next yields to the following middleware. ret may be nil.
type Next func(ret ReturnHandler)

// End finishes the request. A non-nil err becomes the response error.
type End func(err error)

// Middleware is one stage of the pipeline. It must call exactly one of next
// or end, now or later. Returning an error before doing so ends the request
// with that error.
type Middleware interface {
	Handle(ctx context.Context, req *message.Request, res *message.Response, next Next, end End) error
}

// Func adapts a function to Middleware.
type Func func(ctx context.Context, req *message.Request, res *message.Response, next Next, end End) error

func (f Func) Handle(ctx context.Context, req *message.Request, res *message.Response, next Next, end End) error {
	return f(ctx, req, res, next, end)
}

// Handler computes the result for a request.
type Handler func(ctx context.Context, req *message.Request) (any, error)

// Terminal wraps a handler as a middleware that always ends the request.
func Terminal(h Handler) Middleware {
	return Func(func(ctx context.Context, req *message.Request, res *message.Response, _ Next, end End) error {
		result, err := h(ctx, req)
		if err != nil {
			return err
		}
		if err := res.SetResult(result); err != nil {
			return err
		}
		end(nil)
		return nil
	})
}

// PassThrough wraps an observer that always yields.
func PassThrough(fn func(ctx context.Context, req *message.Request, res *message.Response)) Middleware {
	return Func(func(ctx context.Context, req *message.Request, res *message.Response, next Next, _ End) error {
		fn(ctx, req, res)
		next(nil)
		return nil
	})
}

// LatePolicy decides what happens when a pipeline completes after the caller
// of Handle stopped waiting.
type LatePolicy int

const (
	LateWarn   LatePolicy = iota // log a warning and discard
	LateSilent                   // discard
)

// ParseLatePolicy accepts "warn" or "silent".
func ParseLatePolicy(s string) (LatePolicy, error) {
	switch s {
	case "", "warn":
		return LateWarn, nil
	case "silent":
		return LateSilent, nil
	}
	return LateWarn, fmt.Errorf("engine: unknown late policy %q", s)
}

func (p LatePolicy) String() string {
	if p == LateSilent {
		return "silent"
	}
	return "warn"
}

type Engine struct {
	middlewares []Middleware
	logger      *slog.Logger
	late        LatePolicy
}

type Option func(*Engine)

func WithLogger(lg *slog.Logger) Option {
	return func(e *Engine) {
		if lg != nil {
			e.logger = lg
		}
	}
}

func WithLatePolicy(p LatePolicy) Option {
	return func(e *Engine) { e.late = p }
}

// New returns an engine running middlewares in order. The list is fixed once
// the engine is built.
func New(middlewares []Middleware, opts ...Option) *Engine {
	e := &Engine{
		middlewares: append([]Middleware(nil), middlewares...),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleAsync runs req through the pipeline and calls cb with the response
// once the pipeline completes, on whichever goroutine completed it.
func (e *Engine) HandleAsync(ctx context.Context, req *message.Request, cb func(*message.Response)) {
	res := message.NewResponse(req)
	e.run(ctx, req, res, func(c *call, ended bool) {
		if !res.Done() {
			switch {
			case !ended:
				res.Error = message.MustError(message.CodeMethodNotFound,
					fmt.Sprintf("method not found: %s", req.Method),
					map[string]string{"method": req.Method})
			case !req.IsNotification():
				res.Error = message.MustError(message.CodeInternal,
					fmt.Sprintf("response has no error or result for method %s", req.Method))
			}
		}
		c.unwind()
		e.deliver(cb, res)
	})
}

// Handle runs req and waits for the response or for ctx to be done. A
// response that completes after ctx is done is handled per the LatePolicy.
func (e *Engine) Handle(ctx context.Context, req *message.Request) (*message.Response, error) {
	const (
		waiting int32 = iota
		delivered
		abandoned
	)
	var state atomic.Int32
	ch := make(chan *message.Response, 1)
	e.HandleAsync(ctx, req, func(res *message.Response) {
		if state.CompareAndSwap(waiting, delivered) {
			ch <- res
			return
		}
		e.lateResponse(req, res)
	})

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		if state.CompareAndSwap(waiting, abandoned) {
			return nil, ctx.Err()
		}
		return <-ch, nil
	}
}

func (e *Engine) lateResponse(req *message.Request, res *message.Response) {
	if e.late == LateSilent {
		return
	}
	attrs := []any{"method", req.Method, "id", req.ID.String()}
	if res.Error != nil {
		attrs = append(attrs, "code", res.Error.Code, "error", res.Error.Message)
	}
	e.logger.Warn("response completed after caller stopped waiting", attrs...)
}

func (e *Engine) deliver(cb func(*message.Response), res *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("response callback panicked",
				"id", res.ID.String(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	cb(res)
}

// AsMiddleware nests the engine inside another pipeline. If the inner pipeline
// ends the request, its return handlers unwind before the outer end; if it
// falls through, the outer pipeline continues and the inner return handlers
// run during the outer unwind.
func (e *Engine) AsMiddleware() Middleware {
	return Func(func(ctx context.Context, req *message.Request, res *message.Response, next Next, end End) error {
		e.run(ctx, req, res, func(c *call, ended bool) {
			if ended {
				c.unwind()
				end(nil)
				return
			}
			next(c.unwind)
		})
		return nil
	})
}

func (e *Engine) run(ctx context.Context, req *message.Request, res *message.Response, done func(*call, bool)) {
	c := &call{engine: e, ctx: ctx, req: req, res: res, done: done}
	c.step(0)
}

// call is the state of one request travelling through one engine.
type call struct {
	engine *Engine
	ctx    context.Context
	req    *message.Request
	res    *message.Response
	done   func(*call, bool)

	mu       sync.Mutex
	returns  []ReturnHandler
	finished atomic.Bool
}

func (c *call) step(i int) {
	if i >= len(c.engine.middlewares) {
		c.finish(false)
		return
	}
	var consumed atomic.Bool
	next := func(ret ReturnHandler) {
		if !consumed.CompareAndSwap(false, true) {
			c.engine.logger.Warn("middleware continued a request twice", "method", c.req.Method, "stage", i)
			return
		}
		if ret != nil {
			c.mu.Lock()
			c.returns = append(c.returns, ret)
			c.mu.Unlock()
		}
		c.step(i + 1)
	}
	end := func(err error) {
		if !consumed.CompareAndSwap(false, true) {
			c.engine.logger.Warn("middleware continued a request twice", "method", c.req.Method, "stage", i)
			return
		}
		if err != nil {
			c.res.Error = message.AsError(err)
		}
		c.finish(true)
	}

	if err := c.invoke(c.engine.middlewares[i], next, end); err != nil {
		if consumed.CompareAndSwap(false, true) {
			c.res.Error = message.AsError(err)
			c.finish(true)
			return
		}
		c.engine.logger.Error("middleware failed after continuing the request",
			"method", c.req.Method, "stage", i, "error", err)
	}
}

func (c *call) invoke(mw Middleware, next Next, end End) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.engine.logger.Error("middleware panicked",
				"method", c.req.Method, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = message.Errorf(message.CodeInternal, "internal error: %v", r)
		}
	}()
	return mw.Handle(c.ctx, c.req, c.res, next, end)
}

func (c *call) finish(ended bool) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.done(c, ended)
}

// unwind runs the registered return handlers, most recent first.
func (c *call) unwind() {
	c.mu.Lock()
	returns := c.returns
	c.returns = nil
	c.mu.Unlock()

	for i := len(returns) - 1; i >= 0; i-- {
		c.runReturn(returns[i])
	}
}

func (c *call) runReturn(ret ReturnHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.engine.logger.Error("return handler panicked",
				"method", c.req.Method, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			if c.res.Error == nil {
				c.res.Error = message.Errorf(message.CodeInternal, "internal error: %v", r)
			}
		}
	}()
	ret()
}
