// Package rpcstream connects a middleware pipeline to a transport.Stream.
//
// Outbound: the Bridge's Middleware writes each request to the stream. A call
// is parked in the pending table under its id until the peer answers; a
// notification is written and finished at once.
//
// Inbound: Serve reads the stream and classifies each value:
//
//	method + id     request   → local handler, response written back
//	method, no id   notify    → notification event
//	no method, id   response  → completes the pending call with that id
//	neither         notify    → notification event
//
// A response whose id is not pending is reported through the fault event.
package rpcstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"portrpc/engine"
	"portrpc/message"
	"portrpc/metrics"
	"portrpc/safeevent"
	"portrpc/transport"
)

// DefaultStreamName is the sub-stream carrying RPC traffic by convention.
const DefaultStreamName = "rpc"

var (
	// ErrUnknownResponseID is reported when a response matches no pending call.
	ErrUnknownResponseID = errors.New("rpcstream: response id matches no pending call")
	// ErrDuplicateID is returned when a call reuses an id that is still pending.
	ErrDuplicateID = errors.New("rpcstream: id already pending")
)

// Handler answers inbound requests. *engine.Engine implements it.
type Handler interface {
	HandleAsync(ctx context.Context, req *message.Request, cb func(*message.Response))
}

type pendingCall struct {
	res *message.Response
	end engine.End
}

type Bridge struct {
	stream  transport.Stream
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	notifications *safeevent.Emitter[json.RawMessage]
	faults        *safeevent.Emitter[error]

	mu      sync.Mutex
	pending map[message.ID]*pendingCall
	closed  bool
}

type Option func(*Bridge)

// WithHandler answers inbound requests with h. Without a handler every
// inbound request gets a method-not-found error. A nil pointer counts as no
// handler.
func WithHandler(h Handler) Option {
	return func(b *Bridge) {
		if isNil(h) {
			h = nil
		}
		b.handler = h
	}
}

func isNil(h Handler) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func WithLogger(lg *slog.Logger) Option {
	return func(b *Bridge) {
		if lg != nil {
			b.logger = lg
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

func New(stream transport.Stream, opts ...Option) *Bridge {
	b := &Bridge{
		stream:  stream,
		logger:  slog.Default(),
		pending: make(map[message.ID]*pendingCall),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.notifications = safeevent.New[json.RawMessage]("notification", b.logger)
	b.faults = safeevent.New[error]("fault", b.logger)
	return b
}

// OnNotification subscribes to inbound notifications, delivered as the raw
// JSON value read from the stream.
func (b *Bridge) OnNotification(fn func(json.RawMessage)) (cancel func()) {
	return b.notifications.Subscribe(fn)
}

// OnFault subscribes to protocol faults such as ErrUnknownResponseID.
func (b *Bridge) OnFault(fn func(error)) (cancel func()) {
	return b.faults.Subscribe(fn)
}

// Pending returns the number of calls awaiting a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Middleware returns the outbound stage. It never yields: every request it
// sees ends here, immediately for notifications and on response for calls.
func (b *Bridge) Middleware() engine.Middleware {
	return engine.Func(b.send)
}

func (b *Bridge) send(_ context.Context, req *message.Request, res *message.Response, _ engine.Next, end engine.End) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpcstream: encode request: %w", err)
	}

	if req.IsNotification() {
		if err := b.stream.Write(raw); err != nil {
			return transportError(err)
		}
		end(nil)
		return nil
	}

	// Register before writing so a fast response always finds its entry.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transportError(transport.ErrClosed)
	}
	if _, dup := b.pending[req.ID]; dup {
		b.mu.Unlock()
		return message.MustError(message.CodeInvalidRequest, ErrDuplicateID.Error(), map[string]any{"id": req.ID})
	}
	b.pending[req.ID] = &pendingCall{res: res, end: end}
	b.mu.Unlock()
	b.metrics.PendingAdd(1)

	if err := b.stream.Write(raw); err != nil {
		if b.take(req.ID) != nil {
			return transportError(err)
		}
		// The stream ended and failPending already completed the call.
		return nil
	}
	return nil
}

func (b *Bridge) take(id message.ID) *pendingCall {
	b.mu.Lock()
	call, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		b.metrics.PendingAdd(-1)
	}
	return call
}

// Serve reads the stream until it ends or ctx is done, then fails every
// pending call. It returns nil when the stream ended normally.
func (b *Bridge) Serve(ctx context.Context) error {
	for {
		raw, err := b.stream.Read(ctx)
		if err != nil {
			b.failPending()
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		b.dispatch(ctx, raw)
	}
}

func (b *Bridge) dispatch(ctx context.Context, raw json.RawMessage) {
	req, res, err := message.Parse(raw)
	if err != nil {
		b.metrics.FrameDropped(metrics.DropMalformed)
		b.logger.Debug("dropping malformed value", "error", err)
		return
	}

	switch {
	case req != nil && req.IsNotification():
		b.notifications.Emit(raw)
	case req != nil:
		go b.serveRequest(ctx, req)
	case res.ID.Valid():
		b.resolve(res)
	default:
		b.notifications.Emit(raw)
	}
}

// serveRequest answers req exactly once. A panicking handler is answered with
// an internal error instead of taking the process down.
func (b *Bridge) serveRequest(ctx context.Context, req *message.Request) {
	var answered atomic.Bool
	reply := func(res *message.Response) {
		if answered.CompareAndSwap(false, true) {
			b.writeResponse(res)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("request handler panicked", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			res := message.NewResponse(req)
			res.Error = message.Errorf(message.CodeInternal, "internal error: %v", r)
			reply(res)
		}
	}()

	if b.handler == nil {
		res := message.NewResponse(req)
		res.Error = message.MustError(message.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), map[string]string{"method": req.Method})
		reply(res)
		return
	}
	b.handler.HandleAsync(ctx, req, reply)
}

func (b *Bridge) writeResponse(res *message.Response) {
	raw, err := json.Marshal(res)
	if err != nil {
		b.logger.Error("encode response failed", "id", res.ID.String(), "error", err)
		return
	}
	if err := b.stream.Write(raw); err != nil {
		b.logger.Warn("write response failed", "id", res.ID.String(), "error", err)
	}
}

func (b *Bridge) resolve(res *message.Response) {
	call := b.take(res.ID)
	if call == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownResponseID, res.ID)
		b.logger.Error("response for unknown call", "id", res.ID.String())
		b.faults.Emit(err)
		return
	}

	// Copy into the caller's response object; it is the one the rest of the
	// pipeline unwinds with.
	dst := call.res
	if res.JSONRPC != "" {
		dst.JSONRPC = res.JSONRPC
	}
	dst.ID = res.ID
	dst.Result = res.Result
	dst.Error = res.Error
	if !dst.Done() {
		dst.Error = message.MustError(message.CodeInternal, "response has neither result nor error")
	}

	// Finish on a fresh goroutine so a panicking continuation cannot stall
	// the read loop.
	go call.end(nil)
}

func (b *Bridge) failPending() {
	b.mu.Lock()
	b.closed = true
	calls := b.pending
	b.pending = make(map[message.ID]*pendingCall)
	b.mu.Unlock()

	b.metrics.PendingAdd(-len(calls))
	for id, call := range calls {
		b.logger.Debug("failing pending call, stream ended", "id", id.String())
		call.res.Error = transportError(transport.ErrClosed)
		go call.end(nil)
	}
}

func transportError(err error) *message.Error {
	return message.MustError(message.CodeInternal, "transport closed", err.Error())
}
