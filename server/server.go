// Package server serves JSON-RPC over framed TCP connections and WebSockets.
//
// Every accepted connection becomes a session:
//
//	Accept conn → ConnPort → Channel (SYN/ACK) → Mux → one Bridge per stream
//	  → for each request: Engine (Validate → Logging → Metrics → RateLimit →
//	    ParamsSchema → user middleware → method table)
//
// Requests on one session are processed concurrently; each response is
// written back on the stream the request came from.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"portrpc/engine"
	"portrpc/message"
	"portrpc/middleware"
	"portrpc/mux"
	"portrpc/registry"
	"portrpc/rpcstream"
	"portrpc/transport"
)

var (
	// ErrServing is returned when methods or middleware are added after the
	// first session started.
	ErrServing = errors.New("server: already serving")
	// ErrShutdown is returned when a session is offered to a server that is
	// shutting down.
	ErrShutdown = errors.New("server: shutting down")
)

// Server registers methods and serves them to every connected peer.
type Server struct {
	opts options

	mu          sync.Mutex
	table       map[string]any // method → scaffold entry
	middlewares []engine.Middleware
	listeners   []net.Listener
	advertised  []registry.Endpoint

	buildOnce sync.Once
	engine    *engine.Engine
	buildErr  error

	ctx      context.Context // cancelled once in-flight requests drained on shutdown
	cancel   context.CancelFunc
	shutdown atomic.Bool
	requests tracker // in-flight requests
	sessions tracker // live sessions
}

// NewServer creates a server with an empty method table.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   o,
		table:  make(map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register exposes the exported methods of rcvr (e.g. &Arith{}) as
// "Arith.Method". Suitable methods look like
//
//	func (t *T) Method(args *A, reply *R) error
//	func (t *T) Method(ctx context.Context, args *A, reply *R) error
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return ErrServing
	}
	for method, h := range svc.handlers() {
		s.table[method] = h
	}
	return nil
}

// Handle maps method to value. value is a handler, a middleware or a constant
// result, as accepted by middleware.Scaffold.
func (s *Server) Handle(method string, value any) error {
	if method == "" {
		return errors.New("server: method name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return ErrServing
	}
	s.table[method] = value
	return nil
}

// Use appends a middleware. It runs after the built-in stages and before the
// method table.
func (s *Server) Use(mw engine.Middleware) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return ErrServing
	}
	s.middlewares = append(s.middlewares, mw)
	return nil
}

// Methods lists the registered method names in order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.table))
	for m := range s.table {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// handler builds the request pipeline once, at the first session.
func (s *Server) handler() (*engine.Engine, error) {
	s.buildOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		lg := s.opts.logger
		known := make(map[string]bool, len(s.table))
		for method := range s.table {
			known[method] = true
		}
		mws := []engine.Middleware{
			middleware.Validate(lg),
			middleware.LoggingMiddleware(lg),
			middleware.Metrics(s.opts.metrics, func(method string) bool { return known[method] }),
		}
		if s.opts.rateLimit > 0 {
			mws = append(mws, middleware.RateLimitMiddleware(s.opts.rateLimit, s.opts.rateBurst))
		}
		if len(s.opts.schemas) > 0 {
			schema, err := middleware.ParamsSchema(s.opts.schemas)
			if err != nil {
				s.buildErr = err
				return
			}
			mws = append(mws, schema)
		}
		if len(s.middlewares) > 0 {
			mws = append(mws, middleware.Chain(s.middlewares...))
		}
		mws = append(mws, middleware.Scaffold(s.table))

		s.engine = engine.New(mws, engine.WithLogger(lg))
	})
	return s.engine, s.buildErr
}

// trackedHandler counts requests in flight so Shutdown can wait for them,
// and turns new requests away once shutdown began.
type trackedHandler struct {
	engine   *engine.Engine
	requests *tracker
}

func (h trackedHandler) HandleAsync(ctx context.Context, req *message.Request, cb func(*message.Response)) {
	if !h.requests.enter() {
		res := message.NewResponse(req)
		res.Error = message.MustError(message.CodeInternal, "server shutting down", map[string]string{"method": req.Method})
		cb(res)
		return
	}
	h.engine.HandleAsync(ctx, req, func(res *message.Response) {
		defer h.requests.leave()
		cb(res)
	})
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener)
}

// ServeListener accepts framed connections on l until Shutdown. Services are
// announced in the registry, if one is configured, at the advertise address.
func (s *Server) ServeListener(l net.Listener) error {
	if _, err := s.handler(); err != nil {
		l.Close()
		return err
	}
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrShutdown
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	if s.opts.registry != nil && s.opts.advertiseAddr != "" {
		ep := registry.Endpoint{Addr: s.opts.advertiseAddr, Weight: 10, Transport: registry.TransportTCP}
		if err := s.Advertise(context.Background(), ep); err != nil {
			return err
		}
	}

	s.opts.logger.Info("serving", "network", l.Addr().Network(), "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener in Shutdown ends Accept with an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		port := transport.NewConnPort(conn,
			transport.WithOrigin(conn.RemoteAddr().String()),
			transport.WithPortCodec(s.opts.codec),
			transport.WithHeartbeat(s.opts.heartbeat),
			transport.WithPortLogger(s.opts.logger),
		)
		if !s.sessions.enter() {
			port.Close()
			continue
		}
		go func() {
			defer s.sessions.leave()
			defer port.Close()
			if err := s.serveConn(s.ctx, port); err != nil {
				s.opts.logger.Warn("session failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// WebSocketHandler upgrades HTTP requests and serves each WebSocket as a
// session. The handler returns when the session ends.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.enter() {
			http.Error(w, ErrShutdown.Error(), http.StatusServiceUnavailable)
			return
		}
		defer s.sessions.leave()

		port, err := transport.AcceptWebSocket(w, r, s.opts.originPatterns,
			transport.WithPortCodec(s.opts.codec),
			transport.WithHeartbeat(s.opts.heartbeat),
			transport.WithPortLogger(s.opts.logger),
		)
		if err != nil {
			s.opts.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer port.Close()
		if err := s.serveConn(s.ctx, port); err != nil {
			s.opts.logger.Warn("session failed", "remote", r.RemoteAddr, "error", err)
		}
	})
}

// ServeConn runs one session over port until the peer goes away, ctx is done
// or the server shuts down. The caller keeps ownership of port.
func (s *Server) ServeConn(ctx context.Context, port transport.Port) error {
	if !s.sessions.enter() {
		return ErrShutdown
	}
	defer s.sessions.leave()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.serveConn(ctx, port)
}

func (s *Server) serveConn(ctx context.Context, port transport.Port) error {
	e, err := s.handler()
	if err != nil {
		return err
	}
	h := trackedHandler{engine: e, requests: &s.requests}
	lg := s.opts.logger

	ch, err := transport.NewChannel(s.opts.name, s.opts.peerName, port,
		transport.WithCodec(s.opts.codec),
		transport.WithLogger(lg),
		transport.WithMetrics(s.opts.metrics),
	)
	if err != nil {
		return err
	}
	defer ch.Close()

	select {
	case <-ch.Ready():
	case <-ch.Done():
		return nil
	case <-ctx.Done():
		return nil
	}

	m := mux.New(ch,
		mux.WithStreams(s.opts.streams...),
		mux.WithLogger(lg),
		mux.WithMetrics(s.opts.metrics),
	)
	defer m.Close()

	s.opts.metrics.PeerConnected()
	defer s.opts.metrics.PeerDisconnected()
	lg.Debug("session started", "peer", s.opts.peerName)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.opts.streams {
		stream, err := m.CreateStream(name)
		if err != nil {
			return fmt.Errorf("server: open stream %q: %w", name, err)
		}
		bridge := rpcstream.New(stream,
			rpcstream.WithHandler(h),
			rpcstream.WithLogger(lg.With("stream", name)),
			rpcstream.WithMetrics(s.opts.metrics),
		)
		g.Go(func() error { return bridge.Serve(gctx) })
	}
	g.Go(func() error {
		select {
		case <-m.Done():
		case <-gctx.Done():
			m.Close()
		}
		return nil
	})
	err = g.Wait()
	lg.Debug("session ended", "peer", s.opts.peerName)
	return err
}

// Advertise announces every registered service at ep in the configured
// registry. Advertised endpoints are withdrawn by Shutdown.
func (s *Server) Advertise(ctx context.Context, ep registry.Endpoint) error {
	if s.opts.registry == nil {
		return errors.New("server: no registry configured")
	}
	for _, name := range s.serviceNames() {
		if err := s.opts.registry.Register(ctx, name, ep, s.opts.ttl); err != nil {
			return fmt.Errorf("server: register %s at %s: %w", name, ep.Addr, err)
		}
	}
	s.mu.Lock()
	s.advertised = append(s.advertised, ep)
	s.mu.Unlock()
	return nil
}

// serviceNames derives service names from "Service.Method" entries.
func (s *Server) serviceNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range s.Methods() {
		name, _, ok := strings.Cut(m, ".")
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// Shutdown performs graceful shutdown:
//  1. Withdraw advertised endpoints so clients stop routing here
//  2. Close the listeners
//  3. Wait for in-flight requests, turning new ones away
//  4. End every session
func (s *Server) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	s.mu.Lock()
	s.shutdown.Store(true)
	listeners := s.listeners
	s.listeners = nil
	advertised := s.advertised
	s.advertised = nil
	s.mu.Unlock()

	var errs []error
	if s.opts.registry != nil {
		names := s.serviceNames()
		for _, ep := range advertised {
			for _, name := range names {
				if err := s.opts.registry.Deregister(ctx, name, ep.Addr); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	for _, l := range listeners {
		l.Close()
	}

	select {
	case <-s.requests.drain():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: timeout waiting for ongoing requests to finish"))
	}

	s.cancel()
	select {
	case <-s.sessions.drain():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: timeout waiting for sessions to end"))
	}
	return errors.Join(errs...)
}

// tracker counts active units of work and reports when it drained after
// closing. Unlike sync.WaitGroup it may be entered while someone waits.
type tracker struct {
	mu      sync.Mutex
	active  int
	closing bool
	idle    chan struct{}
}

func (t *tracker) enter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.active++
	return true
}

func (t *tracker) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.closing && t.active == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

// drain stops admitting work and returns a channel closed once nothing is
// active.
func (t *tracker) drain() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	ch := make(chan struct{})
	if t.active == 0 {
		close(ch)
		return ch
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	return t.idle
}
