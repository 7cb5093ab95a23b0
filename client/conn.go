package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"portrpc/engine"
	"portrpc/message"
	"portrpc/middleware"
	"portrpc/mux"
	"portrpc/rpcstream"
	"portrpc/transport"
)

// Port is a transport.Port the session owns and closes.
type Port interface {
	transport.Port
	Close() error
}

// Conn is one JSON-RPC session with a peer.
//
// Outbound calls run through a client-side engine:
//
//	Validate → IDRemap → Logging → user middleware → bridge (writes to the "rpc" sub-stream)
//
// The bridge resolves each call when the response with its wire id arrives,
// and IDRemap puts the caller's id back on the way out.
type Conn struct {
	port    Port
	channel *transport.Channel
	mux     *mux.Mux
	bridge  *rpcstream.Bridge
	engine  *engine.Engine
	logger  *slog.Logger

	seq       atomic.Int64
	cancel    context.CancelFunc
	served    chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr and completes the channel handshake. addr is either
// host:port for a framed TCP connection or a ws:// or wss:// URL.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	o := applyOptions(opts)
	portOpts := []transport.PortOption{
		transport.WithPortCodec(o.codec),
		transport.WithHeartbeat(o.heartbeat),
		transport.WithPortLogger(o.logger),
	}

	var port Port
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		wp, err := transport.DialWebSocket(ctx, addr, portOpts...)
		if err != nil {
			return nil, err
		}
		port = wp
	} else {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		port = transport.NewConnPort(nc, append(portOpts, transport.WithOrigin(addr))...)
	}

	c, err := NewConn(ctx, port, opts...)
	if err != nil {
		port.Close()
		return nil, err
	}
	return c, nil
}

// NewConn runs a session over an already connected port. It returns once the
// peer answered the handshake, or with ctx's error.
func NewConn(ctx context.Context, port Port, opts ...Option) (*Conn, error) {
	o := applyOptions(opts)

	ch, err := transport.NewChannel(o.name, o.peerName, port,
		transport.WithCodec(o.codec),
		transport.WithLogger(o.logger),
		transport.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}
	select {
	case <-ch.Ready():
	case <-ch.Done():
		return nil, fmt.Errorf("client: port closed during handshake: %w", transport.ErrClosed)
	case <-ctx.Done():
		ch.Close()
		return nil, fmt.Errorf("client: handshake with %s: %w", o.peerName, ctx.Err())
	}

	// Reserve the stream so a value the peer sends right after the handshake
	// is queued rather than dropped as unknown.
	m := mux.New(ch, mux.WithLogger(o.logger), mux.WithMetrics(o.metrics), mux.WithStreams(o.streamName))
	stream, err := m.CreateStream(o.streamName)
	if err != nil {
		m.Close()
		return nil, err
	}
	bridge := rpcstream.New(stream,
		rpcstream.WithLogger(o.logger),
		rpcstream.WithMetrics(o.metrics),
	)

	mws := []engine.Middleware{
		middleware.Validate(o.logger),
		middleware.IDRemap(middleware.UUIDs),
		middleware.LoggingMiddleware(o.logger),
	}
	mws = append(mws, o.middlewares...)
	mws = append(mws, bridge.Middleware())

	serveCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		port:    port,
		channel: ch,
		mux:     m,
		bridge:  bridge,
		engine:  engine.New(mws, engine.WithLogger(o.logger), engine.WithLatePolicy(o.late)),
		logger:  o.logger,
		cancel:  cancel,
		served:  make(chan struct{}),
	}
	go func() {
		defer close(c.served)
		if err := bridge.Serve(serveCtx); err != nil {
			c.logger.Warn("session ended", "error", err)
		}
	}()
	return c, nil
}

// Call invokes method and decodes the result into reply. reply may be nil
// when the result is not needed. A structured error from the peer is
// returned as *message.Error.
func (c *Conn) Call(ctx context.Context, method string, params, reply any) error {
	req, err := message.NewRequest(message.NumberID(c.seq.Add(1)), method, params)
	if err != nil {
		return err
	}
	res, err := c.engine.Handle(ctx, req)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	if reply == nil {
		return nil
	}
	return res.Decode(reply)
}

// Notify sends a notification. It returns once the notification was written.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	req, err := message.NewRequest("", method, params)
	if err != nil {
		return err
	}
	res, err := c.engine.Handle(ctx, req)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// OnNotification subscribes to notifications pushed by the peer.
func (c *Conn) OnNotification(fn func(*message.Request)) (cancel func()) {
	return c.bridge.OnNotification(func(raw json.RawMessage) {
		var req message.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.logger.Debug("dropping undecodable notification", "error", err)
			return
		}
		fn(&req)
	})
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	return c.bridge.Pending()
}

// Done is closed once the session has ended, locally or by the peer.
func (c *Conn) Done() <-chan struct{} {
	return c.served
}

// Close ends the session. Calls still pending fail with a transport error.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.mux.Close()
		if perr := c.port.Close(); perr != nil && !errors.Is(perr, transport.ErrClosed) {
			err = perr
		}
		<-c.served
	})
	return err
}
