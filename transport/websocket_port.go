package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"portrpc/codec"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketPort posts each payload as one WebSocket message. JSON payloads use
// text messages, CBOR payloads binary ones.
type WebSocketPort struct {
	conn    *websocket.Conn
	opts    portOptions
	msgType websocket.MessageType
	hub     *hub

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewWebSocketPort wraps an established connection and starts reading.
func NewWebSocketPort(conn *websocket.Conn, opts ...PortOption) *WebSocketPort {
	o := applyPortOptions(opts)
	if o.readLimit > 0 {
		conn.SetReadLimit(o.readLimit)
	}
	msgType := websocket.MessageText
	if o.codec == codec.CodecTypeCBOR {
		msgType = websocket.MessageBinary
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WebSocketPort{
		conn:    conn,
		opts:    o,
		msgType: msgType,
		hub:     newHub(o.logger),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.recvLoop()
	if o.heartbeat > 0 {
		go p.heartbeatLoop(o.heartbeat)
	}
	return p
}

// DialWebSocket connects to url, e.g. "ws://127.0.0.1:9090/ws".
func DialWebSocket(ctx context.Context, url string, opts ...PortOption) (*WebSocketPort, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocketPort(conn, append([]PortOption{WithOrigin(url)}, opts...)...), nil
}

// AcceptWebSocket upgrades an HTTP request. originPatterns lists the browser
// origins allowed besides the request's own host.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, originPatterns []string, opts ...PortOption) (*WebSocketPort, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return nil, fmt.Errorf("transport: accept websocket: %w", err)
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.RemoteAddr
	}
	return NewWebSocketPort(conn, append([]PortOption{WithOrigin(origin)}, opts...)...), nil
}

func (p *WebSocketPort) Post(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(p.ctx, wsWriteTimeout)
	defer cancel()
	if err := p.conn.Write(ctx, p.msgType, data); err != nil {
		p.fail(err)
		return err
	}
	return nil
}

func (p *WebSocketPort) Subscribe(fn func(Envelope)) func() {
	return p.hub.subscribe(fn)
}

func (p *WebSocketPort) recvLoop() {
	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			p.fail(err)
			return
		}
		if !p.hub.push(Envelope{Origin: p.opts.origin, Data: data}) {
			return
		}
	}
}

func (p *WebSocketPort) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(p.ctx, interval)
		err := p.conn.Ping(ctx)
		cancel()
		if err != nil {
			p.fail(err)
			return
		}
	}
}

func (p *WebSocketPort) fail(err error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()

		status := websocket.CloseStatus(err)
		if errors.Is(err, ErrClosed) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			p.opts.logger.Debug("websocket port closed", "origin", p.opts.origin)
		} else {
			p.opts.logger.Warn("websocket port failed", "origin", p.opts.origin, "error", err)
		}
		close(p.done)
		p.conn.Close(websocket.StatusNormalClosure, "")
		p.cancel()
		p.hub.close()
	})
}

func (p *WebSocketPort) Close() error {
	p.fail(ErrClosed)
	return nil
}

// Drained is closed once the port ended and its queued envelopes were
// delivered.
func (p *WebSocketPort) Drained() <-chan struct{} {
	return p.hub.drained
}

func (p *WebSocketPort) Done() <-chan struct{} {
	return p.done
}

func (p *WebSocketPort) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}
