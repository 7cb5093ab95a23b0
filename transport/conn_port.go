package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"portrpc/protocol"
)

// ConnPort frames posted payloads over a byte stream connection.
//
// Two background goroutines run per port:
//   - recvLoop reads frames and queues their bodies for subscribers
//   - heartbeatLoop writes empty heartbeat frames so idle peers notice a dead link
//
// The sending mutex makes each frame write atomic; without it concurrent
// Posts would interleave header and body bytes and corrupt the stream.
type ConnPort struct {
	conn    net.Conn
	opts    portOptions
	seq     uint32 // protected by sending
	sending sync.Mutex
	hub     *hub

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewConnPort wraps conn and starts reading immediately. Frames that arrive
// before the first Subscribe are buffered.
func NewConnPort(conn net.Conn, opts ...PortOption) *ConnPort {
	o := applyPortOptions(opts)
	if o.origin == "" && conn.RemoteAddr() != nil {
		o.origin = conn.RemoteAddr().String()
	}
	p := &ConnPort{
		conn: conn,
		opts: o,
		hub:  newHub(o.logger),
		done: make(chan struct{}),
	}
	go p.recvLoop()
	if o.heartbeat > 0 {
		go p.heartbeatLoop(o.heartbeat)
	}
	return p
}

func (p *ConnPort) Post(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.sending.Lock()
	p.seq++
	header := protocol.Header{
		CodecType: byte(p.opts.codec),
		MsgType:   protocol.MsgTypeData,
		Seq:       p.seq,
	}
	err := protocol.Encode(p.conn, &header, data)
	p.sending.Unlock()

	if err != nil {
		p.fail(err)
		return err
	}
	return nil
}

func (p *ConnPort) Subscribe(fn func(Envelope)) func() {
	return p.hub.subscribe(fn)
}

// recvLoop is the only reader of conn; frame boundaries are only recoverable
// by reading sequentially.
func (p *ConnPort) recvLoop() {
	for {
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			p.fail(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if !p.hub.push(Envelope{Origin: p.opts.origin, Data: body}) {
			return
		}
	}
}

func (p *ConnPort) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		p.sending.Lock()
		err := protocol.Encode(p.conn, header, nil)
		p.sending.Unlock()
		if err != nil {
			p.fail(err)
			return
		}
	}
}

func (p *ConnPort) fail(err error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()

		switch {
		case errors.Is(err, ErrClosed), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			p.opts.logger.Debug("conn port closed", "origin", p.opts.origin, "reason", err)
		default:
			p.opts.logger.Warn("conn port failed", "origin", p.opts.origin, "error", err)
		}
		close(p.done)
		p.conn.Close()
		p.hub.close()
	})
}

// Close closes the connection.
func (p *ConnPort) Close() error {
	p.fail(ErrClosed)
	return nil
}

// Done is closed once the connection is gone.
// Drained is closed once the port ended and its queued envelopes were
// delivered.
func (p *ConnPort) Drained() <-chan struct{} {
	return p.hub.drained
}

func (p *ConnPort) Done() <-chan struct{} {
	return p.done
}

// Err reports why the port stopped, or nil while it is running.
func (p *ConnPort) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Conn returns the underlying connection.
func (p *ConnPort) Conn() net.Conn {
	return p.conn
}
