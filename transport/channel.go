package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"portrpc/codec"
	"portrpc/internal/queue"
	"portrpc/metrics"
)

const (
	ctlSyn = "syn"
	ctlAck = "ack"
)

// frame is what a Channel posts on its port. Exactly one of Ctl and Data is set.
type frame struct {
	Target string          `json:"target" cbor:"target"`
	Ctl    string          `json:"ctl,omitempty" cbor:"ctl,omitempty"`
	Data   json.RawMessage `json:"data,omitempty" cbor:"data,omitempty"`
}

// Channel is a named, handshaking Stream over a Port.
//
// Both ends post SYN when created. An end that sees SYN answers ACK; an end
// that sees its first ACK is initialized, answers ACK if it never saw SYN, and
// flushes writes buffered while the peer was not yet listening. Repeated
// markers after that change nothing.
type Channel struct {
	name          string
	target        string
	port          Port
	codec         codec.Codec
	allowedOrigin string
	logger        *slog.Logger
	metrics       *metrics.Metrics

	sendMu sync.Mutex // orders the post-handshake flush before later writes

	mu          sync.Mutex
	haveSyn     bool
	initialized bool
	closed      bool
	buffered    []json.RawMessage

	inbox       *queue.Queue[json.RawMessage]
	ready       chan struct{}
	done        chan struct{}
	unsubscribe func()
	closeOnce   sync.Once
}

type ChannelOption func(*Channel)

// WithCodec selects the frame codec. Both ends must agree.
func WithCodec(t codec.CodecType) ChannelOption {
	return func(c *Channel) { c.codec = codec.GetCodec(t) }
}

// WithAllowedOrigin drops envelopes whose origin differs from origin.
func WithAllowedOrigin(origin string) ChannelOption {
	return func(c *Channel) { c.allowedOrigin = origin }
}

func WithLogger(lg *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if lg != nil {
			c.logger = lg
		}
	}
}

func WithMetrics(m *metrics.Metrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// NewChannel subscribes to port and starts the handshake. name is this end's
// address, target the peer's.
func NewChannel(name, target string, port Port, opts ...ChannelOption) (*Channel, error) {
	if name == "" || target == "" {
		return nil, errors.New("transport: channel name and target are required")
	}
	if port == nil {
		return nil, errors.New("transport: channel needs a port")
	}
	c := &Channel{
		name:   name,
		target: target,
		port:   port,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		logger: slog.Default(),
		inbox:  queue.New[json.RawMessage](),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("channel", name, "target", target)

	c.unsubscribe = port.Subscribe(c.onEnvelope)
	if dp, ok := port.(drainingPort); ok {
		go c.watch(dp.Drained())
	}
	if err := c.post(frame{Target: target, Ctl: ctlSyn}); err != nil {
		c.logger.Warn("send syn failed", "error", err)
	}
	return c, nil
}

// watch closes the channel once the port ended and everything it received
// reached onEnvelope.
func (c *Channel) watch(portDrained <-chan struct{}) {
	select {
	case <-portDrained:
		c.logger.Debug("port gone, closing channel")
		c.Close()
	case <-c.done:
	}
}

func (c *Channel) post(f frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	return c.port.Post(data)
}

func (c *Channel) drop(reason string, args ...any) {
	c.metrics.FrameDropped(reason)
	c.logger.Debug("dropping frame", append([]any{"reason", reason}, args...)...)
}

func (c *Channel) onEnvelope(env Envelope) {
	if c.allowedOrigin != "" && env.Origin != c.allowedOrigin {
		c.drop(metrics.DropOrigin, "origin", env.Origin)
		return
	}
	var f frame
	if err := c.codec.Decode(env.Data, &f); err != nil {
		c.drop(metrics.DropMalformed, "error", err)
		return
	}
	if f.Target != c.name {
		// Shared ports carry frames for other channels.
		c.metrics.FrameDropped(metrics.DropTarget)
		return
	}
	switch f.Ctl {
	case ctlSyn:
		c.onSyn()
	case ctlAck:
		c.onAck()
	case "":
		c.onData(f.Data)
	default:
		c.drop(metrics.DropMalformed, "ctl", f.Ctl)
	}
}

func (c *Channel) onSyn() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.haveSyn = true
	c.mu.Unlock()

	if err := c.post(frame{Target: c.target, Ctl: ctlAck}); err != nil {
		c.logger.Warn("send ack failed", "error", err)
	}
}

func (c *Channel) onAck() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.initialized || c.closed {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	replyAck := !c.haveSyn
	buffered := c.buffered
	c.buffered = nil
	c.mu.Unlock()

	close(c.ready)
	c.logger.Debug("channel initialized", "flushed", len(buffered))

	if replyAck {
		if err := c.post(frame{Target: c.target, Ctl: ctlAck}); err != nil {
			c.logger.Warn("send ack failed", "error", err)
		}
	}
	for _, data := range buffered {
		if err := c.post(frame{Target: c.target, Data: data}); err != nil {
			c.logger.Warn("flush buffered write failed", "error", err)
			return
		}
	}
}

func (c *Channel) onData(data json.RawMessage) {
	if len(data) == 0 {
		c.drop(metrics.DropMalformed, "error", "empty data")
		return
	}
	if !c.inbox.Push(data) {
		c.drop(metrics.DropClosed)
	}
}

// Write sends data to the peer. Before the handshake completes writes are
// buffered and flushed in order once it does.
func (c *Channel) Write(data json.RawMessage) error {
	if len(data) == 0 {
		return errors.New("transport: empty payload")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.initialized {
		c.buffered = append(c.buffered, bytes.Clone(data))
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.post(frame{Target: c.target, Data: data})
}

// Read returns the next value from the peer.
func (c *Channel) Read(ctx context.Context) (json.RawMessage, error) {
	return c.inbox.Pop(ctx)
}

// Close detaches from the port. Values already received stay readable; the
// port itself is left open since other channels may share it.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.buffered = nil
		c.mu.Unlock()

		c.unsubscribe()
		c.inbox.Close()
		close(c.done)
	})
	return nil
}

// Ready is closed when the handshake completes.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed when the channel is closed, either explicitly or because its
// port went away.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Channel) Name() string   { return c.name }
func (c *Channel) Target() string { return c.target }
