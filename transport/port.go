// Package transport carries JSON-RPC traffic between two execution contexts.
//
// The lowest layer is a Port: something that can post an opaque payload to the
// other side and deliver payloads posted by it, tagged with the sender's
// origin. PipePort connects two contexts in the same process, ConnPort frames
// payloads over a byte stream such as TCP, and WebSocketPort uses one message
// per payload.
//
// A Channel sits on top of a Port. It addresses frames by name so several
// channels can share one port, runs a SYN/ACK handshake before releasing any
// data, and exposes a Stream of JSON values:
//
//	context A                          context B
//	Channel("a", target "b") ──port── Channel("b", target "a")
//	  Write(v) ─▶ {target:"b",data:v} ─▶ Read() == v
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"portrpc/codec"
	"portrpc/internal/queue"
	"portrpc/safeevent"
)

// ErrClosed is returned by writes to a closed port, channel or stream.
var ErrClosed = errors.New("transport: closed")

// Envelope is one delivered payload and the origin of its sender.
type Envelope struct {
	Origin string
	Data   []byte
}

// Port is the cross-context messaging primitive.
type Port interface {
	// Post sends data to the other side. It does not wait for delivery.
	Post(data []byte) error
	// Subscribe registers fn for every inbound envelope, in arrival order.
	// Envelopes that arrive before the first subscriber are held for it.
	Subscribe(fn func(Envelope)) (cancel func())
}

// Stream is a bidirectional, ordered stream of JSON values.
type Stream interface {
	Write(data json.RawMessage) error
	// Read blocks for the next value. It returns io.EOF once the stream has
	// ended and every queued value was read.
	Read(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// drainingPort is implemented by ports that can end on their own, e.g. when
// the remote end hangs up. Drained is closed after the port ended and every
// envelope it received was handed to subscribers.
type drainingPort interface {
	Drained() <-chan struct{}
}

type PortOption func(*portOptions)

type portOptions struct {
	origin    string
	codec     codec.CodecType
	heartbeat time.Duration
	readLimit int64
	logger    *slog.Logger
}

func defaultPortOptions() portOptions {
	return portOptions{
		codec:     codec.CodecTypeJSON,
		heartbeat: 30 * time.Second,
		readLimit: 4 << 20,
		logger:    slog.Default(),
	}
}

func applyPortOptions(opts []PortOption) portOptions {
	o := defaultPortOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithOrigin overrides the origin reported for envelopes received on the port.
func WithOrigin(origin string) PortOption {
	return func(o *portOptions) { o.origin = origin }
}

// WithPortCodec records the codec of posted payloads in frame headers.
func WithPortCodec(t codec.CodecType) PortOption {
	return func(o *portOptions) { o.codec = t }
}

// WithHeartbeat sets the keepalive interval. Zero disables it.
func WithHeartbeat(d time.Duration) PortOption {
	return func(o *portOptions) { o.heartbeat = d }
}

// WithReadLimit bounds a single inbound WebSocket message.
func WithReadLimit(n int64) PortOption {
	return func(o *portOptions) { o.readLimit = n }
}

func WithPortLogger(lg *slog.Logger) PortOption {
	return func(o *portOptions) {
		if lg != nil {
			o.logger = lg
		}
	}
}

// hub buffers inbound envelopes and fans them out to subscribers on a single
// goroutine, started by the first Subscribe.
type hub struct {
	inbox   *queue.Queue[Envelope]
	events  *safeevent.Emitter[Envelope]
	start   sync.Once
	drained chan struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		inbox:   queue.New[Envelope](),
		events:  safeevent.New[Envelope]("envelope", logger),
		drained: make(chan struct{}),
	}
}

func (h *hub) subscribe(fn func(Envelope)) func() {
	cancel := h.events.Subscribe(fn)
	h.start.Do(func() { go h.deliverLoop() })
	return cancel
}

func (h *hub) deliverLoop() {
	defer close(h.drained)
	for {
		env, err := h.inbox.Pop(context.Background())
		if err != nil {
			return
		}
		h.events.Emit(env)
	}
}

func (h *hub) push(env Envelope) bool {
	return h.inbox.Push(env)
}

func (h *hub) close() {
	h.inbox.Close()
}
