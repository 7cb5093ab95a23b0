package client

import (
	"log/slog"
	"time"

	"portrpc/codec"
	"portrpc/engine"
	"portrpc/metrics"
	"portrpc/rpcstream"
)

// Default channel names. A server's channel uses them the other way round.
const (
	DefaultName     = "portrpc-client"
	DefaultPeerName = "portrpc-server"
)

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	codec       codec.CodecType
	heartbeat   time.Duration
	streamName  string
	name        string
	peerName    string
	middlewares []engine.Middleware
	late        engine.LatePolicy
}

func defaultOptions() options {
	return options{
		logger:     slog.Default(),
		codec:      codec.CodecTypeJSON,
		heartbeat:  30 * time.Second,
		streamName: rpcstream.DefaultStreamName,
		name:       DefaultName,
		peerName:   DefaultPeerName,
		late:       engine.LateWarn,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Option func(*options)

func WithLogger(lg *slog.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.logger = lg
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCodec selects the frame encoding on the port. Both ends must agree.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithHeartbeat sets the port keepalive interval. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithStreamName selects the mux sub-stream carrying JSON-RPC traffic.
func WithStreamName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.streamName = name
		}
	}
}

// WithNames overrides the local and remote channel names.
func WithNames(name, peer string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
		if peer != "" {
			o.peerName = peer
		}
	}
}

// WithMiddleware adds outbound middleware. It runs after id remapping and
// before the request is written to the stream.
func WithMiddleware(mws ...engine.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithLatePolicy controls what happens to a response that arrives after the
// caller stopped waiting.
func WithLatePolicy(p engine.LatePolicy) Option {
	return func(o *options) { o.late = p }
}
