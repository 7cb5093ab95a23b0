package server

import (
	"log/slog"
	"time"

	"portrpc/codec"
	"portrpc/metrics"
	"portrpc/registry"
	"portrpc/rpcstream"
)

// Default channel names. Clients use them the other way round.
const (
	DefaultName     = "portrpc-server"
	DefaultPeerName = "portrpc-client"
)

type options struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	codec          codec.CodecType
	heartbeat      time.Duration
	name           string
	peerName       string
	streams        []string
	rateLimit      float64
	rateBurst      int
	schemas        map[string]string
	originPatterns []string

	registry      registry.Registry
	advertiseAddr string // routable address registered for TCP listeners
	ttl           int64
}

func defaultOptions() options {
	return options{
		logger:    slog.Default(),
		codec:     codec.CodecTypeJSON,
		heartbeat: 30 * time.Second,
		name:      DefaultName,
		peerName:  DefaultPeerName,
		streams:   []string{rpcstream.DefaultStreamName},
		ttl:       10,
	}
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

// WithCodec selects the frame encoding on accepted ports.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithHeartbeat sets the keepalive interval on accepted ports. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
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

// WithStreams lists the mux sub-streams served with JSON-RPC. Every stream
// shares the same handler pipeline.
func WithStreams(names ...string) Option {
	return func(o *options) {
		if len(names) > 0 {
			o.streams = names
		}
	}
}

// WithRateLimit admits rps requests per second across all sessions, with
// bursts of up to burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rps
		o.rateBurst = burst
	}
}

// WithParamsSchemas validates params per method against JSON Schema sources.
func WithParamsSchemas(schemas map[string]string) Option {
	return func(o *options) { o.schemas = schemas }
}

// WithOriginPatterns lists the browser origins accepted by WebSocketHandler
// besides the request's own host.
func WithOriginPatterns(patterns ...string) Option {
	return func(o *options) { o.originPatterns = patterns }
}

// WithRegistry announces every registered service in reg. TCP listeners are
// announced at advertiseAddr, which must be routable from clients: a listen
// address such as ":8080" is not. ttl is the lease time in seconds.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.advertiseAddr = advertiseAddr
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}
