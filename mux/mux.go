// Package mux carries several named sub-streams over one transport.Stream.
//
// Every value written to a sub-stream travels as {"name": <sub-stream>,
// "data": <value>}. Inbound envelopes are routed by name; envelopes for names
// nobody created, or for sub-streams already closed, are dropped.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"portrpc/internal/queue"
	"portrpc/metrics"
	"portrpc/transport"
)

var (
	ErrNameTaken  = errors.New("mux: sub-stream name already in use")
	ErrEmptyName  = errors.New("mux: sub-stream name is required")
	ErrMuxClosed  = errors.New("mux: closed")
	errNoEnvelope = errors.New("mux: value is not a sub-stream envelope")
)

type envelope struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func wrap(name string, data json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(envelope{Name: name, Data: data})
}

func unwrap(raw json.RawMessage) (string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errNoEnvelope, err)
	}
	if env.Name == "" || len(env.Data) == 0 {
		return "", nil, errNoEnvelope
	}
	return env.Name, env.Data, nil
}

// Mux owns the read side of its base stream; nothing else may read from it.
type Mux struct {
	base    transport.Stream
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	streams  map[string]*Stream
	reserved []string
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Mux)

func WithLogger(lg *slog.Logger) Option {
	return func(m *Mux) {
		if lg != nil {
			m.logger = lg
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mux) { m.metrics = mt }
}

// WithStreams reserves sub-streams before routing starts, so values that
// arrive before the matching CreateStream call are queued instead of dropped.
func WithStreams(names ...string) Option {
	return func(m *Mux) { m.reserved = append(m.reserved, names...) }
}

// New starts routing values read from base.
func New(base transport.Stream, opts ...Option) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		base:    base,
		logger:  slog.Default(),
		streams: make(map[string]*Stream),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, name := range m.reserved {
		if name != "" {
			m.streams[name] = newStream(name, m)
		}
	}
	go m.readLoop()
	return m
}

func newStream(name string, m *Mux) *Stream {
	return &Stream{name: name, mux: m, inbox: queue.New[json.RawMessage]()}
}

// CreateStream returns the sub-stream called name.
func (m *Mux) CreateStream(name string) (*Stream, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMuxClosed
	}
	if s, ok := m.streams[name]; ok {
		if s.claimed {
			return nil, fmt.Errorf("%w: %q", ErrNameTaken, name)
		}
		s.claimed = true
		return s, nil
	}
	s := newStream(name, m)
	s.claimed = true
	m.streams[name] = s
	return s, nil
}

func (m *Mux) readLoop() {
	defer m.shutdown()
	for {
		raw, err := m.base.Read(m.ctx)
		if err != nil {
			m.logger.Debug("mux base stream ended", "reason", err)
			return
		}
		name, data, err := unwrap(raw)
		if err != nil {
			m.metrics.FrameDropped(metrics.DropMalformed)
			m.logger.Debug("dropping value", "error", err)
			continue
		}
		m.mu.Lock()
		s := m.streams[name]
		m.mu.Unlock()
		if s == nil || !s.inbox.Push(data) {
			m.metrics.FrameDropped(metrics.DropUnknown)
			m.logger.Debug("dropping value for unknown or closed sub-stream", "name", name)
		}
	}
}

// shutdown ends every sub-stream. Values already routed stay readable.
func (m *Mux) shutdown() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		streams := make([]*Stream, 0, len(m.streams))
		for _, s := range m.streams {
			streams = append(streams, s)
		}
		m.mu.Unlock()

		for _, s := range streams {
			s.inbox.Close()
		}
		close(m.done)
	})
}

// Close closes the base stream and ends every sub-stream.
func (m *Mux) Close() error {
	m.cancel()
	err := m.base.Close()
	m.shutdown()
	return err
}

// Done is closed once the base stream has ended.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Stream is one named sub-stream. It implements transport.Stream.
type Stream struct {
	name    string
	mux     *Mux
	inbox   *queue.Queue[json.RawMessage]
	claimed bool // guarded by mux.mu
	closed  atomic.Bool
}

func (s *Stream) Name() string { return s.name }

func (s *Stream) Write(data json.RawMessage) error {
	if s.closed.Load() {
		return transport.ErrClosed
	}
	raw, err := wrap(s.name, data)
	if err != nil {
		return err
	}
	return s.mux.base.Write(raw)
}

func (s *Stream) Read(ctx context.Context) (json.RawMessage, error) {
	return s.inbox.Pop(ctx)
}

// Close ends this sub-stream only; its name stays reserved and later values
// for it are dropped.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.inbox.Close()
	return nil
}
