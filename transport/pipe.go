package transport

import (
	"bytes"
	"log/slog"
	"sync"
)

// PipePort is one end of an in-process port pair. Posts are asynchronous and
// delivered in order, like messages between two windows.
type PipePort struct {
	origin    string
	peer      *PipePort
	hub       *hub
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe returns two connected ports. Envelopes posted on a carry originA,
// envelopes posted on b carry originB.
func NewPipe(originA, originB string) (*PipePort, *PipePort) {
	a := &PipePort{origin: originA, hub: newHub(slog.Default()), done: make(chan struct{})}
	b := &PipePort{origin: originB, hub: newHub(slog.Default()), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipePort) Post(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if !p.peer.hub.push(Envelope{Origin: p.origin, Data: bytes.Clone(data)}) {
		return ErrClosed
	}
	return nil
}

func (p *PipePort) Subscribe(fn func(Envelope)) func() {
	return p.hub.subscribe(fn)
}

// Origin returns the origin stamped on envelopes posted from this end.
func (p *PipePort) Origin() string {
	return p.origin
}

// Close stops this end. Envelopes already queued are still delivered.
func (p *PipePort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.hub.close()
	})
	return nil
}

// Drained is closed once the port ended and its queued envelopes were
// delivered.
func (p *PipePort) Drained() <-chan struct{} {
	return p.hub.drained
}

func (p *PipePort) Done() <-chan struct{} {
	return p.done
}
