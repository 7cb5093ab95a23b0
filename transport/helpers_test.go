package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func waitReady(t *testing.T, chans ...*Channel) {
	t.Helper()
	for _, c := range chans {
		select {
		case <-c.Ready():
		case <-time.After(2 * time.Second):
			t.Fatalf("channel %s never completed the handshake", c.Name())
		}
	}
}

func mustRead(t *testing.T, s Stream) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return v
}

func expectNothing(t *testing.T, s Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if v, err := s.Read(ctx); err == nil {
		t.Fatalf("expected no value, got %s", v)
	}
}

func mustChannel(t *testing.T, name, target string, port Port, opts ...ChannelOption) *Channel {
	t.Helper()
	c, err := NewChannel(name, target, port, opts...)
	if err != nil {
		t.Fatalf("NewChannel(%s): %v", name, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
