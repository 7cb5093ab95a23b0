// Package registry lets servers announce where their RPC endpoints live and
// lets clients find them.
package registry

import "context"

// Transport kinds an endpoint can be reached over.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

type Endpoint struct {
	Addr      string `json:"addr"`   // host:port for tcp, ws:// URL for ws
	Weight    int    `json:"weight"` // Weight for load balancing
	Version   string `json:"version"`
	Transport string `json:"transport"` // "tcp" (default) or "ws"
}

type Registry interface {
	Register(ctx context.Context, serviceName string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]Endpoint, error)
	// Watch emits the full endpoint list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []Endpoint
}
