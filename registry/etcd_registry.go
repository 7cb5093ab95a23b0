// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for RPC endpoints:
//
//	Key:   {prefix}{ServiceName}/{Addr}     prefix defaults to /portrpc/
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, preventing "ghost" endpoints.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultPrefix = "/portrpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithLogger(lg *slog.Logger) EtcdOption {
	return func(r *EtcdRegistry) {
		if lg != nil {
			r.logger = lg
		}
	}
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: slog.Default(),
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register adds an endpoint to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// KeepAlive is bound to a background context: it must outlive ctx, which
// only bounds the registration round trips.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, ep Endpoint, ttl int64) error {
	if ep.Transport == "" {
		ep.Transport = TransportTCP
	}

	// Create a TTL-based lease; if KeepAlive stops, the entry auto-expires
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := r.key(serviceName, ep.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("etcd lease keepalive stopped", "key", key)
	}()
	return nil
}

// Deregister removes an endpoint from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.logger.Warn("etcd lease revoke failed", "key", key, "error", err)
		}
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated endpoint lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	prefix := r.prefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list
			// (simpler than parsing individual watch events)
			endpoints, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("etcd rediscovery failed", "service", serviceName, "error", err)
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered endpoints for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Debug("skipping malformed endpoint", "key", string(kv.Key))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
