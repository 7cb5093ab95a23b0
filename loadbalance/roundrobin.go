package loadbalance

import (
	"sync/atomic"

	"portrpc/registry"
)

// RoundRobinBalancer distributes picks evenly across all endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all endpoints have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick()
}

// Pick selects the next endpoint in round-robin order; key is ignored.
func (b *RoundRobinBalancer) Pick(_ string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
