// Package loadbalance provides strategies for choosing which registered
// endpoint a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity endpoints
//   - WeightedRandom:  Heterogeneous endpoints (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring affinity per key
package loadbalance

import (
	"errors"
	"fmt"

	"portrpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() whenever it needs a connection to a service.
type Balancer interface {
	// Pick selects one endpoint. key identifies the caller's affinity
	// (e.g. the method or a session id); strategies may ignore it.
	// Must be goroutine-safe.
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the strategy called name: "round_robin", "weighted_random" or
// "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
