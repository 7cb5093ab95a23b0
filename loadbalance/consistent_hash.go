package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"portrpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring.
// The same key always maps to the same endpoint (until the ring changes),
// which keeps per-key state on one server.
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per endpoint ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real endpoint

	mu        sync.Mutex
	signature string                       // endpoint set the ring was built from
	ring      []uint32                     // Sorted hash values on the ring
	nodes     map[uint32]registry.Endpoint // Hash value → endpoint mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// rebuild places every endpoint onto the ring with N virtual nodes, unless
// the ring already reflects this endpoint set. Caller holds mu.
func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	sort.Strings(addrs)
	signature := strings.Join(addrs, ",")
	if signature == b.signature && len(b.ring) > 0 {
		return
	}

	b.signature = signature
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the endpoint responsible for key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(endpoints)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
