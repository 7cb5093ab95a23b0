package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps endpoints in process. It suits single-host setups and
// tests; ttl is ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]Endpoint
	watchers  map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		endpoints: make(map[string][]Endpoint),
		watchers:  make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, serviceName string, ep Endpoint, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[serviceName]
	for i, cur := range eps {
		if cur.Addr == ep.Addr {
			eps[i] = ep
			m.notify(serviceName)
			return nil
		}
	}
	m.endpoints[serviceName] = append(eps, ep)
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[serviceName]
	for i, ep := range eps {
		if ep.Addr == addr {
			m.endpoints[serviceName] = append(eps[:i:i], eps[i+1:]...)
			m.notify(serviceName)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Endpoint(nil), m.endpoints[serviceName]...), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				m.watchers[serviceName] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with mu held. Slow watchers only see the latest list.
func (m *MemoryRegistry) notify(serviceName string) {
	snapshot := append([]Endpoint(nil), m.endpoints[serviceName]...)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
