package loadbalance

import (
	"fmt"
	"testing"

	"portrpc/registry"
)

var testEndpoints = []registry.Endpoint{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all endpoints
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		ep, err := b.Pick("", testEndpoints)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = ep.Addr
	}
	if results[0] != ":8001" || results[1] != ":8002" || results[2] != ":8003" {
		t.Fatalf("expect endpoints in order, got %v", results)
	}

	// Pick again, should wrap around to first
	ep, _ := b.Pick("", testEndpoints)
	if ep.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], ep.Addr)
	}
}

func TestEmptyEndpoints(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		if _, err := b.Pick("k", nil); err != ErrNoEndpoints {
			t.Fatalf("%s: expect ErrNoEndpoints, got %v", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := make(map[string]int)
	for i := 0; i < 10000; i++ {
		ep, err := b.Pick("", testEndpoints)
		if err != nil {
			t.Fatal(err)
		}
		counts[ep.Addr]++
	}

	// :8002 has half the weight of the others
	t.Logf("distribution: %v", counts)
	if counts[":8002"] >= counts[":8001"] || counts[":8002"] >= counts[":8003"] {
		t.Fatalf("expect :8002 to be picked least, got %v", counts)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []registry.Endpoint{{Addr: "a"}, {Addr: "b"}}
	for i := 0; i < 100; i++ {
		if _, err := b.Pick("", eps); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// The same key always lands on the same endpoint
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("session-%d", i)
		first, _ := b.Pick(key, testEndpoints)
		for j := 0; j < 5; j++ {
			again, _ := b.Pick(key, testEndpoints)
			if again.Addr != first.Addr {
				t.Fatalf("key %s moved from %s to %s", key, first.Addr, again.Addr)
			}
		}
	}

	// Removing one endpoint only moves the keys that lived on it
	moved := 0
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("k%d", i)
		before, _ := b.Pick(key, testEndpoints)
		after, _ := b.Pick(key, testEndpoints[:2])
		if before.Addr != ":8003" && before.Addr != after.Addr {
			moved++
		}
	}
	if moved != 0 {
		t.Fatalf("expect no keys to move off surviving endpoints, %d moved", moved)
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "round_robin", "weighted_random", "consistent_hash"} {
		if _, err := New(name); err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
	}
	if _, err := New("random"); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
