package loadbalance

import (
	"fmt"
	"testing"
	"time"

	"connectd/discovery"
)

var testInstances = []discovery.Instance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]discovery.Instance{})
	if err == nil {
		t.Fatal("expect error for empty instances")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	// Same key should always map to the same instance
	inst1, _ := b.Pick("user-123")
	inst2, _ := b.Pick("user-123")
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}

	// With 100 different keys and 3 nodes, we should hit at least 2
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashEmpty(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Pick("anything"); err == nil {
		t.Fatal("expect error for empty ring")
	}
}

func TestRoundRobinSkipsUnhealthyInstance(t *testing.T) {
	b := &RoundRobinBalancer{}
	b.Feedback(":8002", 0, fmt.Errorf("dial refused"))
	b.Feedback(":8002", 0, fmt.Errorf("dial refused"))
	b.Feedback(":8002", 0, fmt.Errorf("dial refused"))

	for i := 0; i < 10; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr == ":8002" {
			t.Fatalf("expected unhealthy instance :8002 to be skipped, got picked")
		}
	}
}

func TestRoundRobinRecoversAfterSuccess(t *testing.T) {
	b := &RoundRobinBalancer{}
	b.Feedback(":8002", 0, fmt.Errorf("dial refused"))
	b.Feedback(":8002", 0, fmt.Errorf("dial refused"))
	b.Feedback(":8002", 0, fmt.Errorf("dial refused"))
	b.Feedback(":8002", 5*time.Millisecond, nil)

	seen := false
	for i := 0; i < 10; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr == ":8002" {
			seen = true
		}
	}
	if !seen {
		t.Fatal("expected :8002 to be eligible again after a successful Feedback")
	}
}

func TestWeightedRandomPrefersLowerLatency(t *testing.T) {
	b := &WeightedRandomBalancer{}
	b.Feedback(":8001", 5*time.Millisecond, nil)
	b.Feedback(":8003", 5*time.Millisecond, nil)
	b.Feedback(":8002", 200*time.Millisecond, nil)

	counts := map[string]int{}
	n := 5000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}
	if counts[":8002"] >= counts[":8001"] {
		t.Fatalf("expected latency penalty to suppress :8002 traffic, got :8002=%d :8001=%d", counts[":8002"], counts[":8001"])
	}
}

func TestConsistentHashSkipsUnhealthyReplica(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	first, err := b.Pick("user-123")
	if err != nil {
		t.Fatal(err)
	}
	b.Feedback(first.Addr, 0, fmt.Errorf("connection refused"))
	b.Feedback(first.Addr, 0, fmt.Errorf("connection refused"))
	b.Feedback(first.Addr, 0, fmt.Errorf("connection refused"))

	next, err := b.Pick("user-123")
	if err != nil {
		t.Fatal(err)
	}
	if next.Addr == first.Addr {
		t.Fatalf("expected lookup to move off unhealthy instance %s", first.Addr)
	}
}
