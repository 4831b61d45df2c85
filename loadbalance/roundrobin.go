package loadbalance

import (
	"fmt"
	"sync/atomic"
	"time"

	"connectd/discovery"
)

// RoundRobinBalancer distributes connection attempts evenly across
// instances in order, skipping any that Feedback has marked down until
// they recover or every candidate is equally unhealthy. Uses an atomic
// counter for lock-free, goroutine-safe rotation.
//
// Best for: stateless servers where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter int64 // incremented on each Pick()
	health  health
}

// Pick selects the next instance in round-robin order among the healthy
// candidates.
func (b *RoundRobinBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	candidates := b.health.filterHealthy(instances)
	index := atomic.AddInt64(&b.counter, 1) % int64(len(candidates))
	return &candidates[index], nil
}

func (b *RoundRobinBalancer) Feedback(addr string, latency time.Duration, err error) {
	b.health.record(addr, latency, err)
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
