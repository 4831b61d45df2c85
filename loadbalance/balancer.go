// Package loadbalance picks one discovery.Instance from a client's
// candidate list before dialing, then learns from how that pick actually
// performed. Three strategies are implemented:
//
//   - RoundRobin:      stateless connectd servers, equal capacity
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - ConsistentHash:  servers a client wants session/cache affinity with
//
// All three share the health tracker in this file: a client reports the
// outcome of each connection attempt through Feedback, using the dial/auth
// error for failures and conn.Connection.Latency() for successes. Every
// strategy uses that history to steer future picks away from instances
// that just failed; WeightedRandom also favors ones observed to answer
// fast.
package loadbalance

import (
	"sync"
	"time"

	"connectd/discovery"
)

// Balancer is the interface for load balancing strategies. A client calls
// Pick() before each (re)connect to select a target instance, and
// Feedback() once the attempt resolves.
type Balancer interface {
	// Pick selects one instance from the available list. Called on every
	// connection attempt — must be goroutine-safe.
	Pick(instances []discovery.Instance) (*discovery.Instance, error)

	// Feedback reports how the most recent attempt against addr went.
	// latency is the heartbeat round-trip observed once the resulting
	// Connection reached ACTIVE (conn.Connection.Latency()), or zero if
	// the attempt never got that far; err is the dial/auth failure, or
	// nil on success.
	Feedback(addr string, latency time.Duration, err error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// maxConsecutiveFailures is how many Feedback failures in a row knock an
// instance out of Pick's candidate set, until it either succeeds again or
// every candidate is equally unhealthy.
const maxConsecutiveFailures = 3

// latencyEWMAWeight is the smoothing factor applied to each new latency
// sample; lower weights favor the established trend over one slow sample.
const latencyEWMAWeight = 0.3

type addrStat struct {
	consecutiveFailures int
	latencyEWMA         time.Duration
}

// health is embedded by value in each strategy. Its zero value is usable
// directly (no constructor needed), matching the zero-value-friendly
// struct literals the rest of this package already favors.
type health struct {
	mu    sync.Mutex
	stats map[string]*addrStat
}

func (h *health) record(addr string, latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stats == nil {
		h.stats = make(map[string]*addrStat)
	}
	s, ok := h.stats[addr]
	if !ok {
		s = &addrStat{}
		h.stats[addr] = s
	}
	if err != nil {
		s.consecutiveFailures++
		return
	}
	s.consecutiveFailures = 0
	if latency <= 0 {
		return
	}
	if s.latencyEWMA == 0 {
		s.latencyEWMA = latency
		return
	}
	s.latencyEWMA = time.Duration(float64(s.latencyEWMA)*(1-latencyEWMAWeight) + float64(latency)*latencyEWMAWeight)
}

func (h *health) healthy(addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stats[addr]
	return !ok || s.consecutiveFailures < maxConsecutiveFailures
}

// score returns a weight multiplier in (0, 1]: instances with no history,
// or with latency at or below baseline, score near 1; slower ones are
// pulled down proportionally, floored so a single bad instance never hits
// exactly zero weight.
func (h *health) score(addr string, baseline time.Duration) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stats[addr]
	if !ok || s.latencyEWMA <= 0 || baseline <= 0 {
		return 1
	}
	ratio := float64(baseline) / float64(s.latencyEWMA)
	switch {
	case ratio > 1:
		ratio = 1
	case ratio < 0.1:
		ratio = 0.1
	}
	return ratio
}

// averageLatency is the mean observed latencyEWMA across every instance
// with at least one successful sample, used as score's baseline.
func (h *health) averageLatency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sum time.Duration
	var n int
	for _, s := range h.stats {
		if s.latencyEWMA > 0 {
			sum += s.latencyEWMA
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// filterHealthy drops instances that just failed repeatedly, unless doing
// so would empty the list — a run of failures across every candidate is a
// reason to keep trying, not a reason to refuse to pick at all.
func (h *health) filterHealthy(instances []discovery.Instance) []discovery.Instance {
	out := make([]discovery.Instance, 0, len(instances))
	for _, inst := range instances {
		if h.healthy(inst.Addr) {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return instances
	}
	return out
}
