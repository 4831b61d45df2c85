package loadbalance

import (
	"fmt"
	"math/rand"
	"time"

	"connectd/discovery"
)

// WeightedRandomBalancer selects instances probabilistically based on
// their registration weight, discounted by what Feedback has actually
// observed: an instance running consistently slower than the fleet
// average has its effective weight pulled down, and one failing
// repeatedly drops out of the candidate set entirely. An instance with
// weight 10 and no latency penalty still gets roughly 2x the traffic of
// one with weight 5.
//
// Best for: heterogeneous servers (e.g. some have more CPU/memory).
//
// Algorithm:
//  1. candidates = healthy instances; effective weight = static weight *
//     health.score(observed latency vs fleet average)
//  2. Sum all effective weights → totalWeight
//  3. Generate random number r in [0, totalWeight)
//  4. Subtract each instance's effective weight from r until r < 0
//  5. The instance that makes r negative is selected
type WeightedRandomBalancer struct {
	health health
}

func (b *WeightedRandomBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	candidates := b.health.filterHealthy(instances)
	baseline := b.health.averageLatency()

	weights := make([]float64, len(candidates))
	var totalWeight float64
	for i, inst := range candidates {
		w := float64(inst.Weight)
		if w <= 0 {
			w = 1
		}
		w *= b.health.score(inst.Addr, baseline)
		weights[i] = w
		totalWeight += w
	}
	if totalWeight <= 0 {
		return &candidates[rand.Intn(len(candidates))], nil
	}

	r := rand.Float64() * totalWeight
	for i, w := range weights {
		r -= w
		if r < 0 {
			return &candidates[i], nil
		}
	}

	return &candidates[len(candidates)-1], nil
}

func (b *WeightedRandomBalancer) Feedback(addr string, latency time.Duration, err error) {
	b.health.record(addr, latency, err)
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
