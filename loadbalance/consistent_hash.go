package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"connectd/discovery"
)

// ConsistentHashBalancer maps keys to instances using a hash ring. The
// same key maps to the same instance as long as that instance is healthy
// (until the ring changes), giving a client session/cache affinity with
// one connectd server without wedging it on a server Feedback has marked
// down.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the
// ring. Without virtual nodes, a few instances might cluster together on
// the ring, causing uneven load distribution. 100 virtual nodes per
// instance keeps it statistically uniform.
type ConsistentHashBalancer struct {
	replicas int                            // virtual nodes per real instance
	ring     []uint32                       // sorted hash values on the ring
	nodes    map[uint32]*discovery.Instance // hash value -> instance
	health   health
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Instance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes. Each
// virtual node is hashed from "{addr}#{i}" to spread evenly across the
// ring.
func (b *ConsistentHashBalancer) Add(instance *discovery.Instance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the instance responsible for the given key: it hashes the
// key, then finds the first ring node with hash >= the key's hash,
// wrapping around to the first node if the key's hash is larger than all
// of them (the defining ring property). If that node's instance has been
// marked unhealthy by Feedback, Pick walks forward around the ring to the
// next virtual node until it finds a healthy one, falling back to the
// original position only if every replica currently looks unhealthy. Pick
// takes a key, not an instance list, because consistent hashing is
// key-based — it does not implement Balancer directly.
func (b *ConsistentHashBalancer) Pick(key string) (*discovery.Instance, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	start := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if start == len(b.ring) {
		start = 0
	}

	for i := 0; i < len(b.ring); i++ {
		idx := (start + i) % len(b.ring)
		inst := b.nodes[b.ring[idx]]
		if b.health.healthy(inst.Addr) {
			return inst, nil
		}
	}
	return b.nodes[b.ring[start]], nil
}

func (b *ConsistentHashBalancer) Feedback(addr string, latency time.Duration, err error) {
	b.health.record(addr, latency, err)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
