package dispatch

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flowplane/flowplane/registry"
)

// Candidate pairs a server snapshot with its current in-flight count for
// the policies that need it.
type Candidate struct {
	Record   *registry.ServerRecord
	InFlight int64
}

// RouteKey carries the caller-supplied hints a policy may key on.
type RouteKey struct {
	RoutingKey string
	CallerIP   string
	SessionID  string
}

// Policy picks one server from a non-empty candidate set. The candidate
// slice ordering is stable within one call but not across calls.
type Policy interface {
	Name() string
	Pick(candidates []Candidate, key RouteKey) *registry.ServerRecord
}

// NewPolicy returns the named policy, falling back to round-robin for
// unknown names.
func NewPolicy(name string) Policy {
	switch name {
	case "least_connections":
		return &LeastConnections{}
	case "weighted_round_robin":
		return &WeightedRoundRobin{}
	case "random":
		return &Random{}
	case "consistent_hash":
		return &ConsistentHash{}
	case "ip_hash":
		return &IPHash{}
	default:
		return &RoundRobin{}
	}
}

// RoundRobin cycles a global atomic counter over the candidate set.
type RoundRobin struct {
	counter atomic.Uint64
}

func (p *RoundRobin) Name() string { return "round_robin" }

func (p *RoundRobin) Pick(candidates []Candidate, _ RouteKey) *registry.ServerRecord {
	n := p.counter.Add(1) - 1
	return candidates[n%uint64(len(candidates))].Record
}

// LeastConnections picks the candidate with the fewest in-flight calls,
// first seen wins ties.
type LeastConnections struct{}

func (p *LeastConnections) Name() string { return "least_connections" }

func (p *LeastConnections) Pick(candidates []Candidate, _ RouteKey) *registry.ServerRecord {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.InFlight < best.InFlight {
			best = c
		}
	}
	return best.Record
}

// WeightedRoundRobin expands candidates by integer weight (minimum 1) and
// round-robins over the expansion.
type WeightedRoundRobin struct {
	counter atomic.Uint64
}

func (p *WeightedRoundRobin) Name() string { return "weighted_round_robin" }

func (p *WeightedRoundRobin) Pick(candidates []Candidate, _ RouteKey) *registry.ServerRecord {
	total := 0
	for _, c := range candidates {
		total += weightOf(c.Record)
	}
	slot := int((p.counter.Add(1) - 1) % uint64(total))
	for _, c := range candidates {
		slot -= weightOf(c.Record)
		if slot < 0 {
			return c.Record
		}
	}
	return candidates[len(candidates)-1].Record
}

func weightOf(rec *registry.ServerRecord) int {
	if rec.Weight < 1 {
		return 1
	}
	return rec.Weight
}

// Random picks uniformly.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (p *Random) Name() string { return "random" }

func (p *Random) Pick(candidates []Candidate, _ RouteKey) *registry.ServerRecord {
	p.mu.Lock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	i := p.rng.Intn(len(candidates))
	p.mu.Unlock()
	return candidates[i].Record
}

// ConsistentHash hashes the routing key and picks the candidate whose
// hashed identity is the smallest value >= the key hash, wrapping around.
// Only candidate identities are hashed, so no ring state is kept between
// calls.
type ConsistentHash struct{}

func (p *ConsistentHash) Name() string { return "consistent_hash" }

func (p *ConsistentHash) Pick(candidates []Candidate, key RouteKey) *registry.ServerRecord {
	return pickByHash(candidates, key.RoutingKey)
}

// IPHash is ConsistentHash keyed on the caller IP when provided, else the
// routing key.
type IPHash struct{}

func (p *IPHash) Name() string { return "ip_hash" }

func (p *IPHash) Pick(candidates []Candidate, key RouteKey) *registry.ServerRecord {
	k := key.CallerIP
	if k == "" {
		k = key.RoutingKey
	}
	return pickByHash(candidates, k)
}

func pickByHash(candidates []Candidate, key string) *registry.ServerRecord {
	type point struct {
		hash uint64
		rec  *registry.ServerRecord
	}
	points := make([]point, len(candidates))
	for i, c := range candidates {
		points[i] = point{hash: hash64(c.Record.ID), rec: c.Record}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })

	kh := hash64(key)
	for _, pt := range points {
		if pt.hash >= kh {
			return pt.rec
		}
	}
	return points[0].rec
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
