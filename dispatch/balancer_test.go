package dispatch

import (
	"testing"

	"github.com/flowplane/flowplane/registry"
)

func makeCandidates(ids ...string) []Candidate {
	out := make([]Candidate, len(ids))
	for i, id := range ids {
		out[i] = Candidate{Record: &registry.ServerRecord{ID: id, Weight: 100}}
	}
	return out
}

func TestNewPolicyNames(t *testing.T) {
	cases := map[string]string{
		"round_robin":          "round_robin",
		"least_connections":    "least_connections",
		"weighted_round_robin": "weighted_round_robin",
		"random":               "random",
		"consistent_hash":      "consistent_hash",
		"ip_hash":              "ip_hash",
		"bogus":                "round_robin", // unknown falls back
	}
	for in, want := range cases {
		if got := NewPolicy(in).Name(); got != want {
			t.Errorf("NewPolicy(%q).Name() = %q, want %q", in, got, want)
		}
	}
}

func TestRoundRobinCycles(t *testing.T) {
	p := &RoundRobin{}
	candidates := makeCandidates("a", "b", "c")

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, p.Pick(candidates, RouteKey{}).ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pick sequence = %v, want %v", got, want)
		}
	}
}

func TestLeastConnectionsPrefersIdleServer(t *testing.T) {
	p := &LeastConnections{}
	candidates := []Candidate{
		{Record: &registry.ServerRecord{ID: "busy"}, InFlight: 7},
		{Record: &registry.ServerRecord{ID: "idle"}, InFlight: 0},
		{Record: &registry.ServerRecord{ID: "mid"}, InFlight: 3},
	}
	if got := p.Pick(candidates, RouteKey{}).ID; got != "idle" {
		t.Errorf("Pick() = %q, want idle", got)
	}
}

func TestLeastConnectionsTieBreaksFirstSeen(t *testing.T) {
	p := &LeastConnections{}
	candidates := []Candidate{
		{Record: &registry.ServerRecord{ID: "first"}, InFlight: 2},
		{Record: &registry.ServerRecord{ID: "second"}, InFlight: 2},
	}
	if got := p.Pick(candidates, RouteKey{}).ID; got != "first" {
		t.Errorf("Pick() = %q, want first on tie", got)
	}
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	p := &WeightedRoundRobin{}
	candidates := []Candidate{
		{Record: &registry.ServerRecord{ID: "heavy", Weight: 3}},
		{Record: &registry.ServerRecord{ID: "light", Weight: 1}},
	}

	counts := map[string]int{}
	for i := 0; i < 40; i++ {
		counts[p.Pick(candidates, RouteKey{}).ID]++
	}
	if counts["heavy"] != 30 || counts["light"] != 10 {
		t.Errorf("distribution = %v, want heavy:30 light:10", counts)
	}
}

func TestWeightedRoundRobinZeroWeightStillServes(t *testing.T) {
	p := &WeightedRoundRobin{}
	candidates := []Candidate{
		{Record: &registry.ServerRecord{ID: "zero", Weight: 0}},
	}
	// Weight floors at 1, so a zero-weight sole candidate must be picked.
	if got := p.Pick(candidates, RouteKey{}).ID; got != "zero" {
		t.Errorf("Pick() = %q, want zero", got)
	}
}

func TestRandomStaysWithinCandidates(t *testing.T) {
	p := &Random{}
	candidates := makeCandidates("a", "b", "c")
	valid := map[string]bool{"a": true, "b": true, "c": true}
	for i := 0; i < 50; i++ {
		if id := p.Pick(candidates, RouteKey{}).ID; !valid[id] {
			t.Fatalf("Pick() returned unknown candidate %q", id)
		}
	}
}

func TestConsistentHashIsStable(t *testing.T) {
	p := &ConsistentHash{}
	candidates := makeCandidates("a", "b", "c")
	key := RouteKey{RoutingKey: "workflow-42"}

	first := p.Pick(candidates, key).ID
	for i := 0; i < 20; i++ {
		if got := p.Pick(candidates, key).ID; got != first {
			t.Fatalf("pick for same key changed: %q then %q", first, got)
		}
	}
}

func TestConsistentHashSurvivesUnrelatedRemoval(t *testing.T) {
	p := &ConsistentHash{}
	full := makeCandidates("a", "b", "c")
	key := RouteKey{RoutingKey: "session-7"}
	chosen := p.Pick(full, key).ID

	// Removing a candidate the key does not map to must not move the key.
	var reduced []Candidate
	for _, c := range full {
		if c.Record.ID != chosen {
			reduced = append(reduced, c)
		}
	}
	other := p.Pick(reduced, key).ID
	if other == chosen {
		t.Fatal("removed candidate still picked")
	}

	var without []Candidate
	for _, c := range full {
		if c.Record.ID != other && c.Record.ID != chosen {
			continue
		}
		without = append(without, c)
	}
	if got := p.Pick(without, key).ID; got != chosen {
		t.Errorf("removing an unrelated candidate moved the key: %q, want %q", got, chosen)
	}
}

func TestIPHashKeysOnCallerIP(t *testing.T) {
	p := &IPHash{}
	candidates := makeCandidates("a", "b", "c", "d", "e")

	byIP := p.Pick(candidates, RouteKey{CallerIP: "10.0.0.7", RoutingKey: "other"}).ID
	again := p.Pick(candidates, RouteKey{CallerIP: "10.0.0.7", RoutingKey: "different"}).ID
	if byIP != again {
		t.Error("same caller IP mapped to different servers")
	}

	// Without a caller IP the routing key takes over.
	ch := &ConsistentHash{}
	want := ch.Pick(candidates, RouteKey{RoutingKey: "fallback-key"}).ID
	if got := p.Pick(candidates, RouteKey{RoutingKey: "fallback-key"}).ID; got != want {
		t.Errorf("fallback pick = %q, want consistent-hash result %q", got, want)
	}
}
