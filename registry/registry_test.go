package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowplane/flowplane/core"
)

func testRegistryConfig() core.RegistryConfig {
	return core.RegistryConfig{
		DefaultTTL:    30 * time.Second,
		SweepInterval: 50 * time.Millisecond,
	}
}

func testDescription() *ServerDescription {
	return &ServerDescription{
		Name:         "content-server",
		Version:      "1.2.0",
		Endpoint:     "http://content:8080",
		Capabilities: []string{"content", "summarize"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	id, err := reg.Register(ctx, testDescription())
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if id == "" {
		t.Fatal("Register() returned empty id")
	}

	rec, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if rec.Name != "content-server" {
		t.Errorf("Name = %q, want content-server", rec.Name)
	}
	if rec.Status != StatusHealthy {
		t.Errorf("Status = %q, want %q", rec.Status, StatusHealthy)
	}
	if rec.Weight != 100 {
		t.Errorf("default Weight = %d, want 100", rec.Weight)
	}
	if rec.TTL != 30*time.Second {
		t.Errorf("default TTL = %v, want 30s", rec.TTL)
	}
	if !rec.ExpiresAt.After(rec.RegisteredAt) {
		t.Error("ExpiresAt not after RegisteredAt")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		desc *ServerDescription
	}{
		{"missing name", &ServerDescription{Endpoint: "http://x:1", Capabilities: []string{"c"}}},
		{"bad endpoint", &ServerDescription{Name: "s", Endpoint: "not a url", Capabilities: []string{"c"}}},
		{"no capabilities", &ServerDescription{Name: "s", Endpoint: "http://x:1"}},
		{"bad weight", &ServerDescription{Name: "s", Endpoint: "http://x:1", Capabilities: []string{"c"}, Weight: 5000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reg.Register(ctx, tc.desc); !errors.Is(err, core.ErrValidation) {
				t.Errorf("Register() = %v, want ErrValidation", err)
			}
		})
	}
}

func TestLookupByCapabilityFiltersStatus(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	healthyID, _ := reg.Register(ctx, testDescription())
	sickDesc := testDescription()
	sickDesc.Name = "content-server-b"
	sickDesc.Endpoint = "http://content-b:8080"
	sickID, _ := reg.Register(ctx, sickDesc)

	unhealthy := StatusUnhealthy
	if err := reg.Update(ctx, sickID, Patch{Status: &unhealthy}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	pool, err := reg.LookupByCapability(ctx, "content")
	if err != nil {
		t.Fatalf("LookupByCapability() = %v", err)
	}
	if len(pool) != 1 || pool[0].ID != healthyID {
		t.Fatalf("pool = %d records, want only %s", len(pool), healthyID)
	}

	// Unknown capability is an empty pool, not an error.
	empty, err := reg.LookupByCapability(ctx, "video")
	if err != nil || len(empty) != 0 {
		t.Errorf("LookupByCapability(unknown) = %v, %v; want empty, nil", empty, err)
	}
}

func TestLookupReturnsSnapshots(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	id, _ := reg.Register(ctx, testDescription())
	pool, _ := reg.LookupByCapability(ctx, "content")
	pool[0].Status = StatusUnhealthy
	pool[0].Capabilities[0] = "mutated"

	rec, _ := reg.Get(ctx, id)
	if rec.Status != StatusHealthy {
		t.Error("mutating a lookup result leaked into registry state")
	}
	if rec.Capabilities[0] != "content" {
		t.Error("mutating a snapshot's capability slice leaked into registry state")
	}
}

func TestHeartbeatExtendsExpiryMonotonically(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	id, _ := reg.Register(ctx, testDescription())
	before, _ := reg.Get(ctx, id)

	time.Sleep(5 * time.Millisecond)
	if err := reg.Heartbeat(ctx, id, ""); err != nil {
		t.Fatalf("Heartbeat() = %v", err)
	}
	after, _ := reg.Get(ctx, id)

	if after.ExpiresAt.Before(before.ExpiresAt) {
		t.Error("heartbeat moved expires_at backwards")
	}
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Error("heartbeat did not refresh last_heartbeat_at")
	}

	if err := reg.Heartbeat(ctx, "missing", ""); !errors.Is(err, core.ErrServerNotFound) {
		t.Errorf("Heartbeat(unknown) = %v, want ErrServerNotFound", err)
	}
}

func TestHeartbeatRevivesExpiredRecord(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	id, _ := reg.Register(ctx, testDescription())
	expired := StatusExpired
	if err := reg.Update(ctx, id, Patch{Status: &expired}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	// A plain heartbeat proves liveness before the sweep reclaims the
	// record, so Expired comes back Healthy.
	if err := reg.Heartbeat(ctx, id, ""); err != nil {
		t.Fatalf("Heartbeat() = %v", err)
	}
	rec, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if rec.Status != StatusHealthy {
		t.Errorf("Status after heartbeat = %q, want %q", rec.Status, StatusHealthy)
	}
}

func TestReregistrationReplacesAndNotifies(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	var evicted []string
	reg.AddEvictionListener(func(id string) { evicted = append(evicted, id) })

	oldID, _ := reg.Register(ctx, testDescription())
	newDesc := testDescription()
	newDesc.Version = "1.3.0"
	newID, _ := reg.Register(ctx, newDesc)

	if newID == oldID {
		t.Fatal("replacement reused the old server id")
	}
	if _, err := reg.Get(ctx, oldID); !errors.Is(err, core.ErrServerNotFound) {
		t.Errorf("old record still present after replacement: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != oldID {
		t.Errorf("eviction listeners saw %v, want [%s]", evicted, oldID)
	}

	pool, _ := reg.LookupByCapability(ctx, "content")
	if len(pool) != 1 || pool[0].Version != "1.3.0" {
		t.Errorf("lookup after replacement = %+v, want single 1.3.0 record", pool)
	}
}

func TestExpiredServerNotSelected(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	desc := testDescription()
	desc.TTL = 20 * time.Millisecond
	if _, err := reg.Register(ctx, desc); err != nil {
		t.Fatalf("Register() = %v", err)
	}

	pool, _ := reg.LookupByCapability(ctx, "content")
	if len(pool) != 1 {
		t.Fatalf("fresh server missing from lookup: %d records", len(pool))
	}

	// Past the TTL without a heartbeat the record must drop out of
	// lookups immediately, before any sweep runs.
	time.Sleep(30 * time.Millisecond)
	pool, _ = reg.LookupByCapability(ctx, "content")
	if len(pool) != 0 {
		t.Errorf("expired server still selectable: %d records", len(pool))
	}
}

func TestSweepReclaimsInTwoPhases(t *testing.T) {
	cfg := testRegistryConfig()
	reg := NewMemoryRegistry(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evicted := make(chan string, 1)
	reg.AddEvictionListener(func(id string) { evicted <- id })

	desc := testDescription()
	desc.TTL = 10 * time.Millisecond
	id, _ := reg.Register(ctx, desc)

	reg.Start(ctx)
	defer reg.Stop()

	// First sweep marks Expired, second reclaims.
	select {
	case got := <-evicted:
		if got != id {
			t.Fatalf("evicted %s, want %s", got, id)
		}
		if _, err := reg.Get(ctx, id); !errors.Is(err, core.ErrServerNotFound) {
			t.Errorf("record still present after reclaim: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not reclaim the expired record")
	}
}

func TestUpdateCapabilitiesMaintainsIndex(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	id, _ := reg.Register(ctx, testDescription())
	if err := reg.Update(ctx, id, Patch{Capabilities: []string{"image"}}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if pool, _ := reg.LookupByCapability(ctx, "content"); len(pool) != 0 {
		t.Error("old capability still indexed after update")
	}
	if pool, _ := reg.LookupByCapability(ctx, "image"); len(pool) != 1 {
		t.Error("new capability not indexed after update")
	}
}

func TestDeregisterIsTerminal(t *testing.T) {
	reg := NewMemoryRegistry(testRegistryConfig(), nil)
	ctx := context.Background()

	id, _ := reg.Register(ctx, testDescription())
	if err := reg.Deregister(ctx, id); err != nil {
		t.Fatalf("Deregister() = %v", err)
	}
	if err := reg.Deregister(ctx, id); !errors.Is(err, core.ErrServerNotFound) {
		t.Errorf("second Deregister() = %v, want ErrServerNotFound", err)
	}
	if pool, _ := reg.LookupByCapability(ctx, "content"); len(pool) != 0 {
		t.Error("deregistered server still in capability index")
	}
}
