package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowplane/flowplane/core"
)

// Registry is the authoritative list of capability servers. Lookup methods
// return snapshots; mutating a returned record has no effect on the
// registry.
type Registry interface {
	Register(ctx context.Context, desc *ServerDescription) (string, error)
	Deregister(ctx context.Context, serverID string) error
	Heartbeat(ctx context.Context, serverID string, status Status) error
	Update(ctx context.Context, serverID string, patch Patch) error
	Get(ctx context.Context, serverID string) (*ServerRecord, error)
	// LookupByCapability returns Healthy, unexpired servers advertising
	// the capability. An empty pool is not an error.
	LookupByCapability(ctx context.Context, capability string) ([]*ServerRecord, error)
	LookupByName(ctx context.Context, name string) ([]*ServerRecord, error)
	All(ctx context.Context) ([]*ServerRecord, error)
}

// EvictionListener is notified when a record leaves the registry
// (deregistration, replacement, or expiry sweep). The circuit-breaker bank
// hooks this to drop per-server state.
type EvictionListener func(serverID string)

// MemoryRegistry is the in-process Registry backend: a primary map plus
// capability and name indices maintained under one write lock.
type MemoryRegistry struct {
	mu       sync.RWMutex
	servers  map[string]*ServerRecord
	byCap    map[string]map[string]struct{}
	byName   map[string]map[string]struct{}
	endpoint map[string]string // name+endpoint -> id, for replacement detection

	defaultTTL    time.Duration
	sweepInterval time.Duration
	listeners     []EvictionListener
	logger        core.Logger

	stop chan struct{}
	once sync.Once
}

// NewMemoryRegistry creates an in-memory registry with the given defaults.
func NewMemoryRegistry(cfg core.RegistryConfig, logger core.Logger) *MemoryRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryRegistry{
		servers:       make(map[string]*ServerRecord),
		byCap:         make(map[string]map[string]struct{}),
		byName:        make(map[string]map[string]struct{}),
		endpoint:      make(map[string]string),
		defaultTTL:    cfg.DefaultTTL,
		sweepInterval: cfg.SweepInterval,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// AddEvictionListener registers a callback for record removal.
func (m *MemoryRegistry) AddEvictionListener(l EvictionListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Register adds a server to the pool. Re-registering the same logical
// server (same name+endpoint) replaces the prior record and notifies
// eviction listeners so dependent state resets.
func (m *MemoryRegistry) Register(ctx context.Context, desc *ServerDescription) (string, error) {
	if err := desc.validate(); err != nil {
		return "", err
	}
	d := *desc
	d.normalize(m.defaultTTL)

	now := time.Now()
	rec := &ServerRecord{
		ID:            uuid.New().String(),
		Name:          d.Name,
		Version:       d.Version,
		Endpoint:      d.Endpoint,
		Capabilities:  append([]string(nil), d.Capabilities...),
		Weight:        d.Weight,
		TTL:           d.TTL,
		HealthPath:    d.HealthPath,
		RegisteredAt:  now,
		LastHeartbeat: now,
		ExpiresAt:     now.Add(d.TTL),
		Status:        StatusHealthy,
	}

	var replaced string
	m.mu.Lock()
	identity := d.Name + "|" + d.Endpoint
	if prior, ok := m.endpoint[identity]; ok {
		replaced = prior
		m.removeLocked(prior)
	}
	m.servers[rec.ID] = rec
	m.endpoint[identity] = rec.ID
	for _, c := range rec.Capabilities {
		if m.byCap[c] == nil {
			m.byCap[c] = make(map[string]struct{})
		}
		m.byCap[c][rec.ID] = struct{}{}
	}
	if m.byName[rec.Name] == nil {
		m.byName[rec.Name] = make(map[string]struct{})
	}
	m.byName[rec.Name][rec.ID] = struct{}{}
	listeners := append([]EvictionListener(nil), m.listeners...)
	m.mu.Unlock()

	if replaced != "" {
		for _, l := range listeners {
			l(replaced)
		}
		m.logger.Info("Replaced server registration", map[string]interface{}{
			"operation": "registry_replace",
			"name":      rec.Name,
			"endpoint":  rec.Endpoint,
			"old_id":    replaced,
			"new_id":    rec.ID,
		})
	} else {
		m.logger.Info("Registered server", map[string]interface{}{
			"operation":    "registry_register",
			"server_id":    rec.ID,
			"name":         rec.Name,
			"endpoint":     rec.Endpoint,
			"capabilities": rec.Capabilities,
			"ttl_seconds":  rec.TTL.Seconds(),
		})
	}
	return rec.ID, nil
}

// Deregister removes a server and its index entries.
func (m *MemoryRegistry) Deregister(ctx context.Context, serverID string) error {
	m.mu.Lock()
	_, ok := m.servers[serverID]
	if ok {
		m.removeLocked(serverID)
	}
	listeners := append([]EvictionListener(nil), m.listeners...)
	m.mu.Unlock()

	if !ok {
		return &core.OpError{Op: "registry.Deregister", Kind: "registry", ID: serverID, Err: core.ErrServerNotFound}
	}
	for _, l := range listeners {
		l(serverID)
	}
	return nil
}

// Heartbeat refreshes a server's liveness window. An empty status leaves
// the current status unchanged, except that a record the sweep marked
// Expired comes back Healthy: the heartbeat proves the server is alive
// before the second sweep phase reclaims it.
func (m *MemoryRegistry) Heartbeat(ctx context.Context, serverID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.servers[serverID]
	if !ok {
		return &core.OpError{Op: "registry.Heartbeat", Kind: "registry", ID: serverID, Err: core.ErrServerNotFound}
	}
	now := time.Now()
	rec.LastHeartbeat = now
	// expires_at is monotone non-decreasing across heartbeats.
	if exp := now.Add(rec.TTL); exp.After(rec.ExpiresAt) {
		rec.ExpiresAt = exp
	}
	if status != "" {
		rec.Status = status
	} else if rec.Status == StatusExpired {
		rec.Status = StatusHealthy
	}
	return nil
}

// Update applies a partial mutation to a record.
func (m *MemoryRegistry) Update(ctx context.Context, serverID string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.servers[serverID]
	if !ok {
		return &core.OpError{Op: "registry.Update", Kind: "registry", ID: serverID, Err: core.ErrServerNotFound}
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.Weight != nil {
		w := *patch.Weight
		if w < 1 || w > 1000 {
			return &core.OpError{Op: "registry.Update", Kind: "validation", ID: serverID,
				Message: "weight must be 1..1000", Err: core.ErrValidation}
		}
		rec.Weight = w
	}
	if patch.Version != nil {
		rec.Version = *patch.Version
	}
	if patch.LastProbe != nil {
		rec.LastProbeAt = *patch.LastProbe
	}
	if patch.Capabilities != nil {
		for _, c := range rec.Capabilities {
			delete(m.byCap[c], serverID)
		}
		rec.Capabilities = append([]string(nil), patch.Capabilities...)
		for _, c := range rec.Capabilities {
			if m.byCap[c] == nil {
				m.byCap[c] = make(map[string]struct{})
			}
			m.byCap[c][serverID] = struct{}{}
		}
	}
	return nil
}

// Get returns a snapshot of one record.
func (m *MemoryRegistry) Get(ctx context.Context, serverID string) (*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.servers[serverID]
	if !ok {
		return nil, &core.OpError{Op: "registry.Get", Kind: "registry", ID: serverID, Err: core.ErrServerNotFound}
	}
	return rec.clone(), nil
}

// LookupByCapability returns Healthy, unexpired matches.
func (m *MemoryRegistry) LookupByCapability(ctx context.Context, capability string) ([]*ServerRecord, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byCap[capability]
	out := make([]*ServerRecord, 0, len(ids))
	for id := range ids {
		rec := m.servers[id]
		if rec == nil || rec.Status != StatusHealthy || rec.Expired(now) {
			continue
		}
		out = append(out, rec.clone())
	}
	return out, nil
}

// LookupByName returns all records registered under the name, regardless of
// status. Used by the health monitor and administrative queries.
func (m *MemoryRegistry) LookupByName(ctx context.Context, name string) ([]*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byName[name]
	out := make([]*ServerRecord, 0, len(ids))
	for id := range ids {
		if rec := m.servers[id]; rec != nil {
			out = append(out, rec.clone())
		}
	}
	return out, nil
}

// All returns a snapshot of every record.
func (m *MemoryRegistry) All(ctx context.Context) ([]*ServerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ServerRecord, 0, len(m.servers))
	for _, rec := range m.servers {
		out = append(out, rec.clone())
	}
	return out, nil
}

// Start launches the expiry sweep loop.
func (m *MemoryRegistry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop. Safe to call more than once.
func (m *MemoryRegistry) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// sweep marks freshly-expired records Expired, then reclaims records that
// were already Expired on a previous pass. Two-phase removal keeps an
// expired record visible (as Expired) for one sweep interval so operators
// can observe it.
func (m *MemoryRegistry) sweep() {
	now := time.Now()
	var evicted []string

	m.mu.Lock()
	for id, rec := range m.servers {
		if !rec.Expired(now) {
			continue
		}
		if rec.Status == StatusExpired {
			m.removeLocked(id)
			evicted = append(evicted, id)
		} else {
			rec.Status = StatusExpired
		}
	}
	listeners := append([]EvictionListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, id := range evicted {
		for _, l := range listeners {
			l(id)
		}
		m.logger.Info("Reclaimed expired server", map[string]interface{}{
			"operation": "registry_sweep",
			"server_id": id,
		})
	}
}

// removeLocked deletes a record and all index entries. Caller holds the
// write lock.
func (m *MemoryRegistry) removeLocked(serverID string) {
	rec, ok := m.servers[serverID]
	if !ok {
		return
	}
	for _, c := range rec.Capabilities {
		delete(m.byCap[c], serverID)
		if len(m.byCap[c]) == 0 {
			delete(m.byCap, c)
		}
	}
	delete(m.byName[rec.Name], serverID)
	if len(m.byName[rec.Name]) == 0 {
		delete(m.byName, rec.Name)
	}
	delete(m.endpoint, rec.Name+"|"+rec.Endpoint)
	delete(m.servers, serverID)
}
