package resilience

import (
	"sync"

	"github.com/flowplane/flowplane/core"
)

// Bank owns one Breaker per server identity. Breakers are created on
// first reference and destroyed when the registry evicts the server.
// The map is guarded by a read-write lock; each breaker serializes its own
// admissions, so there is no global admission lock.
type Bank struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	cfg       core.BreakerConfig
	logger    core.Logger
	listeners []StateChangeListener
}

// NewBank creates an empty breaker bank.
func NewBank(cfg core.BreakerConfig, logger core.Logger) *Bank {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bank{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for a server, creating it on first reference.
func (k *Bank) Get(serverID string) *Breaker {
	k.mu.RLock()
	b, ok := k.breakers[serverID]
	k.mu.RUnlock()
	if ok {
		return b
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok = k.breakers[serverID]; ok {
		return b
	}
	b = NewBreaker(serverID, k.cfg, k.logger)
	for _, l := range k.listeners {
		b.AddStateChangeListener(l)
	}
	k.breakers[serverID] = b
	return b
}

// Remove drops the breaker for an evicted server. Wired to the registry's
// eviction listener.
func (k *Bank) Remove(serverID string) {
	k.mu.Lock()
	delete(k.breakers, serverID)
	k.mu.Unlock()
}

// AddStateChangeListener attaches a listener to every current and future
// breaker.
func (k *Bank) AddStateChangeListener(l StateChangeListener) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, l)
	for _, b := range k.breakers {
		b.AddStateChangeListener(l)
	}
}

// Metrics returns per-server breaker metrics keyed by server ID.
func (k *Bank) Metrics() map[string]map[string]interface{} {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(k.breakers))
	for id, b := range k.breakers {
		out[id] = b.Metrics()
	}
	return out
}
