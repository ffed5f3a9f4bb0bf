package registry

import (
	"net/url"
	"time"

	"github.com/flowplane/flowplane/core"
)

// Status reflects a server's availability from the plane's point of view.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStarting  Status = "starting"
	StatusStopping  Status = "stopping"
	StatusExpired   Status = "expired"
)

// ServerDescription is what a capability server submits at registration.
type ServerDescription struct {
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Endpoint     string        `json:"endpoint"`
	Capabilities []string      `json:"capabilities"`
	Weight       int           `json:"weight,omitempty"`
	TTL          time.Duration `json:"ttl_seconds,omitempty"`
	HealthPath   string        `json:"health_path,omitempty"`
}

// ServerRecord is the registry's authoritative view of one server.
// Lookups hand out copies; callers never hold a mutable reference into
// registry state.
type ServerRecord struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Endpoint     string        `json:"endpoint"`
	Capabilities []string      `json:"capabilities"`
	Weight       int           `json:"weight"`
	TTL          time.Duration `json:"ttl_seconds"`
	HealthPath   string        `json:"health_path"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	LastProbeAt  time.Time     `json:"last_probe_at,omitempty"`
	Status       Status        `json:"status"`
}

// HasCapability reports whether the record advertises the capability.
func (r *ServerRecord) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Expired reports whether the record's TTL has lapsed at the given instant.
func (r *ServerRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// clone returns a copy safe to hand outside the registry lock.
func (r *ServerRecord) clone() *ServerRecord {
	cp := *r
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	return &cp
}

// Patch is a partial update applied through Registry.Update. Nil fields are
// left untouched.
type Patch struct {
	Status     *Status
	Weight     *int
	Version    *string
	LastProbe  *time.Time
	Capabilities []string
}

// validate rejects descriptions the registry cannot serve.
func (d *ServerDescription) validate() error {
	if d.Name == "" {
		return &core.OpError{Op: "registry.Register", Kind: "validation",
			Message: "server name is required", Err: core.ErrValidation}
	}
	if len(d.Capabilities) == 0 {
		return &core.OpError{Op: "registry.Register", Kind: "validation",
			Message: "at least one capability is required", Err: core.ErrValidation}
	}
	u, err := url.Parse(d.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &core.OpError{Op: "registry.Register", Kind: "validation", ID: d.Name,
			Message: "endpoint must be scheme://host[:port]", Err: core.ErrValidation}
	}
	if d.Weight < 0 || d.Weight > 1000 {
		return &core.OpError{Op: "registry.Register", Kind: "validation", ID: d.Name,
			Message: "weight must be 1..1000", Err: core.ErrValidation}
	}
	return nil
}

// normalize applies registration defaults.
func (d *ServerDescription) normalize(defaultTTL time.Duration) {
	if d.Weight == 0 {
		d.Weight = 100
	}
	if d.TTL <= 0 {
		d.TTL = defaultTTL
	}
	if d.HealthPath == "" {
		d.HealthPath = "/health"
	}
}
