package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/flowplane/flowplane/core"
)

// RedisRegistry is a Registry backend that keeps server records in Redis,
// letting several orchestrator instances share one server pool. Records
// live under TTL'd keys; capability and name sets act as secondary
// indices. Key expiry in Redis doubles as the sweep, so a sweep loop is
// unnecessary for this backend.
type RedisRegistry struct {
	client     *redis.Client
	namespace  string
	defaultTTL time.Duration
	logger     core.Logger
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(redisURL string, cfg core.RegistryConfig, logger core.Logger) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisRegistry{
		client:     client,
		namespace:  cfg.Namespace,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
	}, nil
}

func (r *RedisRegistry) serverKey(id string) string {
	return fmt.Sprintf("%s:servers:%s", r.namespace, id)
}

func (r *RedisRegistry) capKey(capability string) string {
	return fmt.Sprintf("%s:capabilities:%s", r.namespace, capability)
}

func (r *RedisRegistry) nameKey(name string) string {
	return fmt.Sprintf("%s:names:%s", r.namespace, name)
}

func (r *RedisRegistry) identityKey(name, endpoint string) string {
	return fmt.Sprintf("%s:identity:%s|%s", r.namespace, name, endpoint)
}

// Register stores the record under a TTL'd key and adds it to the
// capability and name indices. Same name+endpoint replaces the prior
// record.
func (r *RedisRegistry) Register(ctx context.Context, desc *ServerDescription) (string, error) {
	if err := desc.validate(); err != nil {
		return "", err
	}
	d := *desc
	d.normalize(r.defaultTTL)

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

	// Replace a prior registration of the same logical server.
	idKey := r.identityKey(d.Name, d.Endpoint)
	if prior, err := r.client.Get(ctx, idKey).Result(); err == nil && prior != "" {
		_ = r.Deregister(ctx, prior)
	}

	if err := r.store(ctx, rec); err != nil {
		return "", err
	}
	// Identity key survives slightly past the record so replacement
	// detection works across a missed heartbeat.
	r.client.Set(ctx, idKey, rec.ID, rec.TTL*2)

	for _, c := range rec.Capabilities {
		if err := r.client.SAdd(ctx, r.capKey(c), rec.ID).Err(); err != nil {
			continue
		}
		r.client.Expire(ctx, r.capKey(c), rec.TTL*2)
	}
	if err := r.client.SAdd(ctx, r.nameKey(rec.Name), rec.ID).Err(); err == nil {
		r.client.Expire(ctx, r.nameKey(rec.Name), rec.TTL*2)
	}

	r.logger.Info("Registered server", map[string]interface{}{
		"operation":    "registry_register",
		"backend":      "redis",
		"server_id":    rec.ID,
		"name":         rec.Name,
		"capabilities": rec.Capabilities,
	})
	return rec.ID, nil
}

func (r *RedisRegistry) store(ctx context.Context, rec *ServerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := r.client.Set(ctx, r.serverKey(rec.ID), data, rec.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// Deregister removes the record and its index entries.
func (r *RedisRegistry) Deregister(ctx context.Context, serverID string) error {
	rec, err := r.Get(ctx, serverID)
	if err == nil {
		for _, c := range rec.Capabilities {
			r.client.SRem(ctx, r.capKey(c), serverID)
		}
		r.client.SRem(ctx, r.nameKey(rec.Name), serverID)
		r.client.Del(ctx, r.identityKey(rec.Name, rec.Endpoint))
	}
	return r.client.Del(ctx, r.serverKey(serverID)).Err()
}

// Heartbeat re-reads, refreshes, and re-stores the record with a fresh TTL.
func (r *RedisRegistry) Heartbeat(ctx context.Context, serverID string, status Status) error {
	rec, err := r.Get(ctx, serverID)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.LastHeartbeat = now
	if exp := now.Add(rec.TTL); exp.After(rec.ExpiresAt) {
		rec.ExpiresAt = exp
	}
	if status != "" {
		rec.Status = status
	}
	return r.store(ctx, rec)
}

// Update applies a partial mutation to the stored record.
func (r *RedisRegistry) Update(ctx context.Context, serverID string, patch Patch) error {
	rec, err := r.Get(ctx, serverID)
	if err != nil {
		return err
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
			r.client.SRem(ctx, r.capKey(c), serverID)
		}
		rec.Capabilities = append([]string(nil), patch.Capabilities...)
		for _, c := range rec.Capabilities {
			r.client.SAdd(ctx, r.capKey(c), serverID)
			r.client.Expire(ctx, r.capKey(c), rec.TTL*2)
		}
	}
	return r.store(ctx, rec)
}

// Get fetches one record.
func (r *RedisRegistry) Get(ctx context.Context, serverID string) (*ServerRecord, error) {
	data, err := r.client.Get(ctx, r.serverKey(serverID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, &core.OpError{Op: "registry.Get", Kind: "registry", ID: serverID, Err: core.ErrServerNotFound}
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	var rec ServerRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// LookupByCapability returns Healthy, unexpired matches. Index members
// whose record key has lapsed are skipped; the index entry itself expires
// with the set TTL.
func (r *RedisRegistry) LookupByCapability(ctx context.Context, capability string) ([]*ServerRecord, error) {
	ids, err := r.client.SMembers(ctx, r.capKey(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query capability index: %w", err)
	}
	now := time.Now()
	out := make([]*ServerRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			continue // record expired out from under the index
		}
		if rec.Status != StatusHealthy || rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LookupByName returns every record registered under the name.
func (r *RedisRegistry) LookupByName(ctx context.Context, name string) ([]*ServerRecord, error) {
	ids, err := r.client.SMembers(ctx, r.nameKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query name index: %w", err)
	}
	out := make([]*ServerRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// All scans every record under the namespace.
func (r *RedisRegistry) All(ctx context.Context) ([]*ServerRecord, error) {
	var out []*ServerRecord
	var cursor uint64
	pattern := fmt.Sprintf("%s:servers:*", r.namespace)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan records: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var rec ServerRecord
			if json.Unmarshal([]byte(data), &rec) == nil {
				out = append(out, &rec)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
