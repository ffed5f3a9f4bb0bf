package registry

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flowplane/flowplane/core"
)

// HealthMonitor probes registered servers independently of request
// traffic. Liveness (heartbeat, driven by the server) and reachability
// (probe, driven here) stay separate: a probe outcome never refreshes
// expires_at, so a silently dead server still ages out.
type HealthMonitor struct {
	registry Registry
	client   *http.Client
	logger   core.Logger

	interval         time.Duration
	probePath        string
	failureThreshold int
	successThreshold int

	mu      sync.Mutex
	streaks map[string]*probeStreak

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type probeStreak struct {
	successes int
	failures  int
}

// NewHealthMonitor creates a monitor over the given registry.
func NewHealthMonitor(reg Registry, cfg core.HealthConfig, logger core.Logger) *HealthMonitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HealthMonitor{
		registry:         reg,
		client:           &http.Client{Timeout: cfg.ProbeTimeout},
		logger:           logger,
		interval:         cfg.ProbeInterval,
		probePath:        cfg.ProbePath,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		streaks:          make(map[string]*probeStreak),
		stop:             make(chan struct{}),
	}
}

// Start launches the probe loop.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				h.probeAll(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for the in-flight round to finish.
func (h *HealthMonitor) Stop() {
	h.once.Do(func() { close(h.stop) })
	h.wg.Wait()
}

// probeAll probes every non-expired server once. Probes within a round run
// concurrently; the round does not overlap itself because the ticker fires
// only after the previous round returned.
func (h *HealthMonitor) probeAll(ctx context.Context) {
	records, err := h.registry.All(ctx)
	if err != nil {
		h.logger.Warn("Health round skipped, registry unavailable", map[string]interface{}{
			"operation": "health_round",
			"error":     err.Error(),
		})
		return
	}

	now := time.Now()
	var wg sync.WaitGroup
	live := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.Expired(now) || rec.Status == StatusStopping {
			continue
		}
		live[rec.ID] = struct{}{}
		wg.Add(1)
		go func(rec *ServerRecord) {
			defer wg.Done()
			h.probeOne(ctx, rec)
		}(rec)
	}
	wg.Wait()

	// Drop streak state for servers that left the registry.
	h.mu.Lock()
	for id := range h.streaks {
		if _, ok := live[id]; !ok {
			delete(h.streaks, id)
		}
	}
	h.mu.Unlock()
}

// probeOne issues one GET to the server's health path and applies the
// consecutive-outcome transition rules.
func (h *HealthMonitor) probeOne(ctx context.Context, rec *ServerRecord) {
	ok := h.probe(ctx, rec)
	now := time.Now()

	h.mu.Lock()
	streak := h.streaks[rec.ID]
	if streak == nil {
		streak = &probeStreak{}
		h.streaks[rec.ID] = streak
	}
	if ok {
		streak.successes++
		streak.failures = 0
	} else {
		streak.failures++
		streak.successes = 0
	}
	successes, failures := streak.successes, streak.failures
	h.mu.Unlock()

	patch := Patch{LastProbe: &now}
	switch {
	case rec.Status != StatusHealthy && successes >= h.successThreshold:
		healthy := StatusHealthy
		patch.Status = &healthy
		h.logger.Info("Server recovered", map[string]interface{}{
			"operation":             "health_transition",
			"server_id":             rec.ID,
			"name":                  rec.Name,
			"consecutive_successes": successes,
		})
	case rec.Status == StatusHealthy && failures >= h.failureThreshold:
		unhealthy := StatusUnhealthy
		patch.Status = &unhealthy
		h.logger.Warn("Server unreachable", map[string]interface{}{
			"operation":            "health_transition",
			"server_id":            rec.ID,
			"name":                 rec.Name,
			"consecutive_failures": failures,
		})
	}

	if err := h.registry.Update(ctx, rec.ID, patch); err != nil {
		// Server may have been evicted between All and Update.
		h.logger.Debug("Probe result dropped", map[string]interface{}{
			"operation": "health_probe",
			"server_id": rec.ID,
			"error":     err.Error(),
		})
	}
}

func (h *HealthMonitor) probe(ctx context.Context, rec *ServerRecord) bool {
	path := rec.HealthPath
	if path == "" {
		path = h.probePath
	}
	url := strings.TrimSuffix(rec.Endpoint, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	// Body contract is not required; body is ignored.
	return resp.StatusCode == http.StatusOK
}
