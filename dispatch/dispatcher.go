package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flowplane/flowplane/core"
	"github.com/flowplane/flowplane/registry"
	"github.com/flowplane/flowplane/resilience"
	"github.com/flowplane/flowplane/telemetry"
)

// TargetSource is the slice of the registry the dispatcher consumes.
type TargetSource interface {
	LookupByCapability(ctx context.Context, capability string) ([]*registry.ServerRecord, error)
}

// Request describes one capability call.
type Request struct {
	Capability string
	Endpoint   string
	Payload    map[string]interface{}
	// Timeout bounds each HTTP attempt. Zero means the configured
	// default.
	Timeout time.Duration
	// MaxRetries overrides the configured transient-retry cap when > 0.
	// Zero keeps the configured default; a negative value disables
	// retries for this request.
	MaxRetries int
	RoutingKey string
	CallerIP   string
	SessionID  string
	WorkflowID string
	StepID     string
}

// Dispatcher routes capability calls to healthy servers: registry lookup,
// circuit-breaker admission, in-flight caps, policy pick, HTTP POST with
// bounded transient retries.
type Dispatcher struct {
	targets  TargetSource
	bank     *resilience.Bank
	policy   Policy
	cfg      core.DispatchConfig
	client   *http.Client
	logger   core.Logger
	inflight *inflightTable

	latency  sync.Map // serverID -> *ewma
	sessions sync.Map // sessionID -> serverID
}

// NewDispatcher wires a dispatcher over a target source and breaker bank.
func NewDispatcher(targets TargetSource, bank *resilience.Bank, cfg core.DispatchConfig, logger core.Logger) *Dispatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Dispatcher{
		targets: targets,
		bank:    bank,
		policy:  NewPolicy(cfg.Policy),
		cfg:     cfg,
		// Per-attempt deadlines come from the request context, not the
		// client, so retry backoff is not charged against the call.
		client:   &http.Client{},
		logger:   logger,
		inflight: newInflightTable(cfg.GlobalMaxInFlight),
	}
}

// Forget drops per-server dispatcher state for an evicted server. Wired to
// the registry's eviction listener alongside Bank.Remove.
func (d *Dispatcher) Forget(serverID string) {
	d.inflight.forget(serverID)
	d.latency.Delete(serverID)
}

// GlobalInFlight reports the current global in-flight dispatch count.
func (d *Dispatcher) GlobalInFlight() int64 {
	return d.inflight.globalCount()
}

// ServerLatency returns the EWMA of completed-call durations for a server,
// zero if none recorded.
func (d *Dispatcher) ServerLatency(serverID string) time.Duration {
	if v, ok := d.latency.Load(serverID); ok {
		return v.(*ewma).value()
	}
	return 0
}

// Dispatch performs one capability call and returns the decoded JSON body.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (map[string]interface{}, error) {
	if !d.inflight.acquireGlobal(ctx, d.cfg.AdmissionWait) {
		return nil, &core.OpError{Op: "dispatch", Kind: "overload",
			ID: req.Capability, Err: core.ErrOverloaded}
	}
	defer d.inflight.releaseGlobal()

	// 1. Resolve the capability to healthy servers.
	pool, err := d.targets.LookupByCapability(ctx, req.Capability)
	if err != nil {
		return nil, &core.OpError{Op: "dispatch", Kind: "registry", ID: req.Capability, Err: err}
	}
	if len(pool) == 0 {
		return nil, &core.OpError{Op: "dispatch", Kind: "no_target", ID: req.Capability, Err: core.ErrNoTarget}
	}

	// 2. Drop servers whose breakers forbid admission.
	admissible := pool[:0]
	for _, rec := range pool {
		if d.bank.Get(rec.ID).CanAdmit() {
			admissible = append(admissible, rec)
		}
	}
	if len(admissible) == 0 {
		return nil, &core.OpError{Op: "dispatch", Kind: "circuit", ID: req.Capability, Err: core.ErrCircuitOpen}
	}

	// 3. Drop servers at their in-flight cap.
	candidates := make([]Candidate, 0, len(admissible))
	for _, rec := range admissible {
		n := d.inflight.serverCount(rec.ID)
		if n >= d.cfg.MaxInFlightPerServer {
			continue
		}
		candidates = append(candidates, Candidate{Record: rec, InFlight: n})
	}
	if len(candidates) == 0 {
		return nil, &core.OpError{Op: "dispatch", Kind: "overload", ID: req.Capability, Err: core.ErrOverloaded}
	}

	// 4. Pick one.
	target := d.pick(candidates, req)

	// 5. Pre-call accounting: in-flight slot plus breaker admission.
	breaker := d.bank.Get(target.ID)
	done, err := breaker.Admit()
	if err != nil {
		// CanAdmit raced with another dispatch; treat as open.
		return nil, &core.OpError{Op: "dispatch", Kind: "circuit", ID: req.Capability, Err: core.ErrCircuitOpen}
	}
	d.inflight.incServer(target.ID)

	telemetry.AddSpanEvent(ctx, "dispatch_started",
		attribute.String("capability", req.Capability),
		attribute.String("server_id", target.ID),
		attribute.String("endpoint", req.Endpoint),
	)

	start := time.Now()
	body, callErr := d.call(ctx, target, req)
	elapsed := time.Since(start)

	// 6. Post-call accounting. The breaker sees one outcome per dispatch;
	// retries happened inside this admission.
	d.inflight.decServer(target.ID)
	done(callErr)
	d.recordLatency(target.ID, elapsed)

	if callErr != nil {
		telemetry.RecordSpanError(ctx, callErr)
		d.logger.Warn("Dispatch failed", map[string]interface{}{
			"operation":   "dispatch",
			"capability":  req.Capability,
			"server_id":   target.ID,
			"endpoint":    req.Endpoint,
			"error":       callErr.Error(),
			"error_kind":  core.ErrorKind(callErr),
			"duration_ms": elapsed.Milliseconds(),
		})
		return nil, callErr
	}

	telemetry.AddSpanEvent(ctx, "dispatch_completed",
		attribute.String("server_id", target.ID),
		attribute.Int64("duration_ms", elapsed.Milliseconds()),
	)
	d.logger.Debug("Dispatch completed", map[string]interface{}{
		"operation":   "dispatch",
		"capability":  req.Capability,
		"server_id":   target.ID,
		"duration_ms": elapsed.Milliseconds(),
	})
	return body, nil
}

// pick applies sticky sessions, then the configured policy. A session
// stays on its server while that server remains a candidate.
func (d *Dispatcher) pick(candidates []Candidate, req Request) *registry.ServerRecord {
	if d.cfg.StickySessions && req.SessionID != "" {
		if v, ok := d.sessions.Load(req.SessionID); ok {
			for _, c := range candidates {
				if c.Record.ID == v.(string) {
					return c.Record
				}
			}
		}
		target := d.policy.Pick(candidates, RouteKey{
			RoutingKey: req.RoutingKey, CallerIP: req.CallerIP, SessionID: req.SessionID,
		})
		d.sessions.Store(req.SessionID, target.ID)
		return target
	}
	return d.policy.Pick(candidates, RouteKey{
		RoutingKey: req.RoutingKey, CallerIP: req.CallerIP, SessionID: req.SessionID,
	})
}

// call runs the HTTP POST with transient-only retries against one server.
func (d *Dispatcher) call(ctx context.Context, target *registry.ServerRecord, req Request) (map[string]interface{}, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.CallTimeout
	}
	maxRetries := d.cfg.MaxRetries
	switch {
	case req.MaxRetries > 0:
		maxRetries = req.MaxRetries
	case req.MaxRetries < 0:
		maxRetries = 0
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   maxRetries,
		InitialDelay:  d.cfg.RetryInitialDelay,
		MaxDelay:      d.cfg.RetryMaxDelay,
		BackoffFactor: d.cfg.RetryBackoffFactor,
		JitterEnabled: d.cfg.RetryJitter,
	}

	var body map[string]interface{}
	err := resilience.Retry(ctx, retryCfg, core.IsTransient, func() error {
		var attemptErr error
		body, attemptErr = d.attempt(ctx, target, req, timeout)
		return attemptErr
	})
	return body, err
}

// attempt performs a single HTTP POST under its own timeout.
func (d *Dispatcher) attempt(ctx context.Context, target *registry.ServerRecord, req Request, timeout time.Duration) (map[string]interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(target.Endpoint, "/") + "/" + strings.TrimPrefix(req.Endpoint, "/")

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, &core.OpError{Op: "dispatch.attempt", Kind: "permanent", ID: target.ID,
			Message: fmt.Sprintf("marshaling payload: %v", err), Err: core.ErrPermanent}
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &core.OpError{Op: "dispatch.attempt", Kind: "permanent", ID: target.ID,
			Message: err.Error(), Err: core.ErrPermanent}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.WorkflowID != "" {
		httpReq.Header.Set("X-Workflow-ID", req.WorkflowID)
	}
	if req.StepID != "" {
		httpReq.Header.Set("X-Step-ID", req.StepID)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		// Connection-level failures and timeouts are transient unless
		// the parent context (not the attempt deadline) was cancelled.
		if ctx.Err() != nil {
			return nil, &core.OpError{Op: "dispatch.attempt", Kind: "cancelled", ID: target.ID, Err: core.ErrCancelled}
		}
		return nil, &core.OpError{Op: "dispatch.attempt", Kind: "transient", ID: target.ID,
			Message: err.Error(), Err: core.ErrTransient}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.OpError{Op: "dispatch.attempt", Kind: "transient", ID: target.ID,
			Message: err.Error(), Err: core.ErrTransient}
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("server returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
		if retryableStatus(resp.StatusCode) {
			return nil, &core.OpError{Op: "dispatch.attempt", Kind: "transient", ID: target.ID,
				Message: msg, Err: core.ErrTransient}
		}
		return nil, &core.OpError{Op: "dispatch.attempt", Kind: "permanent", ID: target.ID,
			Message: msg, Err: core.ErrPermanent}
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &core.OpError{Op: "dispatch.attempt", Kind: "permanent", ID: target.ID,
			Message: fmt.Sprintf("malformed JSON response: %v", err), Err: core.ErrPermanent}
	}
	return result, nil
}

// retryableStatus: 5xx plus the three 4xx codes that signal pressure, not
// caller error.
func retryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func (d *Dispatcher) recordLatency(serverID string, elapsed time.Duration) {
	v, _ := d.latency.LoadOrStore(serverID, &ewma{alpha: d.cfg.LatencyEWMA})
	v.(*ewma).observe(elapsed)
}

// ewma is an exponentially weighted moving average of call durations.
type ewma struct {
	mu    sync.Mutex
	alpha float64
	avg   float64
	seen  bool
}

func (e *ewma) observe(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seen {
		e.avg = float64(d)
		e.seen = true
		return
	}
	e.avg = e.alpha*float64(d) + (1-e.alpha)*e.avg
}

func (e *ewma) value() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.avg)
}
