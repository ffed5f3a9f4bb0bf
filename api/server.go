// Package api exposes the orchestration plane over HTTP: workflow
// submission and lifecycle, capability-server registration and
// heartbeats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flowplane/flowplane/core"
	"github.com/flowplane/flowplane/orchestration"
	"github.com/flowplane/flowplane/registry"
)

// DispatchStats exposes read-only dispatcher counters for the admin
// endpoints. The Dispatcher implements it.
type DispatchStats interface {
	GlobalInFlight() int64
	ServerLatency(serverID string) time.Duration
}

// Server is the plane's HTTP front end.
type Server struct {
	supervisor *orchestration.Supervisor
	registry   registry.Registry
	stats      DispatchStats
	logger     core.Logger
	httpServer *http.Server
}

// NewServer builds the HTTP front end. Call ListenAndServe or use
// Handler with an external listener. stats may be nil.
func NewServer(addr string, supervisor *orchestration.Supervisor, reg registry.Registry, stats DispatchStats, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{
		supervisor: supervisor,
		registry:   reg,
		stats:      stats,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", s.handleSubmit)
	mux.HandleFunc("GET /workflows", s.handleList)
	mux.HandleFunc("GET /workflows/{id}", s.handleGet)
	mux.HandleFunc("POST /workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /templates", s.handleTemplates)
	mux.HandleFunc("POST /servers", s.handleRegister)
	mux.HandleFunc("DELETE /servers/{id}", s.handleDeregister)
	mux.HandleFunc("POST /servers/heartbeat/{id}", s.handleHeartbeat)
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP API listening", map[string]interface{}{
		"operation": "serve",
		"addr":      s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// submitRequest is the submission wire shape.
type submitRequest struct {
	WorkflowType string                 `json:"workflow_type"`
	Parameters   map[string]interface{} `json:"parameters"`
	Options      *submitOptions         `json:"options,omitempty"`
}

type submitOptions struct {
	TimeoutSeconds      int    `json:"timeout_seconds,omitempty"`
	FailureStrategy     string `json:"failure_strategy,omitempty"`
	NotificationWebhook string `json:"notification_webhook,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &core.OpError{Op: "api.submit", Kind: "validation",
			Message: "malformed JSON body", Err: core.ErrValidation})
		return
	}
	if req.WorkflowType == "" {
		s.writeError(w, &core.OpError{Op: "api.submit", Kind: "validation",
			Message: "workflow_type is required", Err: core.ErrValidation})
		return
	}

	opts := orchestration.Options{FailureStrategy: orchestration.FailFast}
	if req.Options != nil {
		opts.FailureStrategy = orchestration.ParseFailureStrategy(req.Options.FailureStrategy)
		opts.NotificationWebhook = req.Options.NotificationWebhook
		if req.Options.TimeoutSeconds > 0 {
			opts.Timeout = time.Duration(req.Options.TimeoutSeconds) * time.Second
		}
	}

	snap, err := s.supervisor.Submit(req.WorkflowType, req.Parameters, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.supervisor.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.supervisor.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := orchestration.ListFilter{
		State:    orchestration.WorkflowState(r.URL.Query().Get("state")),
		Template: r.URL.Query().Get("template"),
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": s.supervisor.List(filter),
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": s.supervisor.Templates().Names(),
	})
}

// registerRequest is the registration wire shape. TTL rides as integer
// seconds on the wire.
type registerRequest struct {
	Name         string   `json:"name"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
	Weight       int      `json:"weight,omitempty"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty"`
	HealthPath   string   `json:"health_path,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &core.OpError{Op: "api.register", Kind: "validation",
			Message: "malformed JSON body", Err: core.ErrValidation})
		return
	}
	desc := &registry.ServerDescription{
		Name:         req.Name,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		Version:      req.Version,
		Weight:       req.Weight,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
		HealthPath:   req.HealthPath,
	}
	id, err := s.registry.Register(r.Context(), desc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"server_id": id})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, &core.OpError{Op: "api.heartbeat", Kind: "validation",
				Message: "malformed JSON body", Err: core.ErrValidation})
			return
		}
	}
	err := s.registry.Heartbeat(r.Context(), r.PathValue("id"), registry.Status(req.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serverView is a registry record annotated with dispatcher-side latency.
type serverView struct {
	*registry.ServerRecord
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.All(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]serverView, len(records))
	for i, rec := range records {
		views[i] = serverView{ServerRecord: rec}
		if s.stats != nil {
			if lat := s.stats.ServerLatency(rec.ID); lat > 0 {
				views[i].LatencyMS = float64(lat) / float64(time.Millisecond)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"servers": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"status":           "ok",
		"active_workflows": s.supervisor.ActiveCount(),
	}
	if s.stats != nil {
		body["in_flight"] = s.stats.GlobalInFlight()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// errorResponse is the uniform error wire shape.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrOverloaded):
		status = http.StatusTooManyRequests
	case errors.Is(err, core.ErrWorkflowNotFound), errors.Is(err, core.ErrServerNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", map[string]interface{}{
			"operation": "http",
			"error":     err.Error(),
		})
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: core.ErrorKind(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encoding failed", map[string]interface{}{
			"operation": "http",
			"error":     err.Error(),
		})
	}
}
