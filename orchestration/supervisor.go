package orchestration

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/flowplane/flowplane/core"
)

// Supervisor admits, launches and tracks workflows. Active workflows are
// backed by their orchestrators; terminal workflows are retained as
// snapshots in a bounded LRU for status queries.
type Supervisor struct {
	mu       sync.Mutex
	active   map[string]*Orchestrator
	terminal map[string]*list.Element
	// lru orders terminal snapshots, most recently touched at the front.
	lru    *list.List
	closed bool

	expander   *Expander
	dispatcher StepDispatcher
	cfg        core.SupervisorConfig
	wfCfg      core.WorkflowConfig
	logger     core.Logger
	notifier   *WebhookNotifier

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

type terminalEntry struct {
	id   string
	snap Snapshot
}

// NewSupervisor wires a supervisor over an expander and a dispatcher.
func NewSupervisor(expander *Expander, dispatcher StepDispatcher, cfg core.SupervisorConfig, wfCfg core.WorkflowConfig, logger core.Logger) *Supervisor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		active:     make(map[string]*Orchestrator),
		terminal:   make(map[string]*list.Element),
		lru:        list.New(),
		expander:   expander,
		dispatcher: dispatcher,
		cfg:        cfg,
		wfCfg:      wfCfg,
		logger:     logger,
		notifier:   NewWebhookNotifier(cfg.NotifyTimeout, logger),
		baseCtx:    baseCtx,
		stop:       stop,
	}
}

// Submit expands a template, launches its orchestrator and returns the
// initial snapshot. Submission is non-blocking; the returned snapshot is
// in state Queued.
func (s *Supervisor) Submit(templateName string, params map[string]interface{}, opts Options) (Snapshot, error) {
	wf, err := s.expander.Expand(templateName, params, opts)
	if err != nil {
		return Snapshot{}, err
	}
	orch, err := NewOrchestrator(wf, s.dispatcher, s.wfCfg, s.logger)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, &core.OpError{Op: "supervisor.Submit", Kind: "overload",
			Message: "supervisor is shutting down", Err: core.ErrOverloaded}
	}
	if len(s.active) >= s.cfg.MaxConcurrentWorkflows {
		s.mu.Unlock()
		return Snapshot{}, &core.OpError{Op: "supervisor.Submit", Kind: "overload", ID: templateName,
			Message: "concurrent workflow ceiling reached", Err: core.ErrOverloaded}
	}
	s.active[wf.ID] = orch
	s.wg.Add(1)
	s.mu.Unlock()

	snap := orch.Snapshot()
	go s.runWorkflow(wf.ID, orch)

	s.logger.Info("Workflow admitted", map[string]interface{}{
		"operation":   "submit",
		"workflow_id": wf.ID,
		"template":    templateName,
	})
	return snap, nil
}

func (s *Supervisor) runWorkflow(id string, orch *Orchestrator) {
	defer s.wg.Done()

	orch.Run(s.baseCtx)
	snap := orch.Snapshot()

	s.mu.Lock()
	delete(s.active, id)
	s.retainLocked(id, snap)
	s.mu.Unlock()

	// Options are immutable after expansion.
	if webhook := orch.wf.Options.NotificationWebhook; webhook != "" {
		s.notifier.Notify(webhook, snap)
	}
}

// retainLocked inserts a terminal snapshot into the LRU, evicting the
// oldest entry past the retention bound. Caller holds the lock.
func (s *Supervisor) retainLocked(id string, snap Snapshot) {
	if el, ok := s.terminal[id]; ok {
		el.Value = terminalEntry{id: id, snap: snap}
		s.lru.MoveToFront(el)
		return
	}
	s.terminal[id] = s.lru.PushFront(terminalEntry{id: id, snap: snap})
	for s.lru.Len() > s.cfg.TerminalRetention {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.terminal, oldest.Value.(terminalEntry).id)
	}
}

// Get returns the current snapshot of a workflow, active or retained.
func (s *Supervisor) Get(id string) (Snapshot, error) {
	s.mu.Lock()
	if orch, ok := s.active[id]; ok {
		s.mu.Unlock()
		return orch.Snapshot(), nil
	}
	if el, ok := s.terminal[id]; ok {
		s.lru.MoveToFront(el)
		snap := el.Value.(terminalEntry).snap
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()
	return Snapshot{}, &core.OpError{Op: "supervisor.Get", Kind: "not_found", ID: id,
		Err: core.ErrWorkflowNotFound}
}

// Cancel requests cancellation and returns the current snapshot.
// Idempotent; cancelling a terminal workflow returns its retained
// snapshot unchanged.
func (s *Supervisor) Cancel(id string) (Snapshot, error) {
	s.mu.Lock()
	orch, isActive := s.active[id]
	s.mu.Unlock()

	if isActive {
		orch.Cancel()
		return orch.Snapshot(), nil
	}
	return s.Get(id)
}

// ListFilter narrows List output. Zero value matches everything.
type ListFilter struct {
	State    WorkflowState
	Template string
}

func (f ListFilter) matches(snap Snapshot) bool {
	if f.State != "" && snap.State != f.State {
		return false
	}
	if f.Template != "" && snap.WorkflowType != f.Template {
		return false
	}
	return true
}

// List returns snapshots of matching workflows, newest first.
func (s *Supervisor) List(filter ListFilter) []Snapshot {
	s.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(s.active))
	for _, orch := range s.active {
		orchs = append(orchs, orch)
	}
	retained := make([]Snapshot, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		retained = append(retained, el.Value.(terminalEntry).snap)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(orchs)+len(retained))
	for _, orch := range orchs {
		if snap := orch.Snapshot(); filter.matches(snap) {
			out = append(out, snap)
		}
	}
	for _, snap := range retained {
		if filter.matches(snap) {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount reports the number of non-terminal workflows.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Templates exposes the registry backing the expander for API listing.
func (s *Supervisor) Templates() *TemplateRegistry {
	return s.expander.templates
}

// Shutdown stops admission, cancels every active workflow and waits for
// them to drain or the context to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	orchs := make([]*Orchestrator, 0, len(s.active))
	for _, orch := range s.active {
		orchs = append(orchs, orch)
	}
	s.mu.Unlock()

	for _, orch := range orchs {
		orch.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.stop()
		return ctx.Err()
	}
	s.stop()
	return nil
}
