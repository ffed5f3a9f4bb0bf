package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowplane/flowplane/core"
	"github.com/flowplane/flowplane/dispatch"
)

func testSupervisorConfig() core.SupervisorConfig {
	return core.SupervisorConfig{
		MaxConcurrentWorkflows: 200,
		TerminalRetention:      10000,
		NotifyTimeout:          time.Second,
	}
}

func newTestSupervisor(cfg core.SupervisorConfig, fd StepDispatcher) *Supervisor {
	expander := NewExpander(NewTemplateRegistry(nil), nil)
	return NewSupervisor(expander, fd, cfg, testWorkflowConfig(), nil)
}

func waitTerminal(t *testing.T, s *Supervisor, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get() = %v", err)
		}
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state", id)
	return Snapshot{}
}

func TestSubmitRunsWorkflowToCompletion(t *testing.T) {
	s := newTestSupervisor(testSupervisorConfig(), &fakeDispatcher{})

	snap, err := s.Submit("content_analysis", map[string]interface{}{"text": "hello"}, Options{})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if snap.State != WorkflowQueued {
		t.Errorf("initial state = %s, want Queued", snap.State)
	}
	if len(snap.Steps) != 3 {
		t.Errorf("initial snapshot has %d steps, want 3", len(snap.Steps))
	}

	final := waitTerminal(t, s, snap.WorkflowID)
	if final.State != WorkflowCompleted {
		t.Fatalf("final state = %s, want Completed", final.State)
	}
	for _, step := range final.Steps {
		if step.State != StepCompleted {
			t.Errorf("step %s state = %s (%s), want Completed", step.StepName, step.State, step.Error)
		}
		if step.Result == nil {
			t.Errorf("step %s missing result", step.StepName)
		}
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	s := newTestSupervisor(testSupervisorConfig(), &fakeDispatcher{})

	if _, err := s.Submit("ghost_template", nil, Options{}); !errors.Is(err, core.ErrUnknownTemplate) {
		t.Errorf("Submit(unknown) = %v, want ErrUnknownTemplate", err)
	}
	if _, err := s.Submit("content_analysis", map[string]interface{}{}, Options{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Submit(missing param) = %v, want ErrValidation", err)
	}
}

func TestSubmitRejectsOverCeiling(t *testing.T) {
	release := make(chan struct{})
	fd := &fakeDispatcher{handler: func(dispatch.Request) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{"ok": true}, nil
	}}
	cfg := testSupervisorConfig()
	cfg.MaxConcurrentWorkflows = 2
	s := newTestSupervisor(cfg, fd)

	params := map[string]interface{}{"text": "x"}
	if _, err := s.Submit("content_analysis", params, Options{}); err != nil {
		t.Fatalf("first Submit() = %v", err)
	}
	if _, err := s.Submit("content_analysis", params, Options{}); err != nil {
		t.Fatalf("second Submit() = %v", err)
	}

	_, err := s.Submit("content_analysis", params, Options{})
	if !errors.Is(err, core.ErrOverloaded) {
		t.Fatalf("third Submit() = %v, want ErrOverloaded", err)
	}
	close(release)
}

func TestGetUnknownWorkflow(t *testing.T) {
	s := newTestSupervisor(testSupervisorConfig(), &fakeDispatcher{})
	if _, err := s.Get("nope"); !errors.Is(err, core.ErrWorkflowNotFound) {
		t.Errorf("Get() = %v, want ErrWorkflowNotFound", err)
	}
	if _, err := s.Cancel("nope"); !errors.Is(err, core.ErrWorkflowNotFound) {
		t.Errorf("Cancel() = %v, want ErrWorkflowNotFound", err)
	}
}

func TestCancelTerminalWorkflowIsNoOp(t *testing.T) {
	s := newTestSupervisor(testSupervisorConfig(), &fakeDispatcher{})
	snap, _ := s.Submit("content_analysis", map[string]interface{}{"text": "x"}, Options{})
	final := waitTerminal(t, s, snap.WorkflowID)

	for i := 0; i < 3; i++ {
		got, err := s.Cancel(snap.WorkflowID)
		if err != nil {
			t.Fatalf("Cancel() = %v", err)
		}
		if got.State != final.State {
			t.Errorf("Cancel() state = %s, want unchanged %s", got.State, final.State)
		}
	}
}

func TestTerminalRetentionEvictsOldest(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.TerminalRetention = 2
	s := newTestSupervisor(cfg, &fakeDispatcher{})

	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := s.Submit("content_analysis", map[string]interface{}{"text": "x"}, Options{})
		if err != nil {
			t.Fatalf("Submit() = %v", err)
		}
		waitTerminal(t, s, snap.WorkflowID)
		ids = append(ids, snap.WorkflowID)
	}

	if _, err := s.Get(ids[0]); !errors.Is(err, core.ErrWorkflowNotFound) {
		t.Errorf("oldest terminal workflow still retained: %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := s.Get(id); err != nil {
			t.Errorf("recent workflow %s evicted: %v", id, err)
		}
	}
}

func TestListFilters(t *testing.T) {
	s := newTestSupervisor(testSupervisorConfig(), &fakeDispatcher{})
	snap, _ := s.Submit("content_analysis", map[string]interface{}{"text": "x"}, Options{})
	waitTerminal(t, s, snap.WorkflowID)

	all := s.List(ListFilter{})
	if len(all) != 1 {
		t.Fatalf("List() = %d workflows, want 1", len(all))
	}
	completed := s.List(ListFilter{State: WorkflowCompleted})
	if len(completed) != 1 {
		t.Errorf("List(Completed) = %d, want 1", len(completed))
	}
	failed := s.List(ListFilter{State: WorkflowFailed})
	if len(failed) != 0 {
		t.Errorf("List(Failed) = %d, want 0", len(failed))
	}
	byTemplate := s.List(ListFilter{Template: "content_analysis"})
	if len(byTemplate) != 1 {
		t.Errorf("List(template) = %d, want 1", len(byTemplate))
	}
}

func TestWebhookNotifiedOnTerminal(t *testing.T) {
	received := make(chan Snapshot, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var snap Snapshot
		_ = json.NewDecoder(r.Body).Decode(&snap)
		received <- snap
	}))
	defer hook.Close()

	s := newTestSupervisor(testSupervisorConfig(), &fakeDispatcher{})
	snap, err := s.Submit("content_analysis", map[string]interface{}{"text": "x"}, Options{
		NotificationWebhook: hook.URL,
	})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	select {
	case got := <-received:
		if got.WorkflowID != snap.WorkflowID {
			t.Errorf("webhook workflow_id = %s, want %s", got.WorkflowID, snap.WorkflowID)
		}
		if got.State != WorkflowCompleted {
			t.Errorf("webhook state = %s, want Completed", got.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called for terminal workflow")
	}
}

func TestShutdownCancelsActiveWorkflows(t *testing.T) {
	started := make(chan struct{}, 8)
	fd := &fakeDispatcher{handler: func(dispatch.Request) (map[string]interface{}, error) {
		started <- struct{}{}
		time.Sleep(30 * time.Millisecond)
		return map[string]interface{}{"ok": true}, nil
	}}
	s := newTestSupervisor(testSupervisorConfig(), fd)

	snap, err := s.Submit("content_analysis", map[string]interface{}{"text": "x"}, Options{})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	final, err := s.Get(snap.WorkflowID)
	if err != nil {
		t.Fatalf("Get() after shutdown = %v", err)
	}
	if !final.State.Terminal() {
		t.Errorf("state after shutdown = %s, want terminal", final.State)
	}

	if _, err := s.Submit("content_analysis", map[string]interface{}{"text": "x"}, Options{}); !errors.Is(err, core.ErrOverloaded) {
		t.Errorf("Submit() after shutdown = %v, want ErrOverloaded", err)
	}
}
