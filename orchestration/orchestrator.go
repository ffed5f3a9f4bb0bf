package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowplane/flowplane/core"
	"github.com/flowplane/flowplane/dispatch"
	"github.com/flowplane/flowplane/telemetry"
)

// StepDispatcher is the slice of the dispatcher the orchestrator needs.
type StepDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (map[string]interface{}, error)
}

// stepOutcome travels from a dispatch goroutine back to the scheduling
// loop.
type stepOutcome struct {
	stepID string
	result map[string]interface{}
	err    error
}

// Orchestrator owns one workflow: it schedules ready steps up to the
// concurrency cap, reacts to completions, applies the failure strategy
// and drives the workflow to a terminal state. The scheduling loop is
// reactive; it blocks on step completions rather than polling.
type Orchestrator struct {
	mu  sync.Mutex
	wf  *Workflow
	dag *dag

	dispatcher StepDispatcher
	cfg        core.WorkflowConfig
	logger     core.Logger

	completions chan stepOutcome
	cancelCh    chan struct{}
	cancelOnce  sync.Once

	running int
	// halted stops new dispatches after a FailFast failure while
	// in-flight steps drain.
	halted bool
}

// NewOrchestrator builds an orchestrator over an expanded workflow. The
// workflow's steps must already have validated edges.
func NewOrchestrator(wf *Workflow, dispatcher StepDispatcher, cfg core.WorkflowConfig, logger core.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	d, err := newDAG(wf.Steps)
	if err != nil {
		return nil, err
	}
	retriesPerStep := 1
	if wf.Options.FailureStrategy == RetrySteps {
		retriesPerStep += cfg.MaxStepRetries
	}
	return &Orchestrator{
		wf:          wf,
		dag:         d,
		dispatcher:  dispatcher,
		cfg:         cfg,
		logger:      logger,
		completions: make(chan stepOutcome, len(wf.Steps)*retriesPerStep+1),
		cancelCh:    make(chan struct{}),
	}, nil
}

// Cancel requests cooperative cancellation. Idempotent; cancelling a
// terminal workflow is a no-op.
func (o *Orchestrator) Cancel() {
	o.cancelOnce.Do(func() { close(o.cancelCh) })
}

// Snapshot returns an immutable view of the workflow.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wf.snapshotLocked()
}

// Run drives the workflow to a terminal state and returns it. Run is
// called exactly once per orchestrator.
func (o *Orchestrator) Run(ctx context.Context) WorkflowState {
	if o.wf.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.wf.Options.Timeout)
		defer cancel()
	}

	ctx, span := telemetry.StartSpan(ctx, "workflow.run",
		telemetry.WorkflowAttributes(o.wf.ID, o.wf.Template)...)
	defer span.End()

	o.transition(WorkflowRunning)
	o.logger.Info("Workflow started", map[string]interface{}{
		"operation":   "workflow_run",
		"workflow_id": o.wf.ID,
		"template":    o.wf.Template,
		"steps":       len(o.wf.Steps),
		"strategy":    string(o.wf.Options.FailureStrategy),
	})

	// Dispatches deliberately outlive cancellation; each call is bounded
	// by its own timeout.
	dispatchCtx := context.WithoutCancel(ctx)

	for {
		if o.cancelled(ctx) {
			return o.finalizeCancelled()
		}

		launched := o.launchReady(dispatchCtx)

		o.mu.Lock()
		idle := o.running == 0 && launched == 0
		o.mu.Unlock()

		if idle {
			if more := o.hasPendingReady(); !more {
				return o.finalize()
			}
			// Pending steps exist but none is ready and nothing is
			// running: their dependencies failed or were skipped.
			o.skipUnreachable()
			return o.finalize()
		}

		select {
		case out := <-o.completions:
			o.handleOutcome(dispatchCtx, out)
		case <-o.cancelCh:
		case <-ctx.Done():
		}
	}
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	select {
	case <-o.cancelCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

// launchReady dispatches ready steps up to the concurrency cap and
// returns how many it launched.
func (o *Orchestrator) launchReady(ctx context.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.halted {
		return 0
	}
	launched := 0
	for _, step := range o.dag.readySteps() {
		if o.running >= o.cfg.MaxConcurrentSteps {
			break
		}
		params, err := resolveParameters(step.Parameters, o.resultsLocked())
		if err != nil {
			// Dependencies completed, so an unresolvable reference is a
			// template bug, not a transient condition.
			o.failStepLocked(step, err)
			o.applyFailureLocked(step)
			continue
		}
		now := time.Now()
		step.State = StepRunning
		step.StartedAt = &now
		o.wf.UpdatedAt = now
		o.running++
		launched++
		go o.dispatchStep(ctx, step, params)
	}
	return launched
}

// dispatchStep performs one dispatch attempt chain and reports the
// outcome to the scheduling loop.
func (o *Orchestrator) dispatchStep(ctx context.Context, step *Step, params map[string]interface{}) {
	telemetry.AddSpanEvent(ctx, "step_dispatched",
		telemetry.StepAttributes(step.ID, step.Name, step.Capability)...)

	result, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Capability: step.Capability,
		Endpoint:   step.Endpoint,
		Payload:    params,
		WorkflowID: o.wf.ID,
		StepID:     step.ID,
		RoutingKey: o.wf.ID,
	})
	o.completions <- stepOutcome{stepID: step.ID, result: result, err: err}
}

// handleOutcome records a step result and applies the failure strategy.
func (o *Orchestrator) handleOutcome(ctx context.Context, out stepOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.dag.steps[out.stepID]
	now := time.Now()
	o.wf.UpdatedAt = now

	if out.err == nil {
		o.running--
		step.State = StepCompleted
		step.CompletedAt = &now
		step.Result = out.result
		o.logger.Debug("Step completed", map[string]interface{}{
			"operation":   "step_complete",
			"workflow_id": o.wf.ID,
			"step":        step.Name,
		})
		return
	}

	// Retry strategy keeps the step Running through the backoff so the
	// loop's running count stays truthful.
	if o.wf.Options.FailureStrategy == RetrySteps && step.RetryCount < o.cfg.MaxStepRetries && !o.haltedOrCancelled() {
		step.RetryCount++
		delay := o.cfg.StepRetryDelay * (1 << (step.RetryCount - 1))
		o.logger.Warn("Step failed, retrying", map[string]interface{}{
			"operation":   "step_retry",
			"workflow_id": o.wf.ID,
			"step":        step.Name,
			"attempt":     step.RetryCount,
			"delay_ms":    delay.Milliseconds(),
			"error":       out.err.Error(),
		})
		params, err := resolveParameters(step.Parameters, o.resultsLocked())
		if err == nil {
			time.AfterFunc(delay, func() { o.dispatchStep(ctx, step, params) })
			return
		}
		out.err = err
	}

	o.running--
	o.failStepLocked(step, out.err)
	o.applyFailureLocked(step)
}

func (o *Orchestrator) haltedOrCancelled() bool {
	if o.halted {
		return true
	}
	select {
	case <-o.cancelCh:
		return true
	default:
		return false
	}
}

// failStepLocked marks a step terminally failed. Caller holds the lock.
func (o *Orchestrator) failStepLocked(step *Step, err error) {
	now := time.Now()
	step.State = StepFailed
	step.CompletedAt = &now
	step.Error = err.Error()
	o.wf.UpdatedAt = now
	o.logger.Error("Step failed", map[string]interface{}{
		"operation":   "step_fail",
		"workflow_id": o.wf.ID,
		"step":        step.Name,
		"error":       err.Error(),
		"error_kind":  core.ErrorKind(err),
	})
}

// applyFailureLocked reacts to a terminal step failure per the configured
// strategy. Caller holds the lock.
func (o *Orchestrator) applyFailureLocked(step *Step) {
	switch o.wf.Options.FailureStrategy {
	case ContinueOnError:
		o.dag.skipDependents(step.ID)
	default:
		// FailFast, and Retry once its budget is spent.
		o.halted = true
		for _, s := range o.wf.Steps {
			if s.State == StepPending {
				s.State = StepSkipped
			}
		}
	}
}

// resultsLocked builds the resolver's lookup from completed steps, keyed
// by step name plus positional stepN aliases. Caller holds the lock.
func (o *Orchestrator) resultsLocked() resultLookup {
	results := make(resultLookup, len(o.wf.Steps)*2)
	for i, s := range o.wf.Steps {
		if s.State != StepCompleted {
			continue
		}
		results[s.Name] = s.Result
		results[fmt.Sprintf("step%d", i+1)] = s.Result
	}
	return results
}

// hasPendingReady reports whether any Pending step can still run.
func (o *Orchestrator) hasPendingReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.wf.Steps {
		if s.State == StepPending {
			return true
		}
	}
	return false
}

// skipUnreachable marks Pending steps whose dependencies can never
// complete as Skipped.
func (o *Orchestrator) skipUnreachable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.wf.Steps {
		if s.State == StepPending {
			s.State = StepSkipped
		}
	}
}

// finalize transitions to Completed or Failed once nothing is running.
func (o *Orchestrator) finalize() WorkflowState {
	o.mu.Lock()
	state := WorkflowCompleted
	if o.dag.anyFailed() {
		state = WorkflowFailed
	}
	o.mu.Unlock()

	o.transition(state)
	o.logger.Info("Workflow finished", map[string]interface{}{
		"operation":   "workflow_finish",
		"workflow_id": o.wf.ID,
		"state":       string(state),
	})
	return state
}

// finalizeCancelled drains in-flight steps, skips everything Pending and
// transitions to Cancelled. In-flight results are recorded but trigger
// no scheduling.
func (o *Orchestrator) finalizeCancelled() WorkflowState {
	for {
		o.mu.Lock()
		draining := o.running > 0
		o.mu.Unlock()
		if !draining {
			break
		}
		out := <-o.completions
		o.recordDrained(out)
	}

	o.mu.Lock()
	now := time.Now()
	for _, s := range o.wf.Steps {
		if s.State == StepPending {
			s.State = StepSkipped
		}
	}
	o.wf.UpdatedAt = now
	o.mu.Unlock()

	o.transition(WorkflowCancelled)
	o.logger.Info("Workflow cancelled", map[string]interface{}{
		"operation":   "workflow_cancel",
		"workflow_id": o.wf.ID,
	})
	return WorkflowCancelled
}

// recordDrained stores the outcome of an in-flight step after
// cancellation without applying the failure strategy.
func (o *Orchestrator) recordDrained(out stepOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.dag.steps[out.stepID]
	now := time.Now()
	o.running--
	step.CompletedAt = &now
	o.wf.UpdatedAt = now
	if out.err == nil {
		step.State = StepCompleted
		step.Result = out.result
		return
	}
	step.State = StepFailed
	step.Error = (&core.OpError{Op: "step", Kind: "cancelled", ID: step.ID, Err: core.ErrCancelled}).Error()
}

func (o *Orchestrator) transition(state WorkflowState) {
	o.mu.Lock()
	o.wf.State = state
	o.wf.UpdatedAt = time.Now()
	if state == WorkflowFailed {
		o.wf.Err = o.firstFailureLocked()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) firstFailureLocked() string {
	for _, s := range o.wf.Steps {
		if s.State == StepFailed && s.Error != "" {
			return fmt.Sprintf("step %q failed: %s", s.Name, s.Error)
		}
	}
	return ""
}
