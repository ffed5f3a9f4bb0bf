package resilience

import (
	"sync"
	"time"

	"github.com/flowplane/flowplane/core"
)

// State represents the circuit breaker state machine position.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota
	// StateOpen rejects all calls until the recovery timeout lapses.
	StateOpen
	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener observes breaker transitions.
type StateChangeListener func(name string, from, to State)

// Breaker is a per-server circuit breaker. Counters live in a tumbling
// window: on the first event observed past the window edge the counters
// reset. That bounds memory to O(1) per server; the health monitor catches
// sustained failure independently, so the slight under-reaction at window
// edges is acceptable.
//
// Admission and counting are serialized per breaker by one mutex, never
// globally.
type Breaker struct {
	name string
	cfg  core.BreakerConfig

	mu               sync.Mutex
	state            State
	windowStart      time.Time
	requests         int
	failures         int
	lastStateChange  time.Time
	halfOpenInFlight int

	listeners []StateChangeListener
	logger    core.Logger
	now       func() time.Time
}

// Done releases an admission with the call outcome. err == nil counts as
// success.
type Done func(err error)

// NewBreaker creates a breaker with the given configuration.
func NewBreaker(name string, cfg core.BreakerConfig, logger core.Logger) *Breaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		logger: logger,
		now:    time.Now,
	}
}

// Admit asks the breaker whether a call may proceed. On success it returns
// a Done that must be called exactly once with the call outcome. On
// rejection it returns ErrCircuitOpen.
func (b *Breaker) Admit() (Done, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rotate(now)

	switch b.state {
	case StateClosed:
		return b.doneFunc(false), nil

	case StateOpen:
		if now.Sub(b.lastStateChange) < b.cfg.RecoveryTimeout {
			return nil, &core.OpError{Op: "breaker.Admit", Kind: "circuit", ID: b.name, Err: core.ErrCircuitOpen}
		}
		// Recovery timeout elapsed: this admission attempt moves the
		// breaker to half-open and becomes its first trial call.
		b.transition(StateHalfOpen, now)
		b.halfOpenInFlight = 1
		return b.doneFunc(true), nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxInFlight {
			return nil, &core.OpError{Op: "breaker.Admit", Kind: "circuit", ID: b.name, Err: core.ErrCircuitOpen}
		}
		b.halfOpenInFlight++
		return b.doneFunc(true), nil
	}

	return nil, &core.OpError{Op: "breaker.Admit", Kind: "circuit", ID: b.name, Err: core.ErrCircuitOpen}
}

// doneFunc builds the completion callback. Caller holds the lock.
func (b *Breaker) doneFunc(halfOpen bool) Done {
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.complete(halfOpen, err) })
	}
}

func (b *Breaker) complete(halfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rotate(now)

	if halfOpen && b.state == StateHalfOpen {
		b.halfOpenInFlight--
		if err == nil {
			// A single trial success closes the circuit and resets
			// the window.
			b.transition(StateClosed, now)
			b.resetWindow(now)
		} else {
			// A single trial failure reopens and restarts the
			// recovery timer.
			b.transition(StateOpen, now)
		}
		return
	}

	// Counting happens at completion so failure_count <= request_count
	// holds at every instant.
	b.requests++
	if err != nil {
		b.failures++
	}

	if b.state == StateClosed && b.requests >= b.cfg.MinRequests {
		if b.failures*100 >= b.cfg.FailureThresholdPercent*b.requests {
			b.transition(StateOpen, now)
		}
	}
}

// rotate resets counters when the tumbling window has lapsed. The window
// anchors on the first observed event, so every timestamp flows through
// the breaker's clock. Caller holds the lock.
func (b *Breaker) rotate(now time.Time) {
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	window := time.Duration(b.cfg.WindowSeconds) * time.Second
	if now.Sub(b.windowStart) >= window {
		b.resetWindow(now)
	}
}

func (b *Breaker) resetWindow(now time.Time) {
	b.windowStart = now
	b.requests = 0
	b.failures = 0
}

// transition changes state and notifies listeners. Caller holds the lock.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = now
	if to == StateHalfOpen || to == StateOpen {
		b.halfOpenInFlight = 0
	}

	b.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_state_change",
		"name":      b.name,
		"from":      from.String(),
		"to":        to.String(),
		"requests":  b.requests,
		"failures":  b.failures,
	})

	for _, l := range b.listeners {
		go l(b.name, from, to)
	}
}

// AddStateChangeListener registers a transition callback.
func (b *Breaker) AddStateChangeListener(l StateChangeListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// GetState returns the current state, applying any pending Open→HalfOpen
// eligibility check read-only (the actual transition happens on Admit).
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanAdmit reports whether an Admit call would currently succeed, without
// reserving a slot.
func (b *Breaker) CanAdmit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout
	case StateHalfOpen:
		return b.halfOpenInFlight < b.cfg.HalfOpenMaxInFlight
	}
	return false
}

// Metrics returns a point-in-time view for monitoring.
func (b *Breaker) Metrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"name":                b.name,
		"state":               b.state.String(),
		"window_started_at":   b.windowStart,
		"request_count":       b.requests,
		"failure_count":       b.failures,
		"last_state_change":   b.lastStateChange,
		"half_open_in_flight": b.halfOpenInFlight,
	}
}

// Reset returns the breaker to closed with fresh counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.transition(StateClosed, now)
	b.resetWindow(now)
	b.halfOpenInFlight = 0
}
