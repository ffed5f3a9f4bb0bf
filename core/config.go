package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the orchestration plane. The zero value
// is not usable; build one with NewConfig.
type Config struct {
	Registry   RegistryConfig
	Health     HealthConfig
	Breaker    BreakerConfig
	Dispatch   DispatchConfig
	Workflow   WorkflowConfig
	Supervisor SupervisorConfig
	Logging    LoggingConfig
}

// RegistryConfig tunes the capability registry.
type RegistryConfig struct {
	// DefaultTTL applies to registrations that do not declare one.
	DefaultTTL time.Duration
	// SweepInterval is how often expired records are reclaimed.
	SweepInterval time.Duration
	// RedisURL selects the Redis backend when non-empty.
	RedisURL string
	// Namespace prefixes every Redis key.
	Namespace string
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	ProbePath     string
	// FailureThreshold consecutive probe failures mark a server Unhealthy.
	FailureThreshold int
	// SuccessThreshold consecutive successes recover a non-Healthy server.
	SuccessThreshold int
}

// BreakerConfig tunes the per-server circuit breakers.
type BreakerConfig struct {
	WindowSeconds           int
	MinRequests             int
	FailureThresholdPercent int
	RecoveryTimeout         time.Duration
	HalfOpenMaxInFlight     int
}

// DispatchConfig tunes the dispatch pipeline.
type DispatchConfig struct {
	Policy               string
	CallTimeout          time.Duration
	MaxRetries           int
	RetryInitialDelay    time.Duration
	RetryMaxDelay        time.Duration
	RetryBackoffFactor   float64
	RetryJitter          bool
	MaxInFlightPerServer int64
	GlobalMaxInFlight    int64
	// AdmissionWait bounds how long a dispatch may wait on the global
	// in-flight semaphore before failing Overloaded.
	AdmissionWait  time.Duration
	StickySessions bool
	LatencyEWMA    float64
}

// WorkflowConfig tunes a single orchestrator.
type WorkflowConfig struct {
	MaxConcurrentSteps int
	MaxStepRetries     int
	StepRetryDelay     time.Duration
}

// SupervisorConfig tunes the workflow supervisor.
type SupervisorConfig struct {
	MaxConcurrentWorkflows int
	TerminalRetention      int
	NotifyTimeout          time.Duration
}

// LoggingConfig selects log verbosity.
type LoggingConfig struct {
	Level string
}

// Option mutates a Config during construction.
type Option func(*Config) error

// DefaultConfig returns the reference defaults from the design document.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			DefaultTTL:    30 * time.Second,
			SweepInterval: 60 * time.Second,
			Namespace:     "flowplane",
		},
		Health: HealthConfig{
			ProbeInterval:    30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			ProbePath:        "/health",
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		Breaker: BreakerConfig{
			WindowSeconds:           60,
			MinRequests:             10,
			FailureThresholdPercent: 50,
			RecoveryTimeout:         30 * time.Second,
			HalfOpenMaxInFlight:     5,
		},
		Dispatch: DispatchConfig{
			Policy:               "round_robin",
			CallTimeout:          30 * time.Second,
			MaxRetries:           3,
			RetryInitialDelay:    100 * time.Millisecond,
			RetryMaxDelay:        5 * time.Second,
			RetryBackoffFactor:   2.0,
			RetryJitter:          true,
			MaxInFlightPerServer: 1000,
			GlobalMaxInFlight:    2000,
			AdmissionWait:        time.Second,
			LatencyEWMA:          0.3,
		},
		Workflow: WorkflowConfig{
			MaxConcurrentSteps: 8,
			MaxStepRetries:     2,
			StepRetryDelay:     500 * time.Millisecond,
		},
		Supervisor: SupervisorConfig{
			MaxConcurrentWorkflows: 200,
			TerminalRetention:      10000,
			NotifyTimeout:          10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// NewConfig builds a Config from defaults plus options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate plane invariants.
func (c *Config) Validate() error {
	if c.Breaker.FailureThresholdPercent < 0 || c.Breaker.FailureThresholdPercent > 100 {
		return &OpError{Op: "config.Validate", Kind: "validation",
			Message: fmt.Sprintf("failure threshold must be 0-100, got %d", c.Breaker.FailureThresholdPercent),
			Err:     ErrValidation}
	}
	if c.Breaker.HalfOpenMaxInFlight < 1 {
		return &OpError{Op: "config.Validate", Kind: "validation",
			Message: "half-open in-flight cap must be at least 1", Err: ErrValidation}
	}
	if c.Workflow.MaxConcurrentSteps < 1 {
		return &OpError{Op: "config.Validate", Kind: "validation",
			Message: "per-workflow concurrency cap must be at least 1", Err: ErrValidation}
	}
	if c.Dispatch.GlobalMaxInFlight < 1 || c.Dispatch.MaxInFlightPerServer < 1 {
		return &OpError{Op: "config.Validate", Kind: "validation",
			Message: "in-flight caps must be at least 1", Err: ErrValidation}
	}
	if c.Supervisor.MaxConcurrentWorkflows < 1 {
		return &OpError{Op: "config.Validate", Kind: "validation",
			Message: "workflow ceiling must be at least 1", Err: ErrValidation}
	}
	return nil
}

// WithBalancerPolicy selects the dispatch balancing policy.
func WithBalancerPolicy(policy string) Option {
	return func(c *Config) error {
		c.Dispatch.Policy = policy
		return nil
	}
}

// WithMaxConcurrentSteps sets the per-workflow concurrency cap.
func WithMaxConcurrentSteps(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return &OpError{Op: "WithMaxConcurrentSteps", Kind: "validation",
				Message: fmt.Sprintf("invalid cap: %d", n), Err: ErrValidation}
		}
		c.Workflow.MaxConcurrentSteps = n
		return nil
	}
}

// WithMaxConcurrentWorkflows sets the global workflow admission ceiling.
func WithMaxConcurrentWorkflows(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return &OpError{Op: "WithMaxConcurrentWorkflows", Kind: "validation",
				Message: fmt.Sprintf("invalid ceiling: %d", n), Err: ErrValidation}
		}
		c.Supervisor.MaxConcurrentWorkflows = n
		return nil
	}
}

// WithBreaker overrides the circuit breaker thresholds.
func WithBreaker(minRequests, thresholdPercent int, recovery time.Duration) Option {
	return func(c *Config) error {
		c.Breaker.MinRequests = minRequests
		c.Breaker.FailureThresholdPercent = thresholdPercent
		c.Breaker.RecoveryTimeout = recovery
		return nil
	}
}

// WithCallTimeout sets the default per-call HTTP timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Dispatch.CallTimeout = d
		return nil
	}
}

// WithRedisRegistry selects the Redis registry backend.
func WithRedisRegistry(url string) Option {
	return func(c *Config) error {
		c.Registry.RedisURL = url
		return nil
	}
}

// WithLogLevel sets log verbosity ("debug", "info", "warn", "error").
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// ConfigFromEnv builds a Config from defaults overridden by FLOWPLANE_*
// environment variables. Unknown or malformed values are ignored; the
// daemon logs effective values at startup.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("FLOWPLANE_REDIS_URL"); v != "" {
		cfg.Registry.RedisURL = v
	}
	if v := os.Getenv("FLOWPLANE_NAMESPACE"); v != "" {
		cfg.Registry.Namespace = v
	}
	if v := os.Getenv("FLOWPLANE_BALANCER_POLICY"); v != "" {
		cfg.Dispatch.Policy = v
	}
	if v := os.Getenv("FLOWPLANE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := envInt("FLOWPLANE_MAX_CONCURRENT_STEPS"); ok && v > 0 {
		cfg.Workflow.MaxConcurrentSteps = v
	}
	if v, ok := envInt("FLOWPLANE_MAX_CONCURRENT_WORKFLOWS"); ok && v > 0 {
		cfg.Supervisor.MaxConcurrentWorkflows = v
	}
	if v, ok := envInt("FLOWPLANE_GLOBAL_MAX_IN_FLIGHT"); ok && v > 0 {
		cfg.Dispatch.GlobalMaxInFlight = int64(v)
	}
	if v, ok := envInt("FLOWPLANE_CB_MIN_REQUESTS"); ok && v > 0 {
		cfg.Breaker.MinRequests = v
	}
	if v, ok := envInt("FLOWPLANE_CB_FAILURE_PERCENT"); ok && v >= 0 && v <= 100 {
		cfg.Breaker.FailureThresholdPercent = v
	}
	if v, ok := envDuration("FLOWPLANE_CALL_TIMEOUT"); ok {
		cfg.Dispatch.CallTimeout = v
	}
	if v, ok := envDuration("FLOWPLANE_PROBE_INTERVAL"); ok {
		cfg.Health.ProbeInterval = v
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
