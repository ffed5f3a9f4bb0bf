package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These map one-to-one onto the error taxonomy every component reports in.
var (
	// Validation covers malformed input, unknown templates, dependency
	// cycles and bad parameter references. Never retried.
	ErrValidation      = errors.New("validation failed")
	ErrUnknownTemplate = errors.New("unknown template")

	// Dispatch admission errors.
	ErrNoTarget    = errors.New("no server advertises the requested capability")
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrOverloaded  = errors.New("in-flight capacity exhausted")

	// Call outcome errors.
	ErrTransient          = errors.New("transient failure")
	ErrPermanent          = errors.New("permanent failure")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Lifecycle errors.
	ErrCancelled        = errors.New("workflow cancelled")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrServerNotFound   = errors.New("server not found")
	ErrInternal         = errors.New("internal error")
)

// OpError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OpError struct {
	Op      string // Operation that failed (e.g. "registry.Register")
	Kind    string // Error kind (e.g. "validation", "dispatch")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *OpError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError.
func NewOpError(op, kind string, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// IsValidation checks whether an error is caller input error. Validation
// errors surface at submission and are never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnknownTemplate)
}

// IsTransient checks whether an error may succeed on retry (connection
// refused, 5xx, response timeout).
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent checks whether an error is a non-retryable call failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsAdmission checks whether an error was produced before any HTTP attempt
// (empty target pool, open circuits, capacity exhausted).
func IsAdmission(err error) bool {
	return errors.Is(err, ErrNoTarget) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrOverloaded)
}

// IsCancelled checks whether an error reflects cancellation or deadline
// expiry rather than a fault.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ErrorKind maps an error onto its taxonomy bucket for logging and API
// responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case errors.Is(err, ErrNoTarget):
		return "no_target"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case IsTransient(err):
		return "transient"
	case IsPermanent(err):
		return "permanent"
	case IsCancelled(err):
		return "cancelled"
	default:
		return "internal"
	}
}
