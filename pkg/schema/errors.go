package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodePhaseFailed       = "PHASE_FAILED"
	ErrCodeAgentFailed       = "AGENT_FAILED"
	ErrCodeAgentUnavailable  = "AGENT_UNAVAILABLE"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// ConductorError is the structured error type for all orchestrator operations.
type ConductorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductorError) Error() string {
	switch {
	case e.Phase != "" && e.AgentID != "":
		return fmt.Sprintf("[%s] phase %s agent %s: %s", e.Code, e.Phase, e.AgentID, e.Message)
	case e.Phase != "":
		return fmt.Sprintf("[%s] phase %s: %s", e.Code, e.Phase, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPhase attaches a phase name to the error.
func (e *ConductorError) WithPhase(phase string) *ConductorError {
	e.Phase = phase
	return e
}

// WithAgent attaches an agent reference ID to the error.
func (e *ConductorError) WithAgent(agentID string) *ConductorError {
	e.AgentID = agentID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error class is worth retrying.
// Configuration and state errors are permanent; execution and infrastructure
// errors may succeed on a later attempt.
func (e *ConductorError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidTransition,
		ErrCodeCycleDetected, ErrCodeCancelled, ErrCodeNonRetryable, ErrCodeCircuitOpen,
		ErrCodeAgentUnavailable, ErrCodeVault:
		return false
	default:
		return true
	}
}
