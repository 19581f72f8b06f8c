package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunTimedOut  = "run_timed_out"

	EventPhaseStarted   = "phase_started"
	EventPhaseSucceeded = "phase_succeeded"
	EventPhaseFailed    = "phase_failed"
	EventPhaseSkipped   = "phase_skipped"

	EventAgentStarted      = "agent_started"
	EventAgentSucceeded    = "agent_succeeded"
	EventAgentFailed       = "agent_failed"
	EventAgentSkipped      = "agent_skipped"
	EventAgentRetrying     = "agent_retrying"
	EventAgentRetryAttempt = "agent_retry_attempt"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventTriggerFired   = "trigger_fired"
	EventTriggerSkipped = "trigger_skipped"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// PhaseStatus represents the lifecycle state of a phase within a run.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusSucceeded PhaseStatus = "succeeded"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// AgentStatus represents the lifecycle state of an agent invocation.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusScheduled AgentStatus = "scheduled"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusRetrying  AgentStatus = "retrying"
	AgentStatusSucceeded AgentStatus = "succeeded"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusSkipped   AgentStatus = "skipped"
)

// IsTerminalRun reports whether the run status is final.
func IsTerminalRun(s RunStatus) bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsTerminalPhase reports whether the phase status is final.
func IsTerminalPhase(s PhaseStatus) bool {
	return s == PhaseStatusSucceeded || s == PhaseStatusFailed || s == PhaseStatusSkipped
}

// IsTerminalAgent reports whether the agent status is final.
func IsTerminalAgent(s AgentStatus) bool {
	return s == AgentStatusSucceeded || s == AgentStatusFailed || s == AgentStatusSkipped
}
