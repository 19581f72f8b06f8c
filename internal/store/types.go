package store

import (
	"encoding/json"
	"time"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// Run is the persisted representation of a workflow run.
type Run struct {
	ID              string                    `json:"id"`
	WorkflowName    string                    `json:"workflow_name"`
	WorkflowVersion string                    `json:"workflow_version,omitempty"`
	Definition      schema.WorkflowDefinition `json:"definition"`
	Status          schema.RunStatus          `json:"status"`
	TriggerSource   string                    `json:"trigger_source"` // manual, schedule
	TriggerID       string                    `json:"trigger_id,omitempty"`
	Inputs          map[string]any            `json:"inputs,omitempty"`
	Output          json.RawMessage           `json:"output,omitempty"`
	Error           json.RawMessage           `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Phase     string          `json:"phase,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// PhaseState is the materialized view of a phase's current execution state.
type PhaseState struct {
	RunID       string             `json:"run_id"`
	Phase       string             `json:"phase"`
	Status      schema.PhaseStatus `json:"status"`
	Error       json.RawMessage    `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
}

// AgentState is the materialized view of a single agent invocation within a phase.
type AgentState struct {
	RunID       string             `json:"run_id"`
	Phase       string             `json:"phase"`
	AgentID     string             `json:"agent_id"`
	Status      schema.AgentStatus `json:"status"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
	Attempts    int                `json:"attempts"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
}

// StoredWorkflow is a registered workflow definition.
type StoredWorkflow struct {
	Name        string                    `json:"name"`
	Version     string                    `json:"version"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	SourcePath  string                    `json:"source_path,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Trigger is a cron-scheduled workflow launch.
type Trigger struct {
	ID             string          `json:"id"`
	WorkflowName   string          `json:"workflow_name"`
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	Phase     string     `json:"phase,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// WorkflowFilter specifies criteria for listing registered workflows.
type WorkflowFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a trigger.
type TriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
