package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Phase state (materialized view)
	UpsertPhaseState(ctx context.Context, state *PhaseState) error
	GetPhaseState(ctx context.Context, runID, phase string) (*PhaseState, error)
	ListPhaseStates(ctx context.Context, runID string) ([]*PhaseState, error)

	// Agent state (materialized view)
	UpsertAgentState(ctx context.Context, state *AgentState) error
	GetAgentState(ctx context.Context, runID, phase, agentID string) (*AgentState, error)
	ListAgentStates(ctx context.Context, runID string) ([]*AgentState, error)

	// Registered workflows
	StoreWorkflow(ctx context.Context, wf *StoredWorkflow) error
	GetWorkflow(ctx context.Context, name, version string) (*StoredWorkflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*StoredWorkflow, error)
	DeleteWorkflow(ctx context.Context, name string) error

	// Triggers
	CreateTrigger(ctx context.Context, trg *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Secrets (values are stored encrypted by internal/secrets)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
