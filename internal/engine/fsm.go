package engine

import (
	"context"
	"sync"

	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition.
// It emits the corresponding event via the appender.
// The caller (Executor) is responsible for persisting the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := runEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Agent FSM ---

type agentHookKey struct {
	from, to schema.AgentStatus
}

// AgentFSM manages agent invocation lifecycle state transitions.
type AgentFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[agentHookKey][]TransitionHook
	after    map[agentHookKey][]TransitionHook
}

// NewAgentFSM creates a new AgentFSM that emits events via the given appender.
func NewAgentFSM(appender EventAppender) *AgentFSM {
	return &AgentFSM{
		appender: appender,
		before:   make(map[agentHookKey][]TransitionHook),
		after:    make(map[agentHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an agent transition.
func (f *AgentFSM) OnBefore(from, to schema.AgentStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := agentHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an agent transition.
func (f *AgentFSM) OnAfter(from, to schema.AgentStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := agentHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an agent state transition.
// It emits the corresponding event via the appender.
func (f *AgentFSM) Transition(ctx context.Context, runID, phase, agentID string, from, to schema.AgentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidAgentTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid agent transition: %s -> %s", from, to).
			WithPhase(phase).WithAgent(agentID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := agentHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := agentEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:   runID,
			Phase:   phase,
			AgentID: agentID,
			Type:    eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit agent event: %s", err.Error()).
				WithPhase(phase).WithAgent(agentID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidAgentTransition(from, to schema.AgentStatus) bool {
	allowed, ok := ValidAgentTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func agentEventType(to schema.AgentStatus) string {
	switch to {
	case schema.AgentStatusRunning:
		return schema.EventAgentStarted
	case schema.AgentStatusSucceeded:
		return schema.EventAgentSucceeded
	case schema.AgentStatusFailed:
		return schema.EventAgentFailed
	case schema.AgentStatusSkipped:
		return schema.EventAgentSkipped
	case schema.AgentStatusRetrying:
		return schema.EventAgentRetrying
	default:
		return ""
	}
}

// --- Cancel cascade ---

// CancelRun transitions a run to cancelled and skips all non-terminal agents.
// agentStates is keyed by phase + "/" + agent_id.
func CancelRun(ctx context.Context, runFSM *RunFSM, agentFSM *AgentFSM, runID string, currentStatus schema.RunStatus, agentStates map[string]schema.AgentStatus) error {
	if err := runFSM.Transition(ctx, runID, currentStatus, schema.RunStatusCancelled); err != nil {
		return err
	}

	for key, status := range agentStates {
		if schema.IsTerminalAgent(status) {
			continue
		}
		if !isValidAgentTransition(status, schema.AgentStatusSkipped) {
			continue
		}
		phase, agentID := splitAgentKey(key)
		if err := agentFSM.Transition(ctx, runID, phase, agentID, status, schema.AgentStatusSkipped); err != nil {
			return err
		}
	}
	return nil
}

func splitAgentKey(key string) (phase, agentID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidPhaseTransitions defines the allowed state transitions for phases.
var ValidPhaseTransitions = map[schema.PhaseStatus][]schema.PhaseStatus{
	schema.PhaseStatusPending:   {schema.PhaseStatusRunning, schema.PhaseStatusSkipped},
	schema.PhaseStatusRunning:   {schema.PhaseStatusSucceeded, schema.PhaseStatusFailed, schema.PhaseStatusSkipped},
	schema.PhaseStatusSucceeded: {},
	schema.PhaseStatusFailed:    {},
	schema.PhaseStatusSkipped:   {},
}

// IsValidPhaseTransition reports whether a phase may move from one status to another.
func IsValidPhaseTransition(from, to schema.PhaseStatus) bool {
	allowed, ok := ValidPhaseTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// ValidAgentTransitions defines the allowed state transitions for agent invocations.
var ValidAgentTransitions = map[schema.AgentStatus][]schema.AgentStatus{
	schema.AgentStatusPending:   {schema.AgentStatusScheduled, schema.AgentStatusSkipped},
	schema.AgentStatusScheduled: {schema.AgentStatusRunning, schema.AgentStatusSkipped},
	schema.AgentStatusRunning:   {schema.AgentStatusSucceeded, schema.AgentStatusFailed, schema.AgentStatusRetrying, schema.AgentStatusSkipped},
	schema.AgentStatusRetrying:  {schema.AgentStatusRunning, schema.AgentStatusFailed, schema.AgentStatusSkipped},
	schema.AgentStatusSucceeded: {},
	schema.AgentStatusFailed:    {},
	schema.AgentStatusSkipped:   {},
}
