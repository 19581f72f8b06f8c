package store

import (
	"context"
	"fmt"
	"time"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Acquire the write lock before reading the max sequence. In WAL mode a
	// deferred transaction would let two appends read the same sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, phase, agent_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Phase), nullStr(event.AgentID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayState holds the phase and agent states reconstructed from the event log.
type ReplayState struct {
	Phases map[string]*PhaseState
	Agents map[string]*AgentState // keyed by phase + "/" + agent_id
}

// ReplayEvents replays the full event log for a run and returns the
// reconstructed phase and agent states. Returns an error if sequence gaps
// are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (*ReplayState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	state := &ReplayState{
		Phases: make(map[string]*PhaseState),
		Agents: make(map[string]*AgentState),
	}
	if len(events) == 0 {
		return state, nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.Phase == "" {
			continue
		}
		if e.AgentID == "" {
			el.applyPhaseEvent(state, runID, e)
		} else {
			el.applyAgentEvent(state, runID, e)
		}
	}

	return state, nil
}

func (el *EventLog) applyPhaseEvent(state *ReplayState, runID string, e *Event) {
	ps, ok := state.Phases[e.Phase]
	if !ok {
		ps = &PhaseState{
			RunID:  runID,
			Phase:  e.Phase,
			Status: schema.PhaseStatusPending,
		}
		state.Phases[e.Phase] = ps
	}

	switch e.Type {
	case schema.EventPhaseStarted:
		ps.Status = schema.PhaseStatusRunning
		ts := e.Timestamp
		ps.StartedAt = &ts

	case schema.EventPhaseSucceeded:
		ps.Status = schema.PhaseStatusSucceeded
		ts := e.Timestamp
		ps.CompletedAt = &ts
		if ps.StartedAt != nil {
			ps.DurationMs = ts.Sub(*ps.StartedAt).Milliseconds()
		}

	case schema.EventPhaseFailed:
		ps.Status = schema.PhaseStatusFailed
		ps.Error = e.Payload
		ts := e.Timestamp
		ps.CompletedAt = &ts

	case schema.EventPhaseSkipped:
		ps.Status = schema.PhaseStatusSkipped
	}
}

func (el *EventLog) applyAgentEvent(state *ReplayState, runID string, e *Event) {
	key := e.Phase + "/" + e.AgentID
	as, ok := state.Agents[key]
	if !ok {
		as = &AgentState{
			RunID:   runID,
			Phase:   e.Phase,
			AgentID: e.AgentID,
			Status:  schema.AgentStatusPending,
		}
		state.Agents[key] = as
	}

	switch e.Type {
	case schema.EventAgentStarted:
		as.Status = schema.AgentStatusRunning
		as.Attempts++
		ts := e.Timestamp
		as.StartedAt = &ts

	case schema.EventAgentSucceeded:
		as.Status = schema.AgentStatusSucceeded
		ts := e.Timestamp
		as.CompletedAt = &ts
		as.Output = e.Payload
		if as.StartedAt != nil {
			as.DurationMs = ts.Sub(*as.StartedAt).Milliseconds()
		}

	case schema.EventAgentFailed:
		as.Status = schema.AgentStatusFailed
		as.Error = e.Payload
		ts := e.Timestamp
		as.CompletedAt = &ts

	case schema.EventAgentSkipped:
		as.Status = schema.AgentStatusSkipped

	case schema.EventAgentRetrying:
		as.Status = schema.AgentStatusRetrying
	}
}
