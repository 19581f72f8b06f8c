package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/urbanpulse/conductor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/conductor.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, workflow_version, definition, status, trigger_source, trigger_id, inputs, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, nullStr(run.WorkflowVersion),
		string(def), string(run.Status), run.TriggerSource, nullStr(run.TriggerID),
		string(inputs), nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, workflow_version, definition, status, trigger_source, trigger_id, inputs, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, workflow_name, workflow_version, definition, status, trigger_source, trigger_id, inputs, output, error, created_at, started_at, completed_at, updated_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		version, triggerID     sql.NullString
		defJSON, inputsJSON    string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	if err := scan(&run.ID, &run.WorkflowName, &version, &defJSON, &status, &run.TriggerSource, &triggerID,
		&inputsJSON, &outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.WorkflowVersion = version.String
	run.TriggerID = triggerID.String
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &run.Inputs)
	}
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, phase, agent_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Phase), nullStr(event.AgentID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, phase, agent_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, filter.Phase)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, phase, agent_id, event_type, payload, timestamp, sequence FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var phase, agentID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &phase, &agentID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Phase = phase.String
		e.AgentID = agentID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Phase state ---

func (s *LibSQLStore) UpsertPhaseState(ctx context.Context, state *PhaseState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phase_state (run_id, phase, status, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, phase) DO UPDATE SET
		   status=excluded.status, error=excluded.error,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.RunID, state.Phase, string(state.Status),
		nullRaw(state.Error), nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetPhaseState(ctx context.Context, runID, phase string) (*PhaseState, error) {
	ps := &PhaseState{}
	var status string
	var errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, phase, status, error, started_at, completed_at, duration_ms
		 FROM phase_state WHERE run_id = ? AND phase = ?`, runID, phase,
	).Scan(&ps.RunID, &ps.Phase, &status, &errJSON, &startedAt, &completedAt, &ps.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("phase_state", runID+"/"+phase)
	}
	if err != nil {
		return nil, err
	}
	ps.Status = schema.PhaseStatus(status)
	ps.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ps.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ps.CompletedAt = &completedAt.Time
	}
	return ps, nil
}

func (s *LibSQLStore) ListPhaseStates(ctx context.Context, runID string) ([]*PhaseState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phase, status, error, started_at, completed_at, duration_ms
		 FROM phase_state WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*PhaseState
	for rows.Next() {
		ps := &PhaseState{}
		var status string
		var errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ps.RunID, &ps.Phase, &status, &errJSON, &startedAt, &completedAt, &ps.DurationMs); err != nil {
			return nil, err
		}
		ps.Status = schema.PhaseStatus(status)
		ps.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ps.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ps.CompletedAt = &completedAt.Time
		}
		states = append(states, ps)
	}
	return states, rows.Err()
}

// --- Agent state ---

func (s *LibSQLStore) UpsertAgentState(ctx context.Context, state *AgentState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (run_id, phase, agent_id, status, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, phase, agent_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.RunID, state.Phase, state.AgentID, string(state.Status),
		nullRaw(state.Output), nullRaw(state.Error),
		state.Attempts, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetAgentState(ctx context.Context, runID, phase, agentID string) (*AgentState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, phase, agent_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM agent_state WHERE run_id = ? AND phase = ? AND agent_id = ?`, runID, phase, agentID)
	as, err := scanAgentState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent_state", runID+"/"+phase+"/"+agentID)
	}
	return as, err
}

func (s *LibSQLStore) ListAgentStates(ctx context.Context, runID string) ([]*AgentState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phase, agent_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM agent_state WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*AgentState
	for rows.Next() {
		as, err := scanAgentState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, as)
	}
	return states, rows.Err()
}

func scanAgentState(scan func(dest ...any) error) (*AgentState, error) {
	as := &AgentState{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := scan(&as.RunID, &as.Phase, &as.AgentID, &status, &output, &errJSON,
		&as.Attempts, &startedAt, &completedAt, &as.DurationMs); err != nil {
		return nil, err
	}
	as.Status = schema.AgentStatus(status)
	as.Output = rawOrNil(output)
	as.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		as.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		as.CompletedAt = &completedAt.Time
	}
	return as, nil
}

// --- Registered workflows ---

func (s *LibSQLStore) StoreWorkflow(ctx context.Context, wf *StoredWorkflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal workflow definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (name, version, description, definition, source_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   description=excluded.description, definition=excluded.definition,
		   source_path=excluded.source_path, updated_at=CURRENT_TIMESTAMP`,
		wf.Name, wf.Version, nullStr(wf.Description), string(def),
		nullStr(wf.SourcePath), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, name, version string) (*StoredWorkflow, error) {
	var row *sql.Row
	if version == "" {
		// Latest registered version wins.
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, description, definition, source_path, created_at, updated_at
			 FROM workflows WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, description, definition, source_path, created_at, updated_at
			 FROM workflows WHERE name = ? AND version = ?`, name, version)
	}

	wf := &StoredWorkflow{}
	var desc, sourcePath sql.NullString
	var defJSON string
	err := row.Scan(&wf.Name, &wf.Version, &desc, &defJSON, &sourcePath, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", name+":"+version)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.SourcePath = sourcePath.String
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*StoredWorkflow, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT name, version, description, definition, source_path, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*StoredWorkflow
	for rows.Next() {
		wf := &StoredWorkflow{}
		var desc, sourcePath sql.NullString
		var defJSON string
		if err := rows.Scan(&wf.Name, &wf.Version, &desc, &defJSON, &sourcePath, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		wf.SourcePath = sourcePath.String
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", name)
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, trg *Trigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_name, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trg.ID, trg.WorkflowName, trg.CronExpression, nullRaw(trg.Inputs),
		trg.Enabled, nullTime(trg.LastRunAt), nullTime(trg.NextRunAt),
		nullStr(trg.LastRunStatus), timeOrNow(trg.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM triggers WHERE id = ?`, id)
	trg, err := scanTrigger(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger", id)
	}
	return trg, err
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}

	query := `SELECT id, workflow_name, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		trg, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trg)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func scanTrigger(scan func(dest ...any) error) (*Trigger, error) {
	trg := &Trigger{}
	var inputs, lastStatus sql.NullString
	var lastRunAt, nextRunAt sql.NullTime
	if err := scan(&trg.ID, &trg.WorkflowName, &trg.CronExpression, &inputs, &trg.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &trg.CreatedAt); err != nil {
		return nil, err
	}
	trg.Inputs = rawOrNil(inputs)
	trg.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		trg.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		trg.NextRunAt = &nextRunAt.Time
	}
	return trg, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
