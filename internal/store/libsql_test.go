package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/conductor/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name:    "traffic-ingest",
		Version: "1.0.0",
		Phases: []schema.Phase{
			{Name: "collect", Agents: []schema.AgentReference{{ID: "pull-loops", Uses: "http.fetch"}}},
			{Name: "publish", DependsOn: []string{"collect"}, Agents: []schema.AgentReference{{ID: "upsert", Uses: "entity.upsert"}}},
		},
	}
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	run := &Run{
		ID:            uuid.New().String(),
		WorkflowName:  "traffic-ingest",
		Definition:    testDefinition(),
		Status:        schema.RunStatusPending,
		TriggerSource: "manual",
		Inputs:        map[string]any{"city": "valencia"},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Run tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "traffic-ingest", got.WorkflowName)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Equal(t, "manual", got.TriggerSource)
	assert.Equal(t, "valencia", got.Inputs["city"])
	require.Len(t, got.Definition.Phases, 2)
	assert.Equal(t, "collect", got.Definition.Phases[0].Name)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	cerr, ok := err.(*schema.ConductorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}

func TestUpdateRun_StatusAndTimes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	started := time.Now().UTC().Truncate(time.Second)
	running := schema.RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running, StartedAt: &started}))

	completed := started.Add(time.Minute)
	succeeded := schema.RunStatusSucceeded
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:      &succeeded,
		Output:      json.RawMessage(`{"entities":42}`),
		CompletedAt: &completed,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, got.Status)
	assert.JSONEq(t, `{"entities":42}`, string(got.Output))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRun_NoFieldsIsNoop(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	require.NoError(t, s.UpdateRun(context.Background(), run.ID, RunUpdate{}))
}

func TestListRuns_FilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := seedRun(t, s)
	seedRun(t, s)

	failed := schema.RunStatusFailed
	require.NoError(t, s.UpdateRun(ctx, r1.ID, RunUpdate{Status: &failed}))

	runs, err := s.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r1.ID, runs[0].ID)

	all, err := s.ListRuns(ctx, RunFilter{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.DeleteRun(ctx, run.ID))
	_, err := s.GetRun(ctx, run.ID)
	require.Error(t, err)

	err = s.DeleteRun(ctx, run.ID)
	require.Error(t, err)
}

// --- Phase state tests ---

func TestUpsertAndGetPhaseState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	started := time.Now().UTC()
	ps := &PhaseState{
		RunID:     run.ID,
		Phase:     "collect",
		Status:    schema.PhaseStatusRunning,
		StartedAt: &started,
	}
	require.NoError(t, s.UpsertPhaseState(ctx, ps))

	ps.Status = schema.PhaseStatusSucceeded
	completed := started.Add(2 * time.Second)
	ps.CompletedAt = &completed
	ps.DurationMs = 2000
	require.NoError(t, s.UpsertPhaseState(ctx, ps))

	got, err := s.GetPhaseState(ctx, run.ID, "collect")
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseStatusSucceeded, got.Status)
	assert.Equal(t, int64(2000), got.DurationMs)
}

func TestListPhaseStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for _, phase := range []string{"collect", "publish"} {
		require.NoError(t, s.UpsertPhaseState(ctx, &PhaseState{
			RunID: run.ID, Phase: phase, Status: schema.PhaseStatusPending,
		}))
	}

	states, err := s.ListPhaseStates(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

// --- Agent state tests ---

func TestUpsertAndGetAgentState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	as := &AgentState{
		RunID:    run.ID,
		Phase:    "collect",
		AgentID:  "pull-loops",
		Status:   schema.AgentStatusRunning,
		Attempts: 1,
	}
	require.NoError(t, s.UpsertAgentState(ctx, as))

	as.Status = schema.AgentStatusFailed
	as.Error = json.RawMessage(`{"code":"EXECUTION_ERROR"}`)
	as.Attempts = 3
	require.NoError(t, s.UpsertAgentState(ctx, as))

	got, err := s.GetAgentState(ctx, run.ID, "collect", "pull-loops")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.JSONEq(t, `{"code":"EXECUTION_ERROR"}`, string(got.Error))
}

func TestGetAgentState_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgentState(context.Background(), "run", "phase", "agent")
	require.Error(t, err)
}

// --- Registered workflow tests ---

func TestStoreAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &StoredWorkflow{
		Name:       "traffic-ingest",
		Version:    "1.0.0",
		Definition: testDefinition(),
		SourcePath: "workflows/traffic-ingest.yaml",
	}
	require.NoError(t, s.StoreWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "traffic-ingest", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "workflows/traffic-ingest.yaml", got.SourcePath)
	require.Len(t, got.Definition.Phases, 2)

	// Empty version resolves the latest registered one.
	latest, err := s.GetWorkflow(ctx, "traffic-ingest", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", latest.Version)
}

func TestStoreWorkflow_UpsertSameVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &StoredWorkflow{Name: "w", Version: "1", Definition: testDefinition()}
	require.NoError(t, s.StoreWorkflow(ctx, wf))

	wf.Description = "updated"
	require.NoError(t, s.StoreWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "w", "1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	list, err := s.ListWorkflows(ctx, WorkflowFilter{Name: "w"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// --- Trigger tests ---

func TestTriggerLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trg := &Trigger{
		ID:             uuid.New().String(),
		WorkflowName:   "traffic-ingest",
		CronExpression: "*/5 * * * *",
		Inputs:         json.RawMessage(`{"city":"valencia"}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateTrigger(ctx, trg))

	got, err := s.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.CronExpression)
	assert.True(t, got.Enabled)

	now := time.Now().UTC()
	next := now.Add(5 * time.Minute)
	require.NoError(t, s.UpdateTrigger(ctx, trg.ID, TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: "succeeded",
	}))

	got, err = s.GetTrigger(ctx, trg.ID)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)

	disabled := false
	require.NoError(t, s.UpdateTrigger(ctx, trg.ID, TriggerUpdate{Enabled: &disabled}))

	enabled := true
	list, err := s.ListTriggers(ctx, TriggerFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteTrigger(ctx, trg.ID))
	_, err = s.GetTrigger(ctx, trg.ID)
	require.Error(t, err)
}

// --- Secret tests ---

func TestSecretLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "BROKER_TOKEN", []byte("ciphertext-1")))
	require.NoError(t, s.StoreSecret(ctx, "API_KEY", []byte("ciphertext-2")))

	val, err := s.GetSecret(ctx, "BROKER_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-1"), val)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "BROKER_TOKEN"}, keys)

	// Upsert overwrites in place.
	require.NoError(t, s.StoreSecret(ctx, "BROKER_TOKEN", []byte("ciphertext-3")))
	val, err = s.GetSecret(ctx, "BROKER_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-3"), val)

	require.NoError(t, s.DeleteSecret(ctx, "BROKER_TOKEN"))
	_, err = s.GetSecret(ctx, "BROKER_TOKEN")
	require.Error(t, err)

	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}

func TestDeleteSecretMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteSecret(context.Background(), "nope")
	require.Error(t, err)
}
