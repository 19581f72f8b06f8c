package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/conductor/internal/agents"
	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

type svcHarness struct {
	svc   *Service
	store store.Store
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	reg := agents.NewRegistry()
	require.NoError(t, agents.RegisterBuiltins(reg))

	el := store.NewEventLog(s)
	exec, err := engine.NewExecutor(s, el, reg, engine.ExecutorConfig{PoolSize: 4})
	require.NoError(t, err)

	return &svcHarness{svc: NewService(s, el, exec, nil), store: s}
}

func (h *svcHarness) registerWorkflow(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.store.StoreWorkflow(context.Background(), &store.StoredWorkflow{
		Name:       def.Name,
		Version:    def.Version,
		Definition: *def,
	}))
}

func echoWorkflow(name string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    name,
		Version: "1.0.0",
		Phases: []schema.Phase{
			{Name: "collect", Agents: []schema.AgentReference{{ID: "sensors", Uses: "echo"}}},
			{Name: "publish", DependsOn: []string{"collect"}, Agents: []schema.AgentReference{{ID: "upsert", Uses: "echo"}}},
		},
	}
}

func slowWorkflow(name, duration string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    name,
		Version: "1.0.0",
		Phases: []schema.Phase{
			{Name: "wait", Agents: []schema.AgentReference{{
				ID: "pause", Uses: "delay", Config: map[string]any{"duration": duration},
			}}},
		},
	}
}

func TestService_SubmitAndWait(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	run, err := h.svc.Submit(context.Background(), SubmitRequest{
		WorkflowName: "traffic-ingest",
		Inputs:       map[string]any{"city": "rotterdam"},
	})
	require.NoError(t, err)
	assert.Equal(t, "traffic-ingest", run.WorkflowName)
	assert.Equal(t, "1.0.0", run.WorkflowVersion)
	assert.Equal(t, TriggerSourceManual, run.TriggerSource)
	assert.Equal(t, "rotterdam", run.Inputs["city"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, final.Status)
	require.NotNil(t, final.CompletedAt)
}

func TestService_SubmitUnknownWorkflow(t *testing.T) {
	h := newSvcHarness(t)

	_, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "ghost"})
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}

func TestService_SubmitRequiresName(t *testing.T) {
	h := newSvcHarness(t)

	_, err := h.svc.Submit(context.Background(), SubmitRequest{})
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestService_RejectsConcurrentRunForSameWorkflow(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, slowWorkflow("air-quality", "500ms"))

	first, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "air-quality"})
	require.NoError(t, err)

	_, err = h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "air-quality"})
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeConflict, cerr.Code)
	assert.Equal(t, first.ID, cerr.Details["active_run_id"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.svc.Wait(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, final.Status)

	// The slot frees up once the run is terminal.
	second, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "air-quality"})
	require.NoError(t, err)
	_, err = h.svc.Wait(ctx, second.ID)
	require.NoError(t, err)
}

func TestService_DifferentWorkflowsRunConcurrently(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, slowWorkflow("air-quality", "300ms"))
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	_, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "air-quality"})
	require.NoError(t, err)

	run, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, final.Status)
}

func TestService_RejectsWhenStoreHasActiveRun(t *testing.T) {
	h := newSvcHarness(t)
	def := echoWorkflow("traffic-ingest")
	h.registerWorkflow(t, def)

	// An active run left behind by a previous process still holds the slot.
	stale := &store.Run{
		ID:           uuid.NewString(),
		WorkflowName: def.Name,
		Definition:   *def,
		Status:       schema.RunStatusPending,
	}
	require.NoError(t, h.store.CreateRun(context.Background(), stale))
	running := schema.RunStatusRunning
	require.NoError(t, h.store.UpdateRun(context.Background(), stale.ID, store.RunUpdate{Status: &running}))

	_, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "traffic-ingest"})
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeConflict, cerr.Code)
	assert.Equal(t, stale.ID, cerr.Details["active_run_id"])
}

func TestService_MergesDefinitionInputDefaults(t *testing.T) {
	h := newSvcHarness(t)
	def := echoWorkflow("traffic-ingest")
	def.Inputs = map[string]any{"city": "utrecht", "window": "5m"}
	h.registerWorkflow(t, def)

	run, err := h.svc.Submit(context.Background(), SubmitRequest{
		WorkflowName: "traffic-ingest",
		Inputs:       map[string]any{"city": "rotterdam"},
	})
	require.NoError(t, err)
	assert.Equal(t, "rotterdam", run.Inputs["city"])
	assert.Equal(t, "5m", run.Inputs["window"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)
}

func TestService_ScheduleSourceRecorded(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	run, err := h.svc.Submit(context.Background(), SubmitRequest{
		WorkflowName: "traffic-ingest",
		Source:       TriggerSourceSchedule,
		TriggerID:    "trg-42",
	})
	require.NoError(t, err)
	assert.Equal(t, TriggerSourceSchedule, run.TriggerSource)
	assert.Equal(t, "trg-42", run.TriggerID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)
}

func TestService_CancelRun(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, slowWorkflow("air-quality", "10s"))

	run, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "air-quality"})
	require.NoError(t, err)

	// Let the executor pick the run up before cancelling.
	require.Eventually(t, func() bool {
		r, gErr := h.store.GetRun(context.Background(), run.ID)
		return gErr == nil && r.Status == schema.RunStatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.svc.Cancel(context.Background(), run.ID, "operator request"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, final.Status)
}

func TestService_StatusAndReplay(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	run, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)

	snap, err := h.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, snap.Status)
	assert.Len(t, snap.Phases, 2)
	assert.NotEmpty(t, snap.Events)

	replay, err := h.svc.Replay(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseStatusSucceeded, replay.Phases["collect"].Status)
	assert.Equal(t, schema.AgentStatusSucceeded, replay.Agents["collect/sensors"].Status)
}

func TestService_ListRuns(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		run, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "traffic-ingest"})
		require.NoError(t, err)
		_, err = h.svc.Wait(ctx, run.ID)
		require.NoError(t, err)
	}

	runs, err := h.svc.ListRuns(context.Background(), store.RunFilter{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestService_ShutdownWaitsAndRejects(t *testing.T) {
	h := newSvcHarness(t)
	h.registerWorkflow(t, slowWorkflow("air-quality", "200ms"))

	run, err := h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "air-quality"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	final, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, final.Status)

	_, err = h.svc.Submit(context.Background(), SubmitRequest{WorkflowName: "air-quality"})
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeConflict, cerr.Code)
}
