package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/conductor/internal/agents"
	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/orchestrator"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

type schedHarness struct {
	sched *Scheduler
	svc   *orchestrator.Service
	store store.Store
}

func newSchedHarness(t *testing.T) *schedHarness {
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

	svc := orchestrator.NewService(s, el, exec, nil)
	return &schedHarness{
		sched: NewScheduler(s, svc, 50*time.Millisecond, nil),
		svc:   svc,
		store: s,
	}
}

func (h *schedHarness) registerWorkflow(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.store.StoreWorkflow(context.Background(), &store.StoredWorkflow{
		Name:       def.Name,
		Version:    def.Version,
		Definition: *def,
	}))
}

func (h *schedHarness) seedTrigger(t *testing.T, workflow, cronExpr string, nextRunAt time.Time) *store.Trigger {
	t.Helper()
	trg := &store.Trigger{
		ID:             uuid.NewString(),
		WorkflowName:   workflow,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &nextRunAt,
	}
	require.NoError(t, h.store.CreateTrigger(context.Background(), trg))
	return trg
}

func echoWorkflow(name string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    name,
		Version: "1.0.0",
		Phases: []schema.Phase{
			{Name: "collect", Agents: []schema.AgentReference{{ID: "sensors", Uses: "echo"}}},
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

func TestScheduler_TickFiresDueTrigger(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	inputs, _ := json.Marshal(map[string]any{"city": "rotterdam"})
	due := time.Now().UTC().Add(-time.Second)
	trg := &store.Trigger{
		ID:             uuid.NewString(),
		WorkflowName:   "traffic-ingest",
		CronExpression: "*/5 * * * *",
		Inputs:         inputs,
		Enabled:        true,
		NextRunAt:      &due,
	}
	require.NoError(t, h.store.CreateTrigger(context.Background(), trg))

	h.sched.Tick(context.Background())

	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, orchestrator.TriggerSourceSchedule, runs[0].TriggerSource)
	assert.Equal(t, trg.ID, runs[0].TriggerID)
	assert.Equal(t, "rotterdam", runs[0].Inputs["city"])

	require.Eventually(t, func() bool {
		stored, gErr := h.store.GetTrigger(context.Background(), trg.ID)
		return gErr == nil && stored.LastRunStatus == string(schema.RunStatusSucceeded)
	}, 10*time.Second, 20*time.Millisecond)

	stored, err := h.store.GetTrigger(context.Background(), trg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()))

	// The firing is recorded on the run's event stream.
	events, err := h.store.GetEventsByType(context.Background(), schema.EventTriggerFired, store.EventFilter{RunID: runs[0].ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), trg.ID)
}

func TestScheduler_TickIgnoresFutureAndDisabled(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	h.seedTrigger(t, "traffic-ingest", "*/5 * * * *", time.Now().UTC().Add(time.Hour))
	disabled := h.seedTrigger(t, "traffic-ingest", "*/5 * * * *", time.Now().UTC().Add(-time.Minute))
	off := false
	require.NoError(t, h.store.UpdateTrigger(context.Background(), disabled.ID, store.TriggerUpdate{Enabled: &off}))

	h.sched.Tick(context.Background())

	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScheduler_OverlappingOccurrenceSkipped(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, slowWorkflow("air-quality", "1s"))

	// Occupy the workflow so the trigger hits the busy path.
	active, err := h.svc.Submit(context.Background(), orchestrator.SubmitRequest{WorkflowName: "air-quality"})
	require.NoError(t, err)

	trg := h.seedTrigger(t, "air-quality", "* * * * *", time.Now().UTC().Add(-time.Second))
	h.sched.Tick(context.Background())

	stored, err := h.store.GetTrigger(context.Background(), trg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, stored.LastRunStatus)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()))

	// Only the manual run exists; the occurrence was dropped, not queued.
	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowName: "air-quality"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, active.ID, runs[0].ID)

	// The dropped occurrence is recorded under the trigger's own ID.
	events, err := h.store.GetEventsByType(context.Background(), schema.EventTriggerSkipped, store.EventFilter{RunID: trg.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), "active run")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.svc.Wait(ctx, active.ID)
	require.NoError(t, err)
}

func TestScheduler_SkipMissedDropsStaleOccurrences(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	trg := h.seedTrigger(t, "traffic-ingest", "0 * * * *", time.Now().UTC().Add(-2*time.Hour))

	require.NoError(t, h.sched.SkipMissed(context.Background()))

	stored, err := h.store.GetTrigger(context.Background(), trg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, stored.LastRunStatus)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()))

	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	events, err := h.store.GetEventsByType(context.Background(), schema.EventTriggerSkipped, store.EventFilter{RunID: trg.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestScheduler_InitializesTriggerWithoutFiring(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	trg := &store.Trigger{
		ID:             uuid.NewString(),
		WorkflowName:   "traffic-ingest",
		CronExpression: "*/5 * * * *",
		Enabled:        true,
	}
	require.NoError(t, h.store.CreateTrigger(context.Background(), trg))

	h.sched.Tick(context.Background())

	stored, err := h.store.GetTrigger(context.Background(), trg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()))

	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowName: "traffic-ingest"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScheduler_RegisterTrigger(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	trg := &store.Trigger{WorkflowName: "traffic-ingest", CronExpression: "*/15 * * * *", Enabled: true}
	require.NoError(t, h.sched.RegisterTrigger(context.Background(), trg))
	assert.NotEmpty(t, trg.ID)
	require.NotNil(t, trg.NextRunAt)
	assert.True(t, trg.NextRunAt.After(time.Now().UTC()))

	stored, err := h.store.GetTrigger(context.Background(), trg.ID)
	require.NoError(t, err)
	assert.Equal(t, "traffic-ingest", stored.WorkflowName)
}

func TestScheduler_RegisterTriggerRejectsBadCron(t *testing.T) {
	h := newSchedHarness(t)

	err := h.sched.RegisterTrigger(context.Background(), &store.Trigger{
		WorkflowName:   "traffic-ingest",
		CronExpression: "not a cron",
	})
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestScheduler_RegisterTriggerRequiresWorkflow(t *testing.T) {
	h := newSchedHarness(t)

	err := h.sched.RegisterTrigger(context.Background(), &store.Trigger{CronExpression: "* * * * *"})
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestScheduler_SetEnabledReanchors(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))

	trg := h.seedTrigger(t, "traffic-ingest", "*/5 * * * *", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, h.sched.SetEnabled(context.Background(), trg.ID, false))
	require.NoError(t, h.sched.SetEnabled(context.Background(), trg.ID, true))

	stored, err := h.store.GetTrigger(context.Background(), trg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()))
}

func TestScheduler_NextAfter(t *testing.T) {
	h := newSchedHarness(t)

	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := h.sched.NextAfter("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)

	_, err = h.sched.NextAfter("99 * * * *", from)
	require.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newSchedHarness(t)
	h.registerWorkflow(t, echoWorkflow("traffic-ingest"))
	// Due but inside the skip-missed grace window, so the first tick fires it.
	h.seedTrigger(t, "traffic-ingest", "* * * * *", time.Now().UTC().Add(-10*time.Millisecond))

	require.NoError(t, h.sched.Start(context.Background()))
	assert.Error(t, h.sched.Start(context.Background()))

	require.Eventually(t, func() bool {
		runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowName: "traffic-ingest"})
		return err == nil && len(runs) == 1
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, h.sched.Stop())
	require.NoError(t, h.sched.Stop())
}
