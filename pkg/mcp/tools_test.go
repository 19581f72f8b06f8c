package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/conductor/internal/definition"
	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/orchestrator"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// --- Mock run service ---

type mockService struct {
	submitted []orchestrator.SubmitRequest
	submitRun *store.Run
	submitErr error

	waitRun *store.Run
	waitErr error

	statusSnap *engine.RunSnapshot
	statusErr  error

	cancelled []string
	cancelErr error
}

func (m *mockService) Submit(_ context.Context, req orchestrator.SubmitRequest) (*store.Run, error) {
	m.submitted = append(m.submitted, req)
	return m.submitRun, m.submitErr
}

func (m *mockService) Wait(_ context.Context, _ string) (*store.Run, error) {
	return m.waitRun, m.waitErr
}

func (m *mockService) Status(_ context.Context, _ string) (*engine.RunSnapshot, error) {
	return m.statusSnap, m.statusErr
}

func (m *mockService) Cancel(_ context.Context, runID, _ string) error {
	m.cancelled = append(m.cancelled, runID)
	return m.cancelErr
}

// --- Mock trigger service ---

type mockTriggers struct {
	registered []*store.Trigger
	enabled    map[string]bool
	removed    []string
	listResult []*store.Trigger
	err        error
}

func newMockTriggers() *mockTriggers {
	return &mockTriggers{enabled: make(map[string]bool)}
}

func (m *mockTriggers) RegisterTrigger(_ context.Context, trg *store.Trigger) error {
	if m.err != nil {
		return m.err
	}
	trg.ID = "trg-1"
	now := time.Now().UTC().Add(time.Minute)
	trg.NextRunAt = &now
	m.registered = append(m.registered, trg)
	return nil
}

func (m *mockTriggers) SetEnabled(_ context.Context, triggerID string, enabled bool) error {
	if m.err != nil {
		return m.err
	}
	m.enabled[triggerID] = enabled
	return nil
}

func (m *mockTriggers) RemoveTrigger(_ context.Context, triggerID string) error {
	if m.err != nil {
		return m.err
	}
	m.removed = append(m.removed, triggerID)
	return nil
}

func (m *mockTriggers) ListTriggers(_ context.Context, _ store.TriggerFilter) ([]*store.Trigger, error) {
	return m.listResult, m.err
}

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	runs      []*store.Run
	workflows []*store.StoredWorkflow
	events    []*store.Event
	stored    []*store.StoredWorkflow
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.StoredWorkflow, error) {
	result := make([]*store.StoredWorkflow, 0)
	for _, wf := range m.workflows {
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		result = append(result, wf)
	}
	return result, nil
}

func (m *mockStore) StoreWorkflow(_ context.Context, wf *store.StoredWorkflow) error {
	m.stored = append(m.stored, wf)
	m.workflows = append(m.workflows, wf)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, _ int64) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if runID != "" && e.RunID != runID {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// --- Helpers ---

func newTestServer(t *testing.T, svc RunService, ms store.Store, trg TriggerService) *ConductorServer {
	t.Helper()
	loader, err := definition.NewLoader(nil, nil)
	require.NoError(t, err)
	return NewConductorServer(ConductorServerDeps{
		Service:  svc,
		Store:    ms,
		Triggers: trg,
		Loader:   loader,
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	svc := &mockService{
		submitRun: &store.Run{
			ID:              "run-123",
			WorkflowName:    "traffic-ingest",
			WorkflowVersion: "1.0.0",
			Status:          schema.RunStatusPending,
		},
	}
	s := newTestServer(t, svc, &mockStore{}, newMockTriggers())

	req := buildRequest("conductor.run", map[string]any{
		"workflow_name": "traffic-ingest",
		"inputs":        map[string]any{"city": "rotterdam"},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "traffic-ingest", svc.submitted[0].WorkflowName)
	assert.Equal(t, "rotterdam", svc.submitted[0].Inputs["city"])

	out := resultText(t, result)
	assert.Equal(t, "run-123", out["run_id"])
	assert.Equal(t, string(schema.RunStatusPending), out["status"])
}

func TestRunToolWait(t *testing.T) {
	svc := &mockService{
		submitRun: &store.Run{ID: "run-123", WorkflowName: "traffic-ingest", Status: schema.RunStatusPending},
		waitRun:   &store.Run{ID: "run-123", WorkflowName: "traffic-ingest", Status: schema.RunStatusSucceeded},
	}
	s := newTestServer(t, svc, &mockStore{}, newMockTriggers())

	req := buildRequest("conductor.run", map[string]any{
		"workflow_name": "traffic-ingest",
		"wait":          true,
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Equal(t, string(schema.RunStatusSucceeded), out["status"])
}

func TestRunToolMissingName(t *testing.T) {
	s := newTestServer(t, &mockService{}, &mockStore{}, newMockTriggers())

	result, err := s.handleRun(context.Background(), buildRequest("conductor.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolSubmitError(t *testing.T) {
	svc := &mockService{submitErr: schema.NewError(schema.ErrCodeConflict, "workflow busy")}
	s := newTestServer(t, svc, &mockStore{}, newMockTriggers())

	req := buildRequest("conductor.run", map[string]any{"workflow_name": "traffic-ingest"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	svc := &mockService{
		statusSnap: &engine.RunSnapshot{RunID: "run-123", Status: schema.RunStatusRunning},
	}
	s := newTestServer(t, svc, &mockStore{}, newMockTriggers())

	result, err := s.handleStatus(context.Background(), buildRequest("conductor.status", map[string]any{"run_id": "run-123"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Equal(t, "run-123", out["run_id"])
	assert.Equal(t, string(schema.RunStatusRunning), out["status"])
}

func TestStatusToolMissingRunID(t *testing.T) {
	s := newTestServer(t, &mockService{}, &mockStore{}, newMockTriggers())

	result, err := s.handleStatus(context.Background(), buildRequest("conductor.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	svc := &mockService{}
	s := newTestServer(t, svc, &mockStore{}, newMockTriggers())

	req := buildRequest("conductor.cancel", map[string]any{"run_id": "run-123", "reason": "stale data"})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"run-123"}, svc.cancelled)
}

func TestCancelToolError(t *testing.T) {
	svc := &mockService{cancelErr: schema.NewError(schema.ErrCodeConflict, "already finished")}
	s := newTestServer(t, svc, &mockStore{}, newMockTriggers())

	result, err := s.handleCancel(context.Background(), buildRequest("conductor.cancel", map[string]any{"run_id": "run-123"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineTool(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, &mockService{}, ms, newMockTriggers())

	req := buildRequest("conductor.define", map[string]any{
		"definition": map[string]any{
			"name":    "air-quality",
			"version": "2.0.0",
			"phases": []any{
				map[string]any{
					"name": "collect",
					"agents": []any{
						map[string]any{"id": "stations", "uses": "http.fetch"},
					},
				},
			},
		},
		"description": "hourly air quality snapshot",
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.stored, 1)
	assert.Equal(t, "air-quality", ms.stored[0].Name)
	assert.Equal(t, "2.0.0", ms.stored[0].Version)
	assert.Equal(t, "hourly air quality snapshot", ms.stored[0].Description)

	out := resultText(t, result)
	assert.Equal(t, "air-quality", out["name"])
	assert.Equal(t, float64(1), out["phases"])
}

func TestDefineToolInvalidDefinition(t *testing.T) {
	s := newTestServer(t, &mockService{}, &mockStore{}, newMockTriggers())

	// No phases.
	req := buildRequest("conductor.define", map[string]any{
		"definition": map[string]any{"name": "empty"},
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing definition entirely.
	result, err = s.handleDefine(context.Background(), buildRequest("conductor.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTriggerToolCreate(t *testing.T) {
	trg := newMockTriggers()
	s := newTestServer(t, &mockService{}, &mockStore{}, trg)

	req := buildRequest("conductor.trigger", map[string]any{
		"action":        "create",
		"workflow_name": "traffic-ingest",
		"cron":          "*/5 * * * *",
		"inputs":        map[string]any{"city": "rotterdam"},
	})

	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, trg.registered, 1)
	assert.Equal(t, "traffic-ingest", trg.registered[0].WorkflowName)
	assert.Equal(t, "*/5 * * * *", trg.registered[0].CronExpression)
	assert.True(t, trg.registered[0].Enabled)

	out := resultText(t, result)
	assert.Equal(t, "trg-1", out["trigger_id"])
}

func TestTriggerToolCreateMissingFields(t *testing.T) {
	s := newTestServer(t, &mockService{}, &mockStore{}, newMockTriggers())

	req := buildRequest("conductor.trigger", map[string]any{"action": "create", "workflow_name": "x"})
	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTriggerToolEnableDisableDelete(t *testing.T) {
	trg := newMockTriggers()
	s := newTestServer(t, &mockService{}, &mockStore{}, trg)

	result, err := s.handleTrigger(context.Background(),
		buildRequest("conductor.trigger", map[string]any{"action": "disable", "trigger_id": "trg-9"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.False(t, trg.enabled["trg-9"])

	result, err = s.handleTrigger(context.Background(),
		buildRequest("conductor.trigger", map[string]any{"action": "enable", "trigger_id": "trg-9"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, trg.enabled["trg-9"])

	result, err = s.handleTrigger(context.Background(),
		buildRequest("conductor.trigger", map[string]any{"action": "delete", "trigger_id": "trg-9"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"trg-9"}, trg.removed)
}

func TestTriggerToolUnknownAction(t *testing.T) {
	s := newTestServer(t, &mockService{}, &mockStore{}, newMockTriggers())

	result, err := s.handleTrigger(context.Background(),
		buildRequest("conductor.trigger", map[string]any{"action": "pause"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryRuns(t *testing.T) {
	ms := &mockStore{
		runs: []*store.Run{
			{ID: "r1", WorkflowName: "traffic-ingest", Status: schema.RunStatusSucceeded},
			{ID: "r2", WorkflowName: "air-quality", Status: schema.RunStatusFailed},
		},
	}
	s := newTestServer(t, &mockService{}, ms, newMockTriggers())

	req := buildRequest("conductor.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"workflow_name": "traffic-ingest"},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	runs := out["runs"].([]any)
	require.Len(t, runs, 1)
}

func TestQueryWorkflows(t *testing.T) {
	ms := &mockStore{
		workflows: []*store.StoredWorkflow{
			{Name: "traffic-ingest", Version: "1.0.0"},
			{Name: "air-quality", Version: "2.0.0"},
		},
	}
	s := newTestServer(t, &mockService{}, ms, newMockTriggers())

	result, err := s.handleQuery(context.Background(),
		buildRequest("conductor.query", map[string]any{"resource": "workflows"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Len(t, out["workflows"].([]any), 2)
}

func TestQueryTriggers(t *testing.T) {
	trg := newMockTriggers()
	trg.listResult = []*store.Trigger{{ID: "trg-1", WorkflowName: "traffic-ingest"}}
	s := newTestServer(t, &mockService{}, &mockStore{}, trg)

	result, err := s.handleQuery(context.Background(),
		buildRequest("conductor.query", map[string]any{"resource": "triggers"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Len(t, out["triggers"].([]any), 1)
}

func TestQueryEvents(t *testing.T) {
	ms := &mockStore{
		events: []*store.Event{
			{ID: 1, RunID: "r1", Type: schema.EventRunStarted},
			{ID: 2, RunID: "r1", Type: schema.EventRunSucceeded},
			{ID: 3, RunID: "r2", Type: schema.EventRunStarted},
		},
	}
	s := newTestServer(t, &mockService{}, ms, newMockTriggers())

	req := buildRequest("conductor.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": "r1"},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultText(t, result)
	assert.Len(t, out["events"].([]any), 2)

	// event_type path.
	req = buildRequest("conductor.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventRunStarted},
	})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	out = resultText(t, result)
	assert.Len(t, out["events"].([]any), 2)

	// Neither run_id nor event_type.
	req = buildRequest("conductor.query", map[string]any{"resource": "events"})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := newTestServer(t, &mockService{}, &mockStore{}, newMockTriggers())

	result, err := s.handleQuery(context.Background(),
		buildRequest("conductor.query", map[string]any{"resource": "pipelines"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
