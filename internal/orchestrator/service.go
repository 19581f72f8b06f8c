package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/logging"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// Trigger sources recorded on runs.
const (
	TriggerSourceManual   = "manual"
	TriggerSourceSchedule = "schedule"
)

// SubmitRequest describes a run submission.
type SubmitRequest struct {
	WorkflowName string         `json:"workflow_name"`
	Version      string         `json:"version,omitempty"` // empty: latest registered version
	Inputs       map[string]any `json:"inputs,omitempty"`
	Source       string         `json:"source,omitempty"` // manual (default) or schedule
	TriggerID    string         `json:"trigger_id,omitempty"`
}

// Service coordinates run submission on top of the executor. It owns the
// one-concurrent-run-per-workflow invariant: a workflow with a pending or
// running run rejects new submissions with CONFLICT.
type Service struct {
	store    store.Store
	eventLog *store.EventLog
	exec     engine.Executor
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]string // workflow name → run id
	wg       sync.WaitGroup
	closed   bool
}

// NewService creates a Service.
func NewService(st store.Store, el *store.EventLog, exec engine.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		eventLog: el,
		exec:     exec,
		logger:   logger,
		inflight: make(map[string]string),
	}
}

// Submit creates a run for a registered workflow and starts executing it in
// the background. Returns the created run record immediately.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*store.Run, error) {
	if req.WorkflowName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_name is required")
	}

	wf, err := s.store.GetWorkflow(ctx, req.WorkflowName, req.Version)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = TriggerSourceManual
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConflict, "orchestrator is shutting down")
	}
	if runID, busy := s.inflight[wf.Name]; busy {
		// The slot is released after the executor returns, which can trail the
		// run's terminal status in the store. Re-check before rejecting.
		if prev, getErr := s.store.GetRun(ctx, runID); getErr == nil && schema.IsTerminalRun(prev.Status) {
			delete(s.inflight, wf.Name)
		} else {
			s.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %s already has an active run %s", wf.Name, runID).
				WithDetails(map[string]any{"workflow": wf.Name, "active_run_id": runID})
		}
	}

	// Guard against active runs from a previous process as well.
	if active, checkErr := s.findActiveRun(ctx, wf.Name); checkErr != nil {
		s.mu.Unlock()
		return nil, checkErr
	} else if active != nil {
		s.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s already has an active run %s", wf.Name, active.ID).
			WithDetails(map[string]any{"workflow": wf.Name, "active_run_id": active.ID})
	}

	run := &store.Run{
		ID:              uuid.NewString(),
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		Definition:      wf.Definition,
		Status:          schema.RunStatusPending,
		TriggerSource:   source,
		TriggerID:       req.TriggerID,
		Inputs:          mergeInputs(wf.Definition.Inputs, req.Inputs),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	s.inflight[wf.Name] = run.ID
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(run)

	s.logger.InfoContext(logging.WithRunID(ctx, run.ID), "run submitted",
		"workflow", wf.Name, "version", wf.Version, "source", source)
	return run, nil
}

// execute runs to completion in the background and releases the workflow slot.
func (s *Service) execute(run *store.Run) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, run.WorkflowName)
		s.mu.Unlock()
	}()

	ctx := logging.WithRunID(context.Background(), run.ID)
	result, err := s.exec.Run(ctx, run)
	if err != nil {
		s.logger.ErrorContext(ctx, "run execution error", "workflow", run.WorkflowName, "error", err.Error())
		// The executor could not start the run; mark it failed so it does not
		// stay pending forever.
		failed := schema.RunStatusFailed
		now := time.Now().UTC()
		update := store.RunUpdate{Status: &failed, CompletedAt: &now}
		var cerr *schema.ConductorError
		if errors.As(err, &cerr) {
			if payload, mErr := json.Marshal(cerr); mErr == nil {
				update.Error = payload
			}
		}
		_ = s.store.UpdateRun(ctx, run.ID, update)
		return
	}

	s.logger.InfoContext(ctx, "run finished", "workflow", run.WorkflowName, "status", string(result.Status))
}

// Wait blocks until the run reaches a terminal status or ctx expires.
func (s *Service) Wait(ctx context.Context, runID string) (*store.Run, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if schema.IsTerminalRun(run.Status) {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns the executor's state snapshot for a run.
func (s *Service) Status(ctx context.Context, runID string) (*engine.RunSnapshot, error) {
	return s.exec.Status(ctx, runID)
}

// Cancel terminates an active run.
func (s *Service) Cancel(ctx context.Context, runID, reason string) error {
	return s.exec.Cancel(ctx, runID, reason)
}

// Replay reconstructs a run's phase and agent state from its event log.
func (s *Service) Replay(ctx context.Context, runID string) (*store.ReplayState, error) {
	return s.eventLog.ReplayEvents(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// ListWorkflows lists registered workflows.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.StoredWorkflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// ActiveRuns returns the workflow → run id map of currently executing runs.
func (s *Service) ActiveRuns() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.inflight))
	for k, v := range s.inflight {
		out[k] = v
	}
	return out
}

// Shutdown stops accepting submissions and waits for in-flight runs.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// findActiveRun looks for a pending or running run of the workflow in the store.
func (s *Service) findActiveRun(ctx context.Context, workflowName string) (*store.Run, error) {
	for _, status := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning} {
		st := status
		runs, err := s.store.ListRuns(ctx, store.RunFilter{Status: &st, WorkflowName: workflowName, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			return runs[0], nil
		}
	}
	return nil, nil
}

// mergeInputs overlays request inputs on the definition's defaults.
func mergeInputs(defaults, overrides map[string]any) map[string]any {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
