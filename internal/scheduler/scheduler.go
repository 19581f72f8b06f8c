package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/urbanpulse/conductor/internal/orchestrator"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// Trigger outcome values recorded in last_run_status.
const (
	StatusSkipped = "skipped" // workflow busy or occurrence missed
	StatusError   = "error"
	StatusRunning = "running"
)

// DefaultTickInterval is how often the scheduler checks for due triggers.
const DefaultTickInterval = 60 * time.Second

// WorkflowRunner is the interface the scheduler uses to launch runs.
// Satisfied by *orchestrator.Service.
type WorkflowRunner interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*store.Run, error)
	Wait(ctx context.Context, runID string) (*store.Run, error)
}

// Scheduler fires cron triggers against the orchestrator. A due trigger
// launches at most one run; occurrences that pass while the workflow is busy
// or the process is down are logged and skipped, never queued.
type Scheduler struct {
	store    store.Store
	runner   WorkflowRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs with a run in flight
}

// NewScheduler creates a Scheduler. A zero tickInterval uses DefaultTickInterval.
func NewScheduler(s store.Store, runner WorkflowRunner, tickInterval time.Duration, logger *slog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: tickInterval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start skips stale trigger occurrences, then launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.SkipMissed(ctx); err != nil {
		s.logger.Error("failed to skip missed triggers", slog.String("error", err.Error()))
	}

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires all enabled triggers that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trg := range triggers {
		if trg.NextRunAt == nil {
			// First sighting: anchor the schedule without firing.
			if err := s.advance(ctx, trg, now, ""); err != nil {
				s.logger.Error("failed to initialize trigger",
					slog.String("trigger_id", trg.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if trg.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, trg, now)
	}
}

// fire launches one run for a due trigger. An overlapping occurrence, either
// because the previous run of this trigger is still in flight or because the
// workflow has an active run from elsewhere, is logged and skipped.
func (s *Scheduler) fire(ctx context.Context, trg *store.Trigger, now time.Time) {
	if !s.tryAcquire(trg.ID) {
		s.logger.Warn("trigger occurrence skipped, previous run still in flight",
			slog.String("trigger_id", trg.ID),
			slog.String("workflow", trg.WorkflowName),
		)
		s.recordTriggerEvent(ctx, trg, "", schema.EventTriggerSkipped, "previous occurrence still in flight")
		if err := s.advance(ctx, trg, now, StatusSkipped); err != nil {
			s.logger.Error("failed to advance skipped trigger",
				slog.String("trigger_id", trg.ID), slog.String("error", err.Error()))
		}
		return
	}

	var inputs map[string]any
	if len(trg.Inputs) > 0 {
		if err := json.Unmarshal(trg.Inputs, &inputs); err != nil {
			s.release(trg.ID)
			s.logger.Error("trigger has malformed inputs",
				slog.String("trigger_id", trg.ID), slog.String("error", err.Error()))
			if uErr := s.recordOutcome(ctx, trg, now, StatusError); uErr != nil {
				s.logger.Error("failed to update trigger",
					slog.String("trigger_id", trg.ID), slog.String("error", uErr.Error()))
			}
			return
		}
	}

	run, err := s.runner.Submit(ctx, orchestrator.SubmitRequest{
		WorkflowName: trg.WorkflowName,
		Inputs:       inputs,
		Source:       orchestrator.TriggerSourceSchedule,
		TriggerID:    trg.ID,
	})
	if err != nil {
		s.release(trg.ID)
		status := StatusError
		var cerr *schema.ConductorError
		if errors.As(err, &cerr) && cerr.Code == schema.ErrCodeConflict {
			status = StatusSkipped
			s.logger.Warn("trigger occurrence skipped, workflow busy",
				slog.String("trigger_id", trg.ID),
				slog.String("workflow", trg.WorkflowName),
			)
			s.recordTriggerEvent(ctx, trg, "", schema.EventTriggerSkipped, "workflow already has an active run")
		} else {
			s.logger.Error("failed to launch triggered run",
				slog.String("trigger_id", trg.ID),
				slog.String("workflow", trg.WorkflowName),
				slog.String("error", err.Error()),
			)
		}
		if uErr := s.recordOutcome(ctx, trg, now, status); uErr != nil {
			s.logger.Error("failed to update trigger",
				slog.String("trigger_id", trg.ID), slog.String("error", uErr.Error()))
		}
		return
	}

	s.logger.Info("trigger fired",
		slog.String("trigger_id", trg.ID),
		slog.String("workflow", trg.WorkflowName),
		slog.String("run_id", run.ID),
	)
	s.recordTriggerEvent(ctx, trg, run.ID, schema.EventTriggerFired, "")
	if err := s.recordOutcome(ctx, trg, now, StatusRunning); err != nil {
		s.logger.Error("failed to update trigger",
			slog.String("trigger_id", trg.ID), slog.String("error", err.Error()))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(trg.ID)

		final, waitErr := s.runner.Wait(context.Background(), run.ID)
		status := StatusError
		if waitErr == nil {
			status = string(final.Status)
		}
		if err := s.store.UpdateTrigger(context.Background(), trg.ID, store.TriggerUpdate{LastRunStatus: status}); err != nil {
			s.logger.Error("failed to record trigger outcome",
				slog.String("trigger_id", trg.ID), slog.String("error", err.Error()))
		}
	}()
}

// recordTriggerEvent appends a trigger lifecycle event. A fired occurrence
// logs under the launched run's ID so it shows up in the run's event stream;
// an occurrence that never produced a run logs under the trigger's own ID so
// it stays auditable. Append failures are logged, not propagated: the firing
// decision stands either way.
func (s *Scheduler) recordTriggerEvent(ctx context.Context, trg *store.Trigger, runID, eventType, reason string) {
	fields := map[string]string{
		"trigger_id": trg.ID,
		"workflow":   trg.WorkflowName,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	payload, _ := json.Marshal(fields)

	scope := runID
	if scope == "" {
		scope = trg.ID
	}
	if err := s.store.AppendEvent(ctx, &store.Event{
		RunID:   scope,
		Type:    eventType,
		Payload: payload,
	}); err != nil {
		s.logger.Error("failed to record trigger event",
			slog.String("trigger_id", trg.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// recordOutcome stamps last_run_at and advances next_run_at past now.
func (s *Scheduler) recordOutcome(ctx context.Context, trg *store.Trigger, now time.Time, status string) error {
	next, err := s.NextAfter(trg.CronExpression, now)
	if err != nil {
		return err
	}
	return s.store.UpdateTrigger(ctx, trg.ID, store.TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// advance moves next_run_at past now without stamping last_run_at.
func (s *Scheduler) advance(ctx context.Context, trg *store.Trigger, now time.Time, status string) error {
	next, err := s.NextAfter(trg.CronExpression, now)
	if err != nil {
		return err
	}
	return s.store.UpdateTrigger(ctx, trg.ID, store.TriggerUpdate{
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// SkipMissed advances triggers whose next_run_at passed while the process was
// not watching. Missed occurrences are logged and dropped, never replayed.
// Triggers overdue by less than one tick interval are left for the next tick.
func (s *Scheduler) SkipMissed(ctx context.Context) error {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}

	now := time.Now().UTC()
	cutoff := now.Add(-s.interval)
	skipped := 0
	for _, trg := range triggers {
		if trg.NextRunAt == nil || !trg.NextRunAt.Before(cutoff) {
			continue
		}
		s.logger.Warn("skipping missed trigger occurrence",
			slog.String("trigger_id", trg.ID),
			slog.String("workflow", trg.WorkflowName),
			slog.Time("missed_at", *trg.NextRunAt),
		)
		s.recordTriggerEvent(ctx, trg, "", schema.EventTriggerSkipped, "occurrence passed while the scheduler was not running")
		if err := s.advance(ctx, trg, now, StatusSkipped); err != nil {
			s.logger.Error("failed to advance missed trigger",
				slog.String("trigger_id", trg.ID), slog.String("error", err.Error()))
			continue
		}
		skipped++
	}

	if skipped > 0 {
		s.logger.Info("skipped missed trigger occurrences", slog.Int("count", skipped))
	}
	return nil
}

// Tick runs a single scheduling pass. Exposed for manual poking.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

// NextAfter computes the first firing time of a cron expression after from.
func (s *Scheduler) NextAfter(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %v", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// RegisterTrigger validates the cron expression, assigns an id if missing,
// anchors next_run_at, and stores the trigger.
func (s *Scheduler) RegisterTrigger(ctx context.Context, trg *store.Trigger) error {
	if trg.WorkflowName == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger workflow_name is required")
	}
	next, err := s.NextAfter(trg.CronExpression, time.Now().UTC())
	if err != nil {
		return err
	}
	if trg.ID == "" {
		trg.ID = uuid.NewString()
	}
	trg.NextRunAt = &next

	if err := s.store.CreateTrigger(ctx, trg); err != nil {
		return err
	}
	s.logger.Info("trigger registered",
		slog.String("trigger_id", trg.ID),
		slog.String("workflow", trg.WorkflowName),
		slog.String("cron", trg.CronExpression),
		slog.Time("next_run_at", next),
	)
	return nil
}

// SetEnabled toggles a trigger. Re-enabling re-anchors next_run_at so the
// downtime does not count as missed occurrences.
func (s *Scheduler) SetEnabled(ctx context.Context, triggerID string, enabled bool) error {
	trg, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}

	update := store.TriggerUpdate{Enabled: &enabled}
	if enabled {
		next, nErr := s.NextAfter(trg.CronExpression, time.Now().UTC())
		if nErr != nil {
			return nErr
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateTrigger(ctx, triggerID, update)
}

// RemoveTrigger deletes a trigger.
func (s *Scheduler) RemoveTrigger(ctx context.Context, triggerID string) error {
	return s.store.DeleteTrigger(ctx, triggerID)
}

// ListTriggers lists triggers matching the filter.
func (s *Scheduler) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error) {
	return s.store.ListTriggers(ctx, filter)
}

// Stop shuts down the tick loop and waits for in-flight outcome watchers.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tryAcquire(triggerID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		return false
	}
	s.inflight[triggerID] = struct{}{}
	return true
}

func (s *Scheduler) release(triggerID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, triggerID)
}
