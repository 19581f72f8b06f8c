package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/urbanpulse/conductor/internal/agents"
	"github.com/urbanpulse/conductor/internal/expressions"
	"github.com/urbanpulse/conductor/internal/logging"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// Executor is the central run execution coordinator.
type Executor interface {
	// Run executes a persisted Run record through its phase DAG to completion.
	Run(ctx context.Context, run *store.Run) (*RunResult, error)

	// Cancel terminates a run with a reason, cascading to in-flight agents.
	Cancel(ctx context.Context, runID string, reason string) error

	// Status returns the current state of a run.
	Status(ctx context.Context, runID string) (*RunSnapshot, error)
}

// RunResult is returned by Run with the overall outcome.
type RunResult struct {
	RunID       string                  `json:"run_id"`
	Status      schema.RunStatus        `json:"status"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       *schema.ConductorError  `json:"error,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Phases      map[string]*PhaseResult `json:"phases,omitempty"`
}

// PhaseResult summarizes the outcome of a single phase.
type PhaseResult struct {
	Phase      string                  `json:"phase"`
	Status     schema.PhaseStatus      `json:"status"`
	Error      *schema.ConductorError  `json:"error,omitempty"`
	DurationMs int64                   `json:"duration_ms,omitempty"`
	Agents     map[string]*AgentResult `json:"agents,omitempty"`
}

// AgentResult summarizes the outcome of a single agent invocation.
type AgentResult struct {
	AgentID    string                 `json:"agent_id"`
	Status     schema.AgentStatus     `json:"status"`
	Output     json.RawMessage        `json:"output,omitempty"`
	Error      *schema.ConductorError `json:"error,omitempty"`
	Attempts   int                    `json:"attempts"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
}

// RunSnapshot is a point-in-time view of a run's state for querying.
type RunSnapshot struct {
	RunID  string              `json:"run_id"`
	Status schema.RunStatus    `json:"status"`
	Phases []*store.PhaseState `json:"phases,omitempty"`
	Agents []*store.AgentState `json:"agents,omitempty"`
	Events []*store.Event      `json:"events,omitempty"`
}

// EventLogger abstracts the event log operations needed by the executor.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize       int                   // max concurrent agent goroutines
	CircuitBreaker *CircuitBreakerConfig // circuit breaker config (nil = defaults)
	Logger         *slog.Logger          // nil = slog.Default()
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store      store.Store
	eventLog   EventLogger
	runFSM     *RunFSM
	agentFSM   *AgentFSM
	registry   *agents.Registry
	pool       *WorkerPool
	config     ExecutorConfig
	circuitBkr *CircuitBreakerRegistry
	conditions *expressions.ConditionEvaluator
	logger     *slog.Logger

	// mu guards running map.
	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun tracks a single in-flight run execution.
type activeRun struct {
	runID       string
	dag         *DAG
	phaseStates map[string]*store.PhaseState
	agentStates map[string]*store.AgentState // keyed by phase + "/" + agent_id
	outputs     map[string]map[string]any    // phase → agent_id → decoded output
	inputs      map[string]any
	cancel      context.CancelFunc
	mu          sync.Mutex // guards phaseStates, agentStates, outputs
}

// NewExecutor creates a new Executor with the given dependencies.
func NewExecutor(s store.Store, el EventLogger, registry *agents.Registry, cfg ExecutorConfig) (Executor, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}

	return &executorImpl{
		store:      s,
		eventLog:   el,
		runFSM:     NewRunFSM(el),
		agentFSM:   NewAgentFSM(el),
		registry:   registry,
		pool:       NewWorkerPool(cfg.PoolSize),
		config:     cfg,
		circuitBkr: NewCircuitBreakerRegistry(cbConfig),
		conditions: conditions,
		logger:     cfg.Logger,
		running:    make(map[string]*activeRun),
	}, nil
}

// Run executes a run to completion.
func (e *executorImpl) Run(ctx context.Context, run *store.Run) (*RunResult, error) {
	if run == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run is nil")
	}

	ctx = logging.WithRunID(ctx, run.ID)

	dag, err := ParseDAG(&run.Definition)
	if err != nil {
		return nil, err
	}

	// Transition run: pending → running.
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusRunning); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	running := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}

	// Initialize phase and agent states as pending.
	phaseStates := make(map[string]*store.PhaseState, len(dag.Phases))
	agentStates := make(map[string]*store.AgentState)
	for name, phase := range dag.Phases {
		ps := &store.PhaseState{
			RunID:  run.ID,
			Phase:  name,
			Status: schema.PhaseStatusPending,
		}
		phaseStates[name] = ps
		if err := e.store.UpsertPhaseState(ctx, ps); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "init phase state %s: %s", name, err.Error()).WithCause(err)
		}
		for _, ref := range phase.Agents {
			as := &store.AgentState{
				RunID:   run.ID,
				Phase:   name,
				AgentID: ref.ID,
				Status:  schema.AgentStatusPending,
			}
			agentStates[name+"/"+ref.ID] = as
			if err := e.store.UpsertAgentState(ctx, as); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore, "init agent state %s/%s: %s", name, ref.ID, err.Error()).WithCause(err)
			}
		}
	}

	// Apply run-level timeout if specified.
	execCtx, execCancel := context.WithCancel(ctx)
	if run.Definition.Timeout != "" {
		dur, parseErr := time.ParseDuration(run.Definition.Timeout)
		if parseErr != nil {
			execCancel()
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow timeout %q: %s", run.Definition.Timeout, parseErr.Error())
		}
		execCtx, execCancel = context.WithTimeout(ctx, dur)
	}

	active := &activeRun{
		runID:       run.ID,
		dag:         dag,
		phaseStates: phaseStates,
		agentStates: agentStates,
		outputs:     make(map[string]map[string]any),
		inputs:      run.Inputs,
		cancel:      execCancel,
	}
	e.mu.Lock()
	e.running[run.ID] = active
	e.mu.Unlock()

	result := e.executeDAG(execCtx, active, run)

	execCancel()
	e.mu.Lock()
	delete(e.running, run.ID)
	e.mu.Unlock()

	return result, nil
}

// Cancel terminates a run.
func (e *executorImpl) Cancel(ctx context.Context, runID string, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if schema.IsTerminalRun(run.Status) {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already %s", runID, run.Status)
	}

	e.mu.Lock()
	active, isActive := e.running[runID]
	e.mu.Unlock()

	if isActive {
		if err := e.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusCancelled); err != nil {
			return err
		}
	} else {
		// Run is not executing in this process; cascade over the stored states.
		agentStates, listErr := e.store.ListAgentStates(ctx, runID)
		if listErr != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "list agent states: %s", listErr.Error()).WithCause(listErr)
		}
		stateMap := make(map[string]schema.AgentStatus, len(agentStates))
		for _, as := range agentStates {
			stateMap[as.Phase+"/"+as.AgentID] = as.Status
		}
		if err := CancelRun(ctx, e.runFSM, e.agentFSM, runID, run.Status, stateMap); err != nil {
			return err
		}
		for _, as := range agentStates {
			if !schema.IsTerminalAgent(as.Status) {
				as.Status = schema.AgentStatusSkipped
				if err := e.store.UpsertAgentState(ctx, as); err != nil {
					return schema.NewErrorf(schema.ErrCodeStore, "update agent state: %s", err.Error()).WithCause(err)
				}
			}
		}
		phaseStates, listErr := e.store.ListPhaseStates(ctx, runID)
		if listErr != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "list phase states: %s", listErr.Error()).WithCause(listErr)
		}
		skipPayload, _ := json.Marshal(map[string]string{"reason": "run cancelled"})
		for _, ps := range phaseStates {
			if schema.IsTerminalPhase(ps.Status) {
				continue
			}
			_ = e.eventLog.AppendEvent(ctx, &store.Event{
				RunID:   runID,
				Phase:   ps.Phase,
				Type:    schema.EventPhaseSkipped,
				Payload: skipPayload,
			})
			ps.Status = schema.PhaseStatusSkipped
			if err := e.store.UpsertPhaseState(ctx, ps); err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "update phase state: %s", err.Error()).WithCause(err)
			}
		}
	}

	cancelled := schema.RunStatusCancelled
	now := time.Now().UTC()
	errPayload, _ := json.Marshal(schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %s", reason))
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
		Error:       errPayload,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}

	// An actively executing run finalizes its own phase and agent states on
	// the way out of executeDAG.
	if isActive {
		active.cancel()
	}

	return nil
}

// Status returns the current run state snapshot.
func (e *executorImpl) Status(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	phases, err := e.store.ListPhaseStates(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list phase states: %s", err.Error()).WithCause(err)
	}
	agentStates, err := e.store.ListAgentStates(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list agent states: %s", err.Error()).WithCause(err)
	}
	events, err := e.eventLog.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err.Error()).WithCause(err)
	}

	return &RunSnapshot{
		RunID:  runID,
		Status: run.Status,
		Phases: phases,
		Agents: agentStates,
		Events: events,
	}, nil
}

// --- DAG execution ---

// executeDAG walks the phase DAG level by level. Phases in the same level run
// concurrently; agents within a phase run according to the phase mode.
func (e *executorImpl) executeDAG(ctx context.Context, active *activeRun, run *store.Run) *RunResult {
	startedAt := time.Now().UTC()
	result := &RunResult{
		RunID:     run.ID,
		Status:    schema.RunStatusRunning,
		StartedAt: startedAt,
		Phases:    make(map[string]*PhaseResult),
	}

	var finalErr *schema.ConductorError

	// Phases whose dependencies did not succeed. Seeded as phases fail or skip.
	blocked := make(map[string]bool)

	for _, level := range active.dag.Levels {
		if ctx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		phaseErrs := make(map[string]*schema.ConductorError)

		for _, phaseName := range level {
			phase := active.dag.Phases[phaseName]

			if blocked[phaseName] {
				e.skipPhase(ctx, active, phaseName, "dependency did not succeed")
				for _, dep := range active.dag.Dependents(phaseName) {
					blocked[dep] = true
				}
				continue
			}

			wg.Add(1)
			name := phaseName
			p := phase
			go func() {
				defer wg.Done()
				perr := e.executePhase(ctx, active, name, p)
				if perr != nil {
					mu.Lock()
					phaseErrs[name] = perr
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}

		// Propagate failures: required phase failure aborts the run, optional
		// failure only blocks downstream phases.
		for name, perr := range phaseErrs {
			for _, dep := range active.dag.Dependents(name) {
				blocked[dep] = true
			}
			phase := active.dag.Phases[name]
			if phase.IsRequired() && finalErr == nil {
				finalErr = schema.NewErrorf(schema.ErrCodePhaseFailed, "phase %s: %s", name, perr.Message).
					WithPhase(name).WithCause(perr)
			}
			if !phase.IsRequired() {
				e.logger.WarnContext(ctx, "optional phase failed, continuing",
					"phase", name, "error", perr.Error())
			}
		}
		// Skipped phases also block their dependents.
		active.mu.Lock()
		for name, ps := range active.phaseStates {
			if ps.Status == schema.PhaseStatusSkipped {
				for _, dep := range active.dag.Dependents(name) {
					blocked[dep] = true
				}
			}
		}
		active.mu.Unlock()

		if finalErr != nil {
			break
		}
	}

	// Handle context errors (timeout or cancellation).
	if ctx.Err() != nil && finalErr == nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			_ = e.eventLog.AppendEvent(context.Background(), &store.Event{
				RunID: run.ID,
				Type:  schema.EventRunTimedOut,
			})
			finalErr = schema.NewErrorf(schema.ErrCodeTimeout, "run exceeded workflow timeout %s", run.Definition.Timeout)
		} else {
			// Cancel() already transitioned and persisted the run.
			e.finalizeInterrupted(active, "run cancelled")
			result.Status = schema.RunStatusCancelled
			now := time.Now().UTC()
			result.CompletedAt = &now
			e.finalizeResult(active, result)
			return result
		}
	}

	// Settle phases and agents the run never reached, or that were cut off
	// mid-flight by the workflow timeout.
	reason := "run ended before phase started"
	if finalErr != nil && finalErr.Code == schema.ErrCodeTimeout {
		reason = "run timed out"
	}
	e.finalizeInterrupted(active, reason)

	if finalErr != nil {
		result.Status = schema.RunStatusFailed
		result.Error = finalErr
		e.transitionRun(ctx, run.ID, schema.RunStatusRunning, schema.RunStatusFailed)
	} else {
		result.Status = schema.RunStatusSucceeded
		e.transitionRun(ctx, run.ID, schema.RunStatusRunning, schema.RunStatusSucceeded)
	}

	now := time.Now().UTC()
	result.CompletedAt = &now

	// Aggregate phase outputs as the run output.
	active.mu.Lock()
	if len(active.outputs) > 0 {
		if out, err := json.Marshal(active.outputs); err == nil {
			result.Output = out
		}
	}
	active.mu.Unlock()

	e.finalizeResult(active, result)
	e.persistRunEnd(run.ID, result)

	return result
}

// executePhase runs a single phase: condition gate, agent dispatch, outcome
// aggregation. Returns a non-nil error when the phase failed.
func (e *executorImpl) executePhase(ctx context.Context, active *activeRun, phaseName string, phase *schema.Phase) *schema.ConductorError {
	ctx = logging.WithPhase(ctx, phaseName)
	startedAt := time.Now().UTC()

	// When-condition gate.
	if phase.When != "" {
		ok, err := e.conditions.EvalBool(ctx, phase.When, e.conditionData(active))
		if err != nil {
			perr := schema.NewErrorf(schema.ErrCodeValidation, "phase condition: %s", err.Error()).WithPhase(phaseName).WithCause(err)
			e.failPhase(ctx, active, phaseName, startedAt, perr)
			return perr
		}
		if !ok {
			e.skipPhase(ctx, active, phaseName, "when condition is false")
			return nil
		}
	}

	e.setPhaseStatus(active, phaseName, schema.PhaseStatusRunning, &startedAt, nil)
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID: active.runID,
		Phase: phaseName,
		Type:  schema.EventPhaseStarted,
	})
	e.persistPhaseState(active, phaseName)

	var agentErrs []*schema.ConductorError
	switch phase.EffectiveMode() {
	case schema.PhaseModeSequential:
		agentErrs = e.runAgentsSequential(ctx, active, phaseName, phase)
	default:
		agentErrs = e.runAgentsParallel(ctx, active, phaseName, phase)
	}

	if ctx.Err() != nil {
		return nil // run-level timeout/cancel handled by the caller
	}

	// A required agent failure fails the phase. Optional failures are logged.
	var perr *schema.ConductorError
	for _, aerr := range agentErrs {
		ref := findAgentRef(phase, aerr.AgentID)
		if ref != nil && !ref.IsRequired() {
			e.logger.WarnContext(ctx, "optional agent failed, continuing",
				"agent_id", aerr.AgentID, "error", aerr.Error())
			continue
		}
		if perr == nil {
			perr = aerr
		}
	}

	if perr != nil {
		e.failPhase(ctx, active, phaseName, startedAt, perr)
		return perr
	}

	completedAt := time.Now().UTC()
	e.setPhaseStatus(active, phaseName, schema.PhaseStatusSucceeded, nil, &completedAt)
	active.mu.Lock()
	active.phaseStates[phaseName].DurationMs = completedAt.Sub(startedAt).Milliseconds()
	active.mu.Unlock()
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID: active.runID,
		Phase: phaseName,
		Type:  schema.EventPhaseSucceeded,
	})
	e.persistPhaseState(active, phaseName)
	return nil
}

// runAgentsParallel dispatches all enabled agents of a phase through the pool.
func (e *executorImpl) runAgentsParallel(ctx context.Context, active *activeRun, phaseName string, phase *schema.Phase) []*schema.ConductorError {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []*schema.ConductorError

	for i := range phase.Agents {
		ref := &phase.Agents[i]
		if e.skipDisabledAgent(ctx, active, phaseName, ref) {
			continue
		}

		wg.Add(1)
		r := ref
		submitErr := e.pool.Submit(ctx, func(agentCtx context.Context) error {
			defer wg.Done()
			if aerr := e.executeAgent(agentCtx, active, phaseName, r); aerr != nil {
				mu.Lock()
				errs = append(errs, aerr)
				mu.Unlock()
			}
			return nil
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, schema.NewErrorf(schema.ErrCodeExecution, "submit agent %s: %s", ref.ID, submitErr.Error()).
				WithPhase(phaseName).WithAgent(ref.ID))
			mu.Unlock()
		}
	}
	wg.Wait()
	return errs
}

// runAgentsSequential runs agents in declaration order. A required agent
// failure skips the remaining agents of the phase.
func (e *executorImpl) runAgentsSequential(ctx context.Context, active *activeRun, phaseName string, phase *schema.Phase) []*schema.ConductorError {
	var errs []*schema.ConductorError

	for i := range phase.Agents {
		ref := &phase.Agents[i]
		if e.skipDisabledAgent(ctx, active, phaseName, ref) {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		if aerr := e.executeAgent(ctx, active, phaseName, ref); aerr != nil {
			errs = append(errs, aerr)
			if ref.IsRequired() {
				// Skip the rest of the phase.
				for j := i + 1; j < len(phase.Agents); j++ {
					e.skipAgent(ctx, active, phaseName, &phase.Agents[j], "earlier agent in sequential phase failed")
				}
				break
			}
		}
	}
	return errs
}

// skipDisabledAgent marks a disabled agent as skipped. Returns true when skipped.
func (e *executorImpl) skipDisabledAgent(ctx context.Context, active *activeRun, phaseName string, ref *schema.AgentReference) bool {
	if ref.IsEnabled() {
		return false
	}
	e.skipAgent(ctx, active, phaseName, ref, "agent disabled")
	return true
}

// executeAgent runs a single agent invocation with condition gate, circuit
// breaker, retry policy and per-agent timeout.
func (e *executorImpl) executeAgent(ctx context.Context, active *activeRun, phaseName string, ref *schema.AgentReference) *schema.ConductorError {
	ctx = logging.WithAgentID(ctx, ref.ID)
	key := phaseName + "/" + ref.ID

	// Per-agent when-condition.
	if ref.When != "" {
		ok, err := e.conditions.EvalBool(ctx, ref.When, e.conditionData(active))
		if err != nil {
			return e.failAgent(ctx, active, phaseName, ref, 0,
				schema.NewErrorf(schema.ErrCodeValidation, "agent condition: %s", err.Error()).
					WithPhase(phaseName).WithAgent(ref.ID).WithCause(err))
		}
		if !ok {
			e.skipAgent(ctx, active, phaseName, ref, "when condition is false")
			return nil
		}
	}

	// Transition: pending → scheduled → running.
	if err := e.agentFSM.Transition(ctx, active.runID, phaseName, ref.ID, schema.AgentStatusPending, schema.AgentStatusScheduled); err != nil {
		return toConductorErr(err, phaseName, ref.ID)
	}
	e.setAgentStatus(active, key, schema.AgentStatusScheduled)
	if err := e.agentFSM.Transition(ctx, active.runID, phaseName, ref.ID, schema.AgentStatusScheduled, schema.AgentStatusRunning); err != nil {
		return toConductorErr(err, phaseName, ref.ID)
	}

	startedAt := time.Now().UTC()
	active.mu.Lock()
	as := active.agentStates[key]
	as.Status = schema.AgentStatusRunning
	as.StartedAt = &startedAt
	as.Attempts = 1
	active.mu.Unlock()
	e.persistAgentState(active, key)

	agent, err := e.registry.Get(ref.Uses)
	if err != nil {
		return e.failAgent(ctx, active, phaseName, ref, 1, toConductorErr(err, phaseName, ref.ID))
	}

	input := agents.Input{
		Config:  ref.Config,
		Payload: e.agentPayload(active),
	}

	maxRetries := 0
	if ref.Retry != nil {
		maxRetries = ref.Retry.Max
	}

	attempt := 0
	for {
		cbState, cbErr := e.circuitBkr.AllowRequest(ref.Uses)
		if cbErr != nil {
			return e.failAgent(ctx, active, phaseName, ref, attempt+1, toConductorErr(cbErr, phaseName, ref.ID))
		}
		if cbState == CircuitHalfOpen {
			// A trial request is passing through a recovering circuit.
			e.emitCircuitEvent(ctx, active, phaseName, ref, schema.EventCircuitBreakerHalfOpen)
		}

		output, invokeErr := e.invokeWithTimeout(ctx, agent, input, ref.Timeout)
		if invokeErr == nil {
			if e.circuitBkr.RecordSuccess(ref.Uses) {
				e.emitCircuitEvent(ctx, active, phaseName, ref, schema.EventCircuitBreakerClosed)
			}
			return e.completeAgent(ctx, active, phaseName, ref, attempt+1, startedAt, output)
		}

		if newState := e.circuitBkr.RecordFailure(ref.Uses); newState == CircuitOpen {
			e.emitCircuitEvent(ctx, active, phaseName, ref, schema.EventCircuitBreakerOpen)
		}

		if ctx.Err() != nil {
			return nil // run-level timeout/cancel, handled upstream
		}

		if !IsRetryableError(invokeErr) {
			return e.failAgent(ctx, active, phaseName, ref, attempt+1,
				schema.NewErrorf(schema.ErrCodeNonRetryable, "agent %s: non-retryable error: %s", ref.ID, invokeErr.Error()).
					WithPhase(phaseName).WithAgent(ref.ID).WithCause(invokeErr))
		}
		if attempt >= maxRetries {
			if maxRetries > 0 {
				return e.failAgent(ctx, active, phaseName, ref, attempt+1,
					schema.NewErrorf(schema.ErrCodeRetryExhausted, "agent %s: retries exhausted after %d attempts: %s",
						ref.ID, attempt+1, invokeErr.Error()).
						WithPhase(phaseName).WithAgent(ref.ID).WithCause(invokeErr))
			}
			return e.failAgent(ctx, active, phaseName, ref, attempt+1,
				schema.NewErrorf(schema.ErrCodeAgentFailed, "agent %s: %s", ref.ID, invokeErr.Error()).
					WithPhase(phaseName).WithAgent(ref.ID).WithCause(invokeErr))
		}

		// Retry: running → retrying → running, with backoff.
		retryPayload, _ := json.Marshal(map[string]any{
			"attempt":      attempt + 1,
			"max_attempts": maxRetries + 1,
			"error":        invokeErr.Error(),
		})
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   active.runID,
			Phase:   phaseName,
			AgentID: ref.ID,
			Type:    schema.EventAgentRetryAttempt,
			Payload: retryPayload,
		})
		if err := e.agentFSM.Transition(ctx, active.runID, phaseName, ref.ID, schema.AgentStatusRunning, schema.AgentStatusRetrying); err != nil {
			return toConductorErr(err, phaseName, ref.ID)
		}
		e.setAgentStatus(active, key, schema.AgentStatusRetrying)
		e.persistAgentState(active, key)

		if err := WaitForBackoff(ctx, ComputeBackoff(ref.Retry, attempt)); err != nil {
			return nil // cancelled during backoff
		}

		if err := e.agentFSM.Transition(ctx, active.runID, phaseName, ref.ID, schema.AgentStatusRetrying, schema.AgentStatusRunning); err != nil {
			return toConductorErr(err, phaseName, ref.ID)
		}
		attempt++
		active.mu.Lock()
		as.Status = schema.AgentStatusRunning
		as.Attempts = attempt + 1
		active.mu.Unlock()
		e.persistAgentState(active, key)
	}
}

// emitCircuitEvent records a circuit breaker state change on the run's event
// log, carrying the breaker stats as payload.
func (e *executorImpl) emitCircuitEvent(ctx context.Context, active *activeRun, phaseName string, ref *schema.AgentReference, eventType string) {
	payload, _ := json.Marshal(e.circuitBkr.GetStats(ref.Uses))
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   active.runID,
		Phase:   phaseName,
		AgentID: ref.ID,
		Type:    eventType,
		Payload: payload,
	})
}

// invokeWithTimeout runs a single attempt with the agent's timeout applied.
func (e *executorImpl) invokeWithTimeout(ctx context.Context, agent agents.Agent, input agents.Input, timeout string) (*agents.Output, error) {
	attemptCtx := ctx
	if timeout != "" {
		if dur, err := time.ParseDuration(timeout); err == nil && dur > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, dur)
			defer cancel()
		}
	}
	out, err := agents.Invoke(attemptCtx, agent, input)
	if err == nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "agent timed out after %s", timeout)
	}
	return out, err
}

// --- outcome helpers ---

func (e *executorImpl) completeAgent(ctx context.Context, active *activeRun, phaseName string, ref *schema.AgentReference, attempts int, startedAt time.Time, output *agents.Output) *schema.ConductorError {
	var data json.RawMessage
	if output != nil {
		data = output.Data
	}

	// The succeeded event carries the output so replay can reconstruct it.
	if err := e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   active.runID,
		Phase:   phaseName,
		AgentID: ref.ID,
		Type:    schema.EventAgentSucceeded,
		Payload: data,
	}); err != nil {
		return toConductorErr(err, phaseName, ref.ID)
	}

	completedAt := time.Now().UTC()
	key := phaseName + "/" + ref.ID
	active.mu.Lock()
	as := active.agentStates[key]
	as.Status = schema.AgentStatusSucceeded
	as.Output = data
	as.Attempts = attempts
	as.CompletedAt = &completedAt
	as.DurationMs = completedAt.Sub(startedAt).Milliseconds()
	if len(data) > 0 {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			if active.outputs[phaseName] == nil {
				active.outputs[phaseName] = make(map[string]any)
			}
			active.outputs[phaseName][ref.ID] = decoded
		}
	}
	active.mu.Unlock()
	e.persistAgentState(active, key)
	return nil
}

func (e *executorImpl) failAgent(ctx context.Context, active *activeRun, phaseName string, ref *schema.AgentReference, attempts int, aerr *schema.ConductorError) *schema.ConductorError {
	errPayload, _ := json.Marshal(aerr)
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   active.runID,
		Phase:   phaseName,
		AgentID: ref.ID,
		Type:    schema.EventAgentFailed,
		Payload: errPayload,
	})

	completedAt := time.Now().UTC()
	key := phaseName + "/" + ref.ID
	active.mu.Lock()
	as := active.agentStates[key]
	as.Status = schema.AgentStatusFailed
	as.Error = errPayload
	if attempts > 0 {
		as.Attempts = attempts
	}
	as.CompletedAt = &completedAt
	active.mu.Unlock()
	e.persistAgentState(active, key)
	return aerr
}

func (e *executorImpl) skipAgent(ctx context.Context, active *activeRun, phaseName string, ref *schema.AgentReference, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   active.runID,
		Phase:   phaseName,
		AgentID: ref.ID,
		Type:    schema.EventAgentSkipped,
		Payload: payload,
	})

	key := phaseName + "/" + ref.ID
	e.setAgentStatus(active, key, schema.AgentStatusSkipped)
	e.persistAgentState(active, key)
	e.logger.InfoContext(ctx, "agent skipped", "agent_id", ref.ID, "reason", reason)
}

func (e *executorImpl) skipPhase(ctx context.Context, active *activeRun, phaseName string, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   active.runID,
		Phase:   phaseName,
		Type:    schema.EventPhaseSkipped,
		Payload: payload,
	})

	e.setPhaseStatus(active, phaseName, schema.PhaseStatusSkipped, nil, nil)
	e.persistPhaseState(active, phaseName)

	// Agents of a skipped phase are skipped too.
	phase := active.dag.Phases[phaseName]
	for i := range phase.Agents {
		key := phaseName + "/" + phase.Agents[i].ID
		e.setAgentStatus(active, key, schema.AgentStatusSkipped)
		e.persistAgentState(active, key)
	}

	e.logger.InfoContext(ctx, "phase skipped", "phase", phaseName, "reason", reason)
}

// finalizeInterrupted skips every phase and agent still non-terminal once the
// run itself is terminal. Runs cut short by a timeout or cancellation leave
// running entries behind; every stored row must settle before the run record
// does.
func (e *executorImpl) finalizeInterrupted(active *activeRun, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})

	active.mu.Lock()
	agentKeys := make([]string, 0)
	for key, as := range active.agentStates {
		if !schema.IsTerminalAgent(as.Status) {
			agentKeys = append(agentKeys, key)
		}
	}
	phaseNames := make([]string, 0)
	for name, ps := range active.phaseStates {
		if !schema.IsTerminalPhase(ps.Status) {
			phaseNames = append(phaseNames, name)
		}
	}
	active.mu.Unlock()

	ctx := context.Background()
	for _, key := range agentKeys {
		phase, agentID := splitAgentKey(key)
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   active.runID,
			Phase:   phase,
			AgentID: agentID,
			Type:    schema.EventAgentSkipped,
			Payload: payload,
		})
		e.setAgentStatus(active, key, schema.AgentStatusSkipped)
		e.persistAgentState(active, key)
	}
	for _, name := range phaseNames {
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   active.runID,
			Phase:   name,
			Type:    schema.EventPhaseSkipped,
			Payload: payload,
		})
		e.setPhaseStatus(active, name, schema.PhaseStatusSkipped, nil, nil)
		e.persistPhaseState(active, name)
	}
}

func (e *executorImpl) failPhase(ctx context.Context, active *activeRun, phaseName string, startedAt time.Time, perr *schema.ConductorError) {
	errPayload, _ := json.Marshal(perr)
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   active.runID,
		Phase:   phaseName,
		Type:    schema.EventPhaseFailed,
		Payload: errPayload,
	})

	completedAt := time.Now().UTC()
	active.mu.Lock()
	ps := active.phaseStates[phaseName]
	ps.Status = schema.PhaseStatusFailed
	ps.Error = errPayload
	ps.CompletedAt = &completedAt
	ps.DurationMs = completedAt.Sub(startedAt).Milliseconds()
	active.mu.Unlock()
	e.persistPhaseState(active, phaseName)
}

// --- state helpers ---

func (e *executorImpl) setPhaseStatus(active *activeRun, phaseName string, status schema.PhaseStatus, startedAt, completedAt *time.Time) {
	active.mu.Lock()
	if ps, ok := active.phaseStates[phaseName]; ok {
		ps.Status = status
		if startedAt != nil {
			ps.StartedAt = startedAt
		}
		if completedAt != nil {
			ps.CompletedAt = completedAt
		}
	}
	active.mu.Unlock()
}

func (e *executorImpl) setAgentStatus(active *activeRun, key string, status schema.AgentStatus) {
	active.mu.Lock()
	if as, ok := active.agentStates[key]; ok {
		as.Status = status
	}
	active.mu.Unlock()
}

func (e *executorImpl) persistPhaseState(active *activeRun, phaseName string) {
	active.mu.Lock()
	ps := active.phaseStates[phaseName]
	active.mu.Unlock()
	if ps != nil {
		// Best-effort persist. The executor continues even if this fails.
		_ = e.store.UpsertPhaseState(context.Background(), ps)
	}
}

func (e *executorImpl) persistAgentState(active *activeRun, key string) {
	active.mu.Lock()
	as := active.agentStates[key]
	active.mu.Unlock()
	if as != nil {
		_ = e.store.UpsertAgentState(context.Background(), as)
	}
}

func (e *executorImpl) transitionRun(ctx context.Context, runID string, from, to schema.RunStatus) {
	transCtx := ctx
	if ctx.Err() != nil {
		transCtx = context.Background()
	}
	_ = e.runFSM.Transition(transCtx, runID, from, to)
	_ = e.store.UpdateRun(transCtx, runID, store.RunUpdate{Status: &to})
}

func (e *executorImpl) persistRunEnd(runID string, result *RunResult) {
	update := store.RunUpdate{
		Status:      &result.Status,
		CompletedAt: result.CompletedAt,
	}
	if result.Output != nil {
		update.Output = result.Output
	}
	if result.Error != nil {
		errJSON, _ := json.Marshal(result.Error)
		update.Error = errJSON
	}
	_ = e.store.UpdateRun(context.Background(), runID, update)
}

// conditionData builds the evaluation scope for when-conditions.
func (e *executorImpl) conditionData(active *activeRun) map[string]any {
	active.mu.Lock()
	phases := make(map[string]any, len(active.outputs))
	for phase, agentOutputs := range active.outputs {
		phases[phase] = agentOutputs
	}
	active.mu.Unlock()

	inputs := active.inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	return map[string]any{
		"inputs": inputs,
		"run":    map[string]any{"id": active.runID},
		"phases": phases,
	}
}

// agentPayload builds the payload handed to agents: run inputs plus the
// outputs of already-completed phases.
func (e *executorImpl) agentPayload(active *activeRun) map[string]any {
	data := e.conditionData(active)
	payload := map[string]any{
		"inputs": data["inputs"],
		"phases": data["phases"],
	}
	// Surface entity batches from upstream outputs under the conventional key
	// so publishing agents can consume them without extra wiring.
	if phases, ok := data["phases"].(map[string]any); ok {
		for _, agentOutputs := range phases {
			outputs, ok := agentOutputs.(map[string]any)
			if !ok {
				continue
			}
			for _, out := range outputs {
				m, ok := out.(map[string]any)
				if !ok {
					continue
				}
				if entities, ok := m["entities"].([]any); ok {
					payload["entities"] = entities
				} else if result, ok := m["result"].([]any); ok {
					payload["entities"] = result
				}
			}
		}
	}
	return payload
}

func (e *executorImpl) finalizeResult(active *activeRun, result *RunResult) {
	active.mu.Lock()
	defer active.mu.Unlock()
	for name, ps := range active.phaseStates {
		pr := &PhaseResult{
			Phase:      name,
			Status:     ps.Status,
			DurationMs: ps.DurationMs,
			Agents:     make(map[string]*AgentResult),
		}
		if ps.Error != nil {
			pr.Error = schema.NewError(schema.ErrCodePhaseFailed, string(ps.Error)).WithPhase(name)
		}
		result.Phases[name] = pr
	}
	for key, as := range active.agentStates {
		phase, _ := splitAgentKey(key)
		pr, ok := result.Phases[phase]
		if !ok {
			continue
		}
		ar := &AgentResult{
			AgentID:    as.AgentID,
			Status:     as.Status,
			Output:     as.Output,
			Attempts:   as.Attempts,
			DurationMs: as.DurationMs,
		}
		if as.Error != nil {
			ar.Error = schema.NewError(schema.ErrCodeAgentFailed, string(as.Error)).WithPhase(phase).WithAgent(as.AgentID)
		}
		pr.Agents[as.AgentID] = ar
	}
}

func findAgentRef(phase *schema.Phase, agentID string) *schema.AgentReference {
	for i := range phase.Agents {
		if phase.Agents[i].ID == agentID {
			return &phase.Agents[i]
		}
	}
	return nil
}

func toConductorErr(err error, phase, agentID string) *schema.ConductorError {
	var cerr *schema.ConductorError
	if errors.As(err, &cerr) {
		return cerr
	}
	return schema.NewErrorf(schema.ErrCodeAgentFailed, "%s", err.Error()).WithPhase(phase).WithAgent(agentID)
}
