package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/urbanpulse/conductor/internal/orchestrator"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/internal/streaming"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// handleRun launches a run of a registered workflow.
func (s *ConductorServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowName, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	version := req.GetString("version", "")
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	wait := req.GetBool("wait", false)
	clientID := req.GetString("client_id", "")

	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	run, submitErr := s.service.Submit(ctx, orchestrator.SubmitRequest{
		WorkflowName: workflowName,
		Version:      version,
		Inputs:       inputs,
	})
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to launch run: %v", submitErr)), nil
	}

	if wait {
		final, waitErr := s.service.Wait(ctx, run.ID)
		if waitErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run %s launched but wait failed: %v", run.ID, waitErr)), nil
		}
		return marshalResult(final)
	}

	// Fire-and-forget callers with a session get told when the run finishes.
	if clientID != "" {
		go s.watchRun(clientID, run.ID)
	}

	return marshalResult(map[string]any{
		"run_id":   run.ID,
		"workflow": run.WorkflowName,
		"version":  run.WorkflowVersion,
		"status":   run.Status,
	})
}

// watchRun waits for the run to finish and notifies the submitting client.
// With a hub wired in, phase and agent events stream to the client while
// the run is in flight.
func (s *ConductorServer) watchRun(clientID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
	defer cancel()

	if s.hub != nil {
		events, unsubscribe, subErr := s.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
		if subErr == nil {
			defer unsubscribe()
			go s.forwardEvents(ctx, clientID, events)
		}
	}

	final, err := s.service.Wait(ctx, runID)
	if err != nil {
		s.logger.Error("run watch failed", "run_id", runID, "error", err.Error())
		return
	}
	payload := map[string]any{
		"event":    "run_finished",
		"run_id":   runID,
		"workflow": final.WorkflowName,
		"status":   final.Status,
	}
	if nErr := s.notifier.Notify(ctx, clientID, payload); nErr != nil {
		s.logger.Error("run notification failed", "run_id", runID, "error", nErr.Error())
	}
}

// forwardEvents relays streamed run events to the client until the
// subscription context ends.
func (s *ConductorServer) forwardEvents(ctx context.Context, clientID string, events <-chan streaming.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload := map[string]any{
				"event":      "run_event",
				"run_id":     evt.RunID,
				"event_type": evt.EventType,
			}
			if evt.Phase != "" {
				payload["phase"] = evt.Phase
			}
			if evt.AgentID != "" {
				payload["agent_id"] = evt.AgentID
			}
			if nErr := s.notifier.Notify(ctx, clientID, payload); nErr != nil {
				s.logger.Debug("event notification failed", "run_id", evt.RunID, "error", nErr.Error())
			}
		}
	}
}

// handleStatus returns the current state of a run.
func (s *ConductorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snapshot, statusErr := s.service.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(snapshot)
}

// handleCancel cancels an active run.
func (s *ConductorServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	if cancelErr := s.service.Cancel(ctx, runID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"reason": reason,
	})
}

// handleDefine registers a workflow definition.
func (s *ConductorServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// JSON is a YAML subset, so the object goes through the same strict
	// parse and validation path as workflow files.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	def, parseErr := s.loader.Parse(defBytes)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", parseErr)), nil
	}

	description := req.GetString("description", "")
	if description == "" {
		if d, ok := def.Metadata["description"].(string); ok {
			description = d
		}
	}

	if storeErr := s.store.StoreWorkflow(ctx, &store.StoredWorkflow{
		Name:        def.Name,
		Version:     def.Version,
		Description: description,
		Definition:  *def,
		SourcePath:  "mcp",
	}); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"name":    def.Name,
		"version": def.Version,
		"phases":  len(def.Phases),
	})
}

// handleTrigger manages cron triggers.
func (s *ConductorServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		workflowName := req.GetString("workflow_name", "")
		cronExpr := req.GetString("cron", "")
		if workflowName == "" || cronExpr == "" {
			return mcp.NewToolResultError("create requires workflow_name and cron"), nil
		}
		trg := &store.Trigger{
			WorkflowName:   workflowName,
			CronExpression: cronExpr,
			Enabled:        true,
		}
		if inputs := mcp.ParseStringMap(req, "inputs", nil); inputs != nil {
			raw, mErr := json.Marshal(inputs)
			if mErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid inputs: %v", mErr)), nil
			}
			trg.Inputs = raw
		}
		if regErr := s.triggers.RegisterTrigger(ctx, trg); regErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create trigger: %v", regErr)), nil
		}
		return marshalResult(map[string]any{
			"trigger_id":  trg.ID,
			"workflow":    trg.WorkflowName,
			"cron":        trg.CronExpression,
			"next_run_at": trg.NextRunAt,
		})

	case "enable", "disable":
		triggerID := req.GetString("trigger_id", "")
		if triggerID == "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s requires trigger_id", action)), nil
		}
		if setErr := s.triggers.SetEnabled(ctx, triggerID, action == "enable"); setErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to %s trigger: %v", action, setErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "trigger_id": triggerID, "enabled": action == "enable"})

	case "delete":
		triggerID := req.GetString("trigger_id", "")
		if triggerID == "" {
			return mcp.NewToolResultError("delete requires trigger_id"), nil
		}
		if delErr := s.triggers.RemoveTrigger(ctx, triggerID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete trigger: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "trigger_id": triggerID})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleQuery lists runs, workflows, triggers, or events based on filters.
func (s *ConductorServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ConductorServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if name, ok := filter["workflow_name"].(string); ok {
		rf.WorkflowName = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *ConductorServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if name, ok := filter["name"].(string); ok {
		wf.Name = name
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *ConductorServer) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TriggerFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &enabled
	}
	if name, ok := filter["workflow_name"].(string); ok {
		tf.WorkflowName = name
	}

	triggers, err := s.triggers.ListTriggers(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

func (s *ConductorServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if ef.EventType != "" {
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *ConductorServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
