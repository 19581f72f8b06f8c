package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/urbanpulse/conductor/internal/definition"
	"github.com/urbanpulse/conductor/internal/engine"
	"github.com/urbanpulse/conductor/internal/orchestrator"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/internal/streaming"
)

// RunService is the orchestrator surface the tool handlers use.
// Satisfied by *orchestrator.Service.
type RunService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*store.Run, error)
	Wait(ctx context.Context, runID string) (*store.Run, error)
	Status(ctx context.Context, runID string) (*engine.RunSnapshot, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// TriggerService is the scheduler surface the tool handlers use.
// Satisfied by *scheduler.Scheduler.
type TriggerService interface {
	RegisterTrigger(ctx context.Context, trg *store.Trigger) error
	SetEnabled(ctx context.Context, triggerID string, enabled bool) error
	RemoveTrigger(ctx context.Context, triggerID string) error
	ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error)
}

// ConductorServerDeps holds the dependencies for creating a ConductorServer.
// Hub is optional; without it run watchers only get the final notification.
type ConductorServerDeps struct {
	Service  RunService
	Store    store.Store
	Triggers TriggerService
	Loader   *definition.Loader
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// ConductorServer wraps an MCP server with conductor-specific tool handlers.
type ConductorServer struct {
	service   RunService
	store     store.Store
	triggers  TriggerService
	loader    *definition.Loader
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ClientNotifier
	mcpServer *server.MCPServer
}

// NewConductorServer creates a new ConductorServer with all 6 tools registered.
func NewConductorServer(deps ConductorServerDeps) *ConductorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConductorServer{
		service:  deps.Service,
		store:    deps.Store,
		triggers: deps.Triggers,
		loader:   deps.Loader,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"conductor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conductor orchestrates multi-agent data workflows. Use conductor.run to launch workflows, conductor.status to inspect a run, conductor.cancel to stop one, conductor.define to register workflow definitions, conductor.trigger to manage cron triggers, and conductor.query to list runs/workflows/triggers/events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConductorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConductorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *ConductorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("conductor.run",
		mcp.WithDescription("Launch a run of a registered workflow"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name of the workflow to run")),
		mcp.WithString("version", mcp.Description("Workflow version (default: latest)")),
		mcp.WithObject("inputs", mcp.Description("Input values for the run")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes (default: false)")),
		mcp.WithString("client_id", mcp.Description("Caller ID used for completion notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conductor.status",
		mcp.WithDescription("Get the phase and agent state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conductor.cancel",
		mcp.WithDescription("Cancel an active run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is being cancelled")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("conductor.define",
		mcp.WithDescription("Register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (same shape as the YAML files)")),
		mcp.WithString("description", mcp.Description("Human-readable description")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("conductor.trigger",
		mcp.WithDescription("Manage cron triggers for workflows"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "delete"),
			mcp.Description("Trigger operation to perform"),
		),
		mcp.WithString("trigger_id", mcp.Description("Trigger ID (required for enable/disable/delete)")),
		mcp.WithString("workflow_name", mcp.Description("Workflow to launch (required for create)")),
		mcp.WithString("cron", mcp.Description("Cron expression, 5-field or descriptor (required for create)")),
		mcp.WithObject("inputs", mcp.Description("Input values passed to triggered runs")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("conductor.query",
		mcp.WithDescription("Query runs, workflows, triggers, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "workflows", "triggers", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_name, run_id, event_type, enabled, since, limit)")),
	)
}
