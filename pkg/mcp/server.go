package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
)

// TriggerRegistrar registers cron triggers. Satisfied by *scheduler.Scheduler.
type TriggerRegistrar interface {
	Register(ctx context.Context, trig *store.ScheduledTrigger) error
}

// ServerDeps holds the dependencies for creating a PlaybookServer.
// Tasks, Triggers, Scheduler and Hub are optional.
type ServerDeps struct {
	Orchestrator engine.Orchestrator
	Catalog      *engine.Catalog
	Events       store.EventStore
	Tasks        store.TaskStore
	Triggers     store.TriggerStore
	Scheduler    TriggerRegistrar
	Hub          streaming.EventHub
	Logger       *slog.Logger
}

// PlaybookServer wraps an MCP server with the playbook tool handlers.
type PlaybookServer struct {
	orch      engine.Orchestrator
	catalog   *engine.Catalog
	events    store.EventStore
	tasks     store.TaskStore
	triggers  store.TriggerStore
	scheduler TriggerRegistrar
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewPlaybookServer creates a PlaybookServer with every tool registered.
func NewPlaybookServer(deps ServerDeps) *PlaybookServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &PlaybookServer{
		orch:      deps.Orchestrator,
		catalog:   deps.Catalog,
		events:    deps.Events,
		tasks:     deps.Tasks,
		triggers:  deps.Triggers,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"playbook",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Playbook runs customer-success playbooks. Use playbook.define to register (and optionally activate) a playbook version, playbook.trigger to start an execution for a customer, playbook.status to poll it, playbook.cancel to abort it, playbook.schedule to run it on a cron schedule, playbook.query to list executions/events/playbooks/tasks/triggers, and playbook.archive to retire a version."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Completion notifications are forwarded while it runs.
func (s *PlaybookServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewCompletionNotifier(s.mcpServer, s.sessions, s.hub, s.logger)
		if err := notifier.Start(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PlaybookServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PlaybookServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: archiveTool(), Handler: s.handleArchive},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("playbook.trigger",
		mcp.WithDescription("Start an execution of the active version of a playbook for a customer"),
		mcp.WithString("playbook_id", mcp.Required(), mcp.Description("ID of the playbook to run")),
		mcp.WithString("customer_id", mcp.Required(), mcp.Description("Customer the execution runs for")),
		mcp.WithObject("context", mcp.Description("Execution context made available to steps")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution is terminal and return it (default: false)")),
		mcp.WithBoolean("notify", mcp.Description("Push a notification to this session when the execution finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("playbook.status",
		mcp.WithDescription("Get the current state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("playbook.cancel",
		mcp.WithDescription("Abort a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("playbook.query",
		mcp.WithDescription("Query executions, events, playbooks, tasks, or triggers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "playbooks", "tasks", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (playbook_id, customer_id, status, execution_id, event_type, since, limit, offset, enabled)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("playbook.define",
		mcp.WithDescription("Register a new playbook version as a draft"),
		mcp.WithObject("definition", mcp.Description("Playbook definition object")),
		mcp.WithString("source", mcp.Description("Playbook definition as YAML or JSON text (alternative to definition)")),
		mcp.WithBoolean("activate", mcp.Description("Validate and activate the new version, archiving the previous active one")),
	)
}

func archiveTool() mcp.Tool {
	return mcp.NewTool("playbook.archive",
		mcp.WithDescription("Archive a playbook version so it can no longer be triggered"),
		mcp.WithString("playbook_id", mcp.Required(), mcp.Description("ID of the playbook")),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Version to archive")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("playbook.schedule",
		mcp.WithDescription("Run a playbook for a customer on a cron schedule"),
		mcp.WithString("playbook_id", mcp.Required(), mcp.Description("ID of the playbook")),
		mcp.WithString("customer_id", mcp.Required(), mcp.Description("Customer the executions run for")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @daily")),
		mcp.WithObject("context", mcp.Description("Execution context passed to every run")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("playbook.diagram",
		mcp.WithDescription("Render the step graph of a playbook as ASCII art or a Mermaid flowchart"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format"),
		),
		mcp.WithString("playbook_id", mcp.Description("Playbook to render")),
		mcp.WithNumber("version", mcp.Description("Playbook version (default: the active one)")),
		mcp.WithString("execution_id", mcp.Description("Render the version this execution ran, with each step's outcome")),
	)
}
