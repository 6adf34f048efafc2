package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbook/internal/diagram"
	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

// waitPollInterval is how often playbook.trigger with wait polls the store.
var waitPollInterval = 100 * time.Millisecond

// handleTrigger starts an execution of the active playbook version.
func (s *PlaybookServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	playbookID, err := req.RequireString("playbook_id")
	if err != nil {
		return mcp.NewToolResultError("playbook_id is required"), nil
	}
	customerID, err := req.RequireString("customer_id")
	if err != nil {
		return mcp.NewToolResultError("customer_id is required"), nil
	}

	id, trigErr := s.orch.Trigger(ctx, engine.TriggerRequest{
		PlaybookID: playbookID,
		CustomerID: customerID,
		Context:    mcp.ParseStringMap(req, "context", nil),
	})
	if trigErr != nil {
		return toolError("trigger failed", trigErr), nil
	}

	if req.GetBool("notify", false) {
		s.watchExecution(ctx, id)
	}

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{
			"execution_id": id,
			"status":       schema.ExecutionStatusPending,
		})
	}

	exec, waitErr := s.waitTerminal(ctx, id)
	if waitErr != nil {
		return toolError("wait failed", waitErr), nil
	}
	return marshalResult(exec)
}

// handleStatus returns the current state of an execution.
func (s *PlaybookServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, statusErr := s.orch.Status(ctx, executionID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(exec)
}

// handleCancel aborts a running execution.
func (s *PlaybookServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.orch.Cancel(ctx, executionID); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleDefine stores a new draft version and optionally activates it.
func (s *PlaybookServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw []byte
	if defRaw := mcp.ParseStringMap(req, "definition", nil); defRaw != nil {
		b, marshalErr := json.Marshal(defRaw)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
		}
		raw = b
	} else if src := req.GetString("source", ""); src != "" {
		raw = []byte(src)
	} else {
		return mcp.NewToolResultError("definition or source is required"), nil
	}

	def, parseErr := schema.ParsePlaybook(raw)
	if parseErr != nil {
		return toolError("invalid definition", parseErr), nil
	}

	var stored *schema.PlaybookDefinition
	var defErr error
	if req.GetBool("activate", false) {
		stored, defErr = s.catalog.DefineAndActivate(ctx, def)
	} else {
		stored, defErr = s.catalog.Define(ctx, def)
	}
	if defErr != nil {
		return toolError("define failed", defErr), nil
	}

	return marshalResult(map[string]any{
		"playbook_id": stored.ID,
		"version":     stored.Version,
		"status":      stored.Status,
		"digest":      stored.Digest,
	})
}

// handleArchive retires a playbook version.
func (s *PlaybookServer) handleArchive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	playbookID, err := req.RequireString("playbook_id")
	if err != nil {
		return mcp.NewToolResultError("playbook_id is required"), nil
	}
	version, err := req.RequireInt("version")
	if err != nil || version <= 0 {
		return mcp.NewToolResultError("version must be a positive integer"), nil
	}

	if archErr := s.catalog.Archive(ctx, playbookID, version); archErr != nil {
		return toolError("archive failed", archErr), nil
	}
	return marshalResult(map[string]any{
		"playbook_id": playbookID,
		"version":     version,
		"status":      schema.PlaybookStatusArchived,
	})
}

// handleSchedule registers a cron trigger.
func (s *PlaybookServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	playbookID, err := req.RequireString("playbook_id")
	if err != nil {
		return mcp.NewToolResultError("playbook_id is required"), nil
	}
	customerID, err := req.RequireString("customer_id")
	if err != nil {
		return mcp.NewToolResultError("customer_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	trig := &store.ScheduledTrigger{
		PlaybookID:     playbookID,
		CustomerID:     customerID,
		CronExpression: cronExpr,
		Context:        mcp.ParseStringMap(req, "context", nil),
		Enabled:        true,
	}
	if regErr := s.scheduler.Register(ctx, trig); regErr != nil {
		return toolError("schedule failed", regErr), nil
	}
	return marshalResult(trig)
}

// handleQuery lists executions, events, playbooks, tasks or triggers.
func (s *PlaybookServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "playbooks":
		return s.queryPlaybooks(ctx, filter)
	case "tasks":
		return s.queryTasks(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *PlaybookServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		PlaybookID: extractString(filter, "playbook_id"),
		CustomerID: extractString(filter, "customer_id"),
		Status:     schema.ExecutionStatus(extractString(filter, "status")),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}

	execs, total, err := s.orch.List(ctx, ef)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"executions": execs, "total": total})
}

func (s *PlaybookServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event log is not available"), nil
	}
	ef := store.EventFilter{
		ExecutionID: extractString(filter, "execution_id"),
		StepID:      extractString(filter, "step_id"),
		Limit:       extractInt(filter, "limit", 100),
	}
	if since := extractString(filter, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType := extractString(filter, "event_type"); eventType != "" {
		events, err := s.events.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	events, err := s.events.GetEvents(ctx, ef.ExecutionID, int64(extractInt(filter, "after_sequence", 0)))
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *PlaybookServer) queryPlaybooks(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	defs, err := s.catalog.List(ctx, store.PlaybookFilter{
		ID:     extractString(filter, "playbook_id"),
		Status: schema.PlaybookStatus(extractString(filter, "status")),
		Limit:  extractInt(filter, "limit", 50),
	})
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"playbooks": defs})
}

func (s *PlaybookServer) queryTasks(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.tasks == nil {
		return mcp.NewToolResultError("task store is not available"), nil
	}
	tasks, err := s.tasks.ListTasks(ctx, store.TaskFilter{
		CustomerID:  extractString(filter, "customer_id"),
		ExecutionID: extractString(filter, "execution_id"),
		Status:      extractString(filter, "status"),
		Limit:       extractInt(filter, "limit", 50),
	})
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

func (s *PlaybookServer) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return mcp.NewToolResultError("trigger store is not available"), nil
	}
	enabledOnly, _ := filter["enabled"].(bool)
	triggers, err := s.triggers.ListTriggers(ctx, enabledOnly)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if pb := extractString(filter, "playbook_id"); pb != "" {
		kept := triggers[:0]
		for _, t := range triggers {
			if t.PlaybookID == pb {
				kept = append(kept, t)
			}
		}
		triggers = kept
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// handleDiagram renders a playbook graph, overlaid with step outcomes when an
// execution is given.
func (s *PlaybookServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}

	playbookID := req.GetString("playbook_id", "")
	version := req.GetInt("version", 0)
	executionID := req.GetString("execution_id", "")
	if playbookID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of playbook_id or execution_id is required"), nil
	}

	var exec *schema.Execution
	if executionID != "" {
		exec, err = s.orch.Status(ctx, executionID)
		if err != nil {
			return toolError("execution lookup failed", err), nil
		}
		playbookID, version = exec.PlaybookID, exec.PlaybookVersion
	}

	def, err := s.catalog.Get(ctx, playbookID, version)
	if err != nil {
		return toolError("playbook lookup failed", err), nil
	}
	model, err := diagram.Build(def, exec)
	if err != nil {
		return toolError("diagram build failed", err), nil
	}

	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Internal helpers ---

// waitTerminal polls until the execution is terminal or ctx is done.
func (s *PlaybookServer) waitTerminal(ctx context.Context, id string) (*schema.Execution, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		exec, err := s.orch.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchExecution maps the execution to the caller's session for completion
// notifications.
func (s *PlaybookServer) watchExecution(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(executionID, session.SessionID())
	}
}

// toolError renders err as a tool error. PlaybookError messages already carry
// their code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

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

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
