package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// terminalEvents end an execution.
var terminalEvents = []string{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionTimedOut,
	schema.EventExecutionCancelled,
}

// NotificationSender pushes a notification to one client session.
// Satisfied by *server.MCPServer.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// CompletionNotifier forwards terminal execution events to the session that
// asked to be notified.
type CompletionNotifier struct {
	sender   NotificationSender
	sessions *SessionRegistry
	hub      streaming.EventHub
	logger   *slog.Logger
}

// NewCompletionNotifier creates a notifier. It does nothing until Start.
func NewCompletionNotifier(sender NotificationSender, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *CompletionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionNotifier{sender: sender, sessions: sessions, hub: hub, logger: logger}
}

// Start subscribes to the hub and forwards events until ctx is done.
func (n *CompletionNotifier) Start(ctx context.Context) error {
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: terminalEvents})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := n.Notify(ev); err != nil {
					n.logger.Warn("completion notification failed",
						slog.String("execution_id", ev.ExecutionID),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Notify sends ev to the watching session. Best-effort: returns nil if no
// session is watching.
func (n *CompletionNotifier) Notify(ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return nil
	}
	n.sessions.Release(ev.ExecutionID)

	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "playbook",
		"data": map[string]any{
			"execution_id": ev.ExecutionID,
			"playbook_id":  ev.PlaybookID,
			"customer_id":  ev.CustomerID,
			"event_type":   ev.EventType,
			"payload":      ev.Payload,
			"timestamp":    ev.Timestamp,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between watch and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
