package actions

import (
	"context"
	"encoding/json"
	"net/http"
)

// StepTypeNotification sends a customer or CSM notification through a webhook.
const StepTypeNotification = "notification"

const notificationInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "channel": {"type": "string", "enum": ["email", "slack", "in_app", "sms", "webhook"]},
    "recipient": {"type": "string"},
    "subject": {"type": "string"},
    "message": {"type": "string"},
    "template": {"type": "string"},
    "data": {"type": "object"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "required": ["channel"],
  "anyOf": [{"required": ["message"]}, {"required": ["template"]}]
}`

// NotificationHandler posts the notification to a delivery webhook. The
// receiver deduplicates on the Idempotency-Key header.
type NotificationHandler struct {
	http HTTPConfig
}

// NewNotificationHandler creates a notification handler.
func NewNotificationHandler(cfg HTTPConfig) *NotificationHandler {
	return &NotificationHandler{http: cfg.withDefaults()}
}

func (h *NotificationHandler) Type() string { return StepTypeNotification }

func (h *NotificationHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Deliver a notification (email, slack, in-app, sms, webhook) through the notification webhook.",
		InputSchema: json.RawMessage(notificationInputSchema),
	}
}

func (h *NotificationHandler) Execute(ctx context.Context, req Request) (*Result, error) {
	p := req.Parameters
	target := p.String("url", h.http.NotificationURL)

	payload := map[string]any{
		"execution_id": req.ExecutionID,
		"step_id":      req.StepID,
		"customer_id":  req.CustomerID,
		"channel":      p.String("channel", ""),
		"recipient":    p.String("recipient", ""),
		"subject":      p.String("subject", ""),
		"message":      p.String("message", ""),
		"template":     p.String("template", ""),
		"data":         p.Map("data"),
	}

	resp, err := h.http.do(ctx, StepTypeNotification, httpCall{
		method:         http.MethodPost,
		url:            target,
		headers:        p.Map("headers"),
		body:           payload,
		idempotencyKey: req.IdempotencyKey(),
	})
	if err != nil {
		return nil, err
	}

	return jsonResult(StepTypeNotification, map[string]any{
		"delivered":   true,
		"channel":     payload["channel"],
		"status_code": resp.StatusCode,
		"response":    resp.Body,
	})
}

var _ Handler = (*NotificationHandler)(nil)
