package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// HTTPConfig configures the handlers that call external services.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// NotificationURL is used by notification steps that set no url.
	NotificationURL string
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return c
}

// httpCall is one outbound request.
type httpCall struct {
	method         string
	url            string
	headers        map[string]any
	body           any
	idempotencyKey string
}

type httpResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        any    `json:"body,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

func validateURL(stepType, rawURL string) error {
	if rawURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'url'", stepType)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", stepType, rawURL)
	}
	return nil
}

// do sends the request and classifies the outcome: network errors, 429 and
// 5xx are retryable EXECUTION_ERRORs, other 4xx are NON_RETRYABLE.
func (c HTTPConfig) do(ctx context.Context, stepType string, call httpCall) (*httpResponse, error) {
	if err := validateURL(stepType, call.url); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if call.body != nil {
		b, err := json.Marshal(call.body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: failed to marshal body as JSON", stepType).WithCause(err)
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, call.method, call.url, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: failed to create request", stepType).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if call.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", call.idempotencyKey)
	}
	for k, v := range call.headers {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	start := time.Now()
	resp, err := c.Client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pe := schema.NewErrorf(schema.ErrCodeExecution, "%s: request failed: %v", stepType, err)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			pe.Code = schema.ErrCodeTimeout
		}
		return nil, pe.WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to read response body", stepType).WithCause(err)
	}

	out := &httpResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		DurationMs:  elapsed,
	}
	if len(raw) > 0 {
		var parsed any
		if strings.Contains(out.ContentType, "json") && json.Unmarshal(raw, &parsed) == nil {
			out.Body = parsed
		} else {
			out.Body = string(raw)
		}
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: server returned %d", stepType, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": out.Body})
	case resp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "%s: request rejected with %d", stepType, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": out.Body})
	}
	return out, nil
}
