package actions

import (
	"context"
	"encoding/json"
	"time"
)

// StepTypeDelay waits before dependents run.
const StepTypeDelay = "delay"

const delayInputSchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"}
  },
  "required": ["duration"]
}`

// DelayHandler sleeps for the configured duration, honoring cancellation.
type DelayHandler struct{}

func (DelayHandler) Type() string { return StepTypeDelay }

func (DelayHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Wait for a duration before dependent steps run.",
		InputSchema: json.RawMessage(delayInputSchema),
	}
}

func (DelayHandler) Execute(ctx context.Context, req Request) (*Result, error) {
	d, err := req.Parameters.Duration("duration", 0)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return jsonResult(StepTypeDelay, map[string]any{"waited_ms": time.Since(start).Milliseconds()})
}

var _ Handler = DelayHandler{}
