package browser

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/entrhq/browserd/pkg/agent/tools"
)

// maxNoopWait bounds browser_noop waits, in milliseconds.
const maxNoopWait = 60000

// NoopTool waits without acting, letting the page finish loading or
// animating, and returns a fresh observation.
type NoopTool struct {
	stepper Stepper
	timeout time.Duration
}

// NewNoopTool creates a new noop tool.
func NewNoopTool(stepper Stepper, timeout time.Duration) *NoopTool {
	return &NoopTool{
		stepper: stepper,
		timeout: timeout,
	}
}

// Name returns the tool name.
func (t *NoopTool) Name() string {
	return "browser_noop"
}

// Description returns the tool description.
func (t *NoopTool) Description() string {
	return "Do nothing for a while, then observe the page again. Useful for waiting for dynamic content or loading indicators."
}

// Schema returns the tool's JSON schema.
func (t *NoopTool) Schema() map[string]interface{} {
	return tools.BaseToolSchema(
		map[string]interface{}{
			"wait_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Time to wait in milliseconds. Default: 1000",
			},
		},
		nil,
	)
}

// Execute waits and observes.
func (t *NoopTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	var input struct {
		XMLName xml.Name `xml:"arguments"`
		WaitMS  *int     `xml:"wait_ms"`
	}
	if err := tools.UnmarshalXMLWithFallback(argsXML, &input); err != nil {
		return "", nil, fmt.Errorf("invalid parameters: %w", err)
	}

	wait := DefaultNoopWait
	if input.WaitMS != nil {
		if *input.WaitMS < 0 || *input.WaitMS > maxNoopWait {
			return "", nil, fmt.Errorf("wait_ms must be between 0 and %d milliseconds (1 minute)", maxNoopWait)
		}
		wait = *input.WaitMS
	}

	// The wait happens inside the worker, so the step deadline must cover it.
	timeout := t.timeout
	if timeout > 0 {
		timeout += time.Duration(wait) * time.Millisecond
	}
	return runAction(ctx, t.stepper, timeout, NoopAction(wait))
}

// NoopAction returns the action string that waits waitMS milliseconds.
func NoopAction(waitMS int) string {
	return Action{Name: "noop", Args: []interface{}{float64(waitMS)}}.String()
}
