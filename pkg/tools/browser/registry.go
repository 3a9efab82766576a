package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/browserd/pkg/agent/tools"
)

// ToolRegistry builds the browser tools around one Stepper.
type ToolRegistry struct {
	stepper Stepper
	timeout time.Duration
	tools   []tools.Tool
}

// NewToolRegistry creates a browser tool registry. timeout bounds each step;
// zero leaves the deadline to the stepper. The tools are built up front so
// the registry is safe for concurrent use.
func NewToolRegistry(stepper Stepper, timeout time.Duration) *ToolRegistry {
	return &ToolRegistry{
		stepper: stepper,
		timeout: timeout,
		tools: []tools.Tool{
			NewGotoTool(stepper, timeout),
			NewClickTool(stepper, timeout),
			NewInputTool(stepper, timeout),
			NewNoopTool(stepper, timeout),
		},
	}
}

// RegisterTools returns all browser tools. Callers must not modify the
// returned slice.
func (r *ToolRegistry) RegisterTools() []tools.Tool {
	return r.tools
}

// Lookup returns the registered tool called name.
func (r *ToolRegistry) Lookup(name string) (tools.Tool, bool) {
	for _, tool := range r.RegisterTools() {
		if tool.Name() == name {
			return tool, true
		}
	}
	return nil, false
}

// Execute runs the tool named by call.
func (r *ToolRegistry) Execute(ctx context.Context, call *tools.ToolCall) (string, map[string]interface{}, error) {
	if err := tools.ValidateToolCall(call); err != nil {
		return "", nil, err
	}
	tool, ok := r.Lookup(call.ToolName)
	if !ok {
		return "", nil, fmt.Errorf("unknown tool %q", call.ToolName)
	}
	return tool.Execute(ctx, call.GetArgumentsXML())
}

// runAction sends action through stepper and renders the observation for
// the model. An action that failed in the browser is not an error: the
// model sees the error banner and can retry.
func runAction(ctx context.Context, stepper Stepper, timeout time.Duration, action string) (string, map[string]interface{}, error) {
	obs, err := stepper.Step(ctx, action, timeout)
	if err != nil {
		return "", nil, fmt.Errorf("browser action %s failed: %w", action, err)
	}

	metadata := map[string]interface{}{
		"action":       action,
		"url":          obs.URL,
		"title":        obs.Title,
		"action_error": obs.HasActionError(),
	}
	return AgentText(obs), metadata, nil
}
