package browser

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/browserd/pkg/agent/tools"
)

// GotoTool navigates the worker's browser to a URL.
type GotoTool struct {
	stepper Stepper
	timeout time.Duration
}

// NewGotoTool creates a new goto tool.
func NewGotoTool(stepper Stepper, timeout time.Duration) *GotoTool {
	return &GotoTool{
		stepper: stepper,
		timeout: timeout,
	}
}

// Name returns the tool name.
func (t *GotoTool) Name() string {
	return "browser_goto"
}

// Description returns the tool description.
func (t *GotoTool) Description() string {
	return "Navigate the browser to a URL. Returns the new page's element tree."
}

// Schema returns the tool's JSON schema.
func (t *GotoTool) Schema() map[string]interface{} {
	return tools.BaseToolSchema(
		map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to navigate to (must include protocol, e.g., https://example.com)",
			},
		},
		[]string{"url"},
	)
}

// GotoInput represents the parameters for navigation.
type GotoInput struct {
	XMLName xml.Name `xml:"arguments"`
	URL     string   `xml:"url"`
}

// Execute navigates to a URL.
func (t *GotoTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	var input GotoInput
	if err := tools.UnmarshalXMLWithFallback(argsXML, &input); err != nil {
		return "", nil, fmt.Errorf("invalid parameters: %w", err)
	}

	url := strings.TrimSpace(input.URL)
	if url == "" {
		return "", nil, fmt.Errorf("URL is required")
	}

	return runAction(ctx, t.stepper, t.timeout, GotoAction(url))
}

// GotoAction returns the action string that opens url.
func GotoAction(url string) string {
	return Action{Name: "goto", Args: []interface{}{url}}.String()
}
