package browser

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/browserd/pkg/agent/tools"
)

// ClickTool clicks an element identified by its bid.
type ClickTool struct {
	stepper Stepper
	timeout time.Duration
}

// NewClickTool creates a new click tool.
func NewClickTool(stepper Stepper, timeout time.Duration) *ClickTool {
	return &ClickTool{
		stepper: stepper,
		timeout: timeout,
	}
}

// Name returns the tool name.
func (t *ClickTool) Name() string {
	return "browser_click"
}

// Description returns the tool description.
func (t *ClickTool) Description() string {
	return "Click an element of the current page, identified by the bid shown in the element tree. Supports double clicks and different mouse buttons."
}

// Schema returns the tool's JSON schema.
func (t *ClickTool) Schema() map[string]interface{} {
	return tools.BaseToolSchema(
		map[string]interface{}{
			"bid": map[string]interface{}{
				"type":        "string",
				"description": "bid of the element to click, as listed in the element tree (e.g., '12')",
			},
			"button": map[string]interface{}{
				"type":        "string",
				"description": "Mouse button to use: 'left' (default), 'right', or 'middle'",
			},
			"click_count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of clicks: 1 (default) for single click, 2 for double click",
			},
		},
		[]string{"bid"},
	)
}

// Execute clicks an element.
func (t *ClickTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	var input struct {
		XMLName    xml.Name `xml:"arguments"`
		BID        string   `xml:"bid"`
		Button     string   `xml:"button"`
		ClickCount *int     `xml:"click_count"`
	}
	if err := tools.UnmarshalXMLWithFallback(argsXML, &input); err != nil {
		return "", nil, fmt.Errorf("invalid parameters: %w", err)
	}

	bid := strings.TrimSpace(input.BID)
	if bid == "" {
		return "", nil, fmt.Errorf("bid is required")
	}

	name := "click"
	if input.ClickCount != nil {
		switch *input.ClickCount {
		case 1:
		case 2:
			name = "dblclick"
		default:
			return "", nil, fmt.Errorf("click_count must be 1 or 2")
		}
	}

	action := Action{Name: name, Args: []interface{}{bid}}
	if input.Button != "" {
		validButtons := map[string]bool{
			"left":   true,
			"right":  true,
			"middle": true,
		}
		if !validButtons[input.Button] {
			return "", nil, fmt.Errorf("invalid button: %s (must be 'left', 'right', or 'middle')", input.Button)
		}
		action.Args = append(action.Args, input.Button)
	}

	return runAction(ctx, t.stepper, t.timeout, action.String())
}

