package browser

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/browserd/pkg/agent/tools"
)

// InputTool types text into a form field identified by its bid.
type InputTool struct {
	stepper Stepper
	timeout time.Duration
}

// NewInputTool creates a new input tool.
func NewInputTool(stepper Stepper, timeout time.Duration) *InputTool {
	return &InputTool{
		stepper: stepper,
		timeout: timeout,
	}
}

// Name returns the tool name.
func (t *InputTool) Name() string {
	return "browser_input"
}

// Description returns the tool description.
func (t *InputTool) Description() string {
	return "Replace the content of a text field, identified by its bid, with the given text. An empty text clears the field."
}

// Schema returns the tool's JSON schema.
func (t *InputTool) Schema() map[string]interface{} {
	return tools.BaseToolSchema(
		map[string]interface{}{
			"bid": map[string]interface{}{
				"type":        "string",
				"description": "bid of the field to fill, as listed in the element tree",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Text to type into the field",
			},
		},
		[]string{"bid", "text"},
	)
}

// Execute fills a form field.
func (t *InputTool) Execute(ctx context.Context, argsXML []byte) (string, map[string]interface{}, error) {
	var input struct {
		XMLName xml.Name `xml:"arguments"`
		BID     string   `xml:"bid"`
		Text    string   `xml:"text"`
	}
	if err := tools.UnmarshalXMLWithFallback(argsXML, &input); err != nil {
		return "", nil, fmt.Errorf("invalid parameters: %w", err)
	}

	bid := strings.TrimSpace(input.BID)
	if bid == "" {
		return "", nil, fmt.Errorf("bid is required")
	}
	// Note: text can be empty (clearing a field)

	return runAction(ctx, t.stepper, t.timeout, FillAction(bid, input.Text))
}

// FillAction returns the action string that types text into bid. Quotes in
// text are escaped.
func FillAction(bid, text string) string {
	return Action{Name: "fill", Args: []interface{}{bid, text}}.String()
}
