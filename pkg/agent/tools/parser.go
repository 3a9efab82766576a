package tools

import (
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// LocalServer is the server name assumed when a call omits <server_name>.
const LocalServer = "local"

// MaxToolCallSize bounds the text ParseToolCall accepts.
const MaxToolCallSize = 1 << 20

var (
	// ErrNoToolCall is returned when the text holds no <tool> element.
	ErrNoToolCall = errors.New("no tool call found")

	// ErrToolCallTooLarge is returned for text over MaxToolCallSize.
	ErrToolCallTooLarge = errors.New("tool call text too large")
)

var (
	toolCallPattern = regexp.MustCompile(`(?s)<tool>.*?</tool>`)

	// xmlEntityPattern matches ampersands that already start an entity.
	xmlEntityPattern = regexp.MustCompile(`&(?:amp|lt|gt|quot|apos|#\d+|#x[0-9a-fA-F]+);`)
)

// ParseToolCall cuts the first tool call out of a model reply.
//
//	<tool>
//	<tool_name>browser_input</tool_name>
//	<arguments>
//	  <bid>31</bid>
//	  <text><![CDATA[a < b & c]]></text>
//	</arguments>
//	</tool>
//
// It returns the call and the reply text around it.
func ParseToolCall(text string) (*ToolCall, string, error) {
	if len(text) > MaxToolCallSize {
		return nil, text, fmt.Errorf("%w: %d bytes, limit %d", ErrToolCallTooLarge, len(text), MaxToolCallSize)
	}

	loc := toolCallPattern.FindStringIndex(text)
	if loc == nil {
		return nil, text, ErrNoToolCall
	}
	raw := text[loc[0]:loc[1]]

	var call ToolCall
	if err := UnmarshalXMLWithFallback([]byte(raw), &call); err != nil {
		return nil, text, fmt.Errorf("malformed tool call %q: %w", abbreviate(raw, 200), err)
	}
	call.ToolName = strings.TrimSpace(call.ToolName)
	call.ServerName = strings.TrimSpace(call.ServerName)
	if call.ServerName == "" {
		call.ServerName = LocalServer
	}
	if err := ValidateToolCall(&call); err != nil {
		return nil, text, err
	}

	before := strings.TrimSpace(text[:loc[0]])
	after := strings.TrimSpace(text[loc[1]:])
	switch {
	case before == "":
		return &call, after, nil
	case after == "":
		return &call, before, nil
	}
	return &call, before + "\n\n" + after, nil
}

// ValidateToolCall reports a missing tool or server name.
func ValidateToolCall(tc *ToolCall) error {
	switch {
	case tc == nil:
		return errors.New("tool call is nil")
	case tc.ToolName == "":
		return errors.New("tool_name is required")
	case tc.ServerName == "":
		return errors.New("server_name is required")
	}
	return nil
}

// UnmarshalXMLWithFallback decodes data into v. When the first attempt fails
// it retries with bare ampersands escaped, since models rarely escape the
// query strings of URLs.
func UnmarshalXMLWithFallback(data []byte, v interface{}) error {
	if err := xml.Unmarshal(data, v); err == nil {
		return nil
	}
	return xml.Unmarshal(escapeUnescapedAmpersands(data), v)
}

// escapeUnescapedAmpersands rewrites every & that does not start an entity
// as &amp;.
func escapeUnescapedAmpersands(data []byte) []byte {
	entities := xmlEntityPattern.FindAllIndex(data, -1)

	out := make([]byte, 0, len(data)+16)
	next := 0
	for i, c := range data {
		for next < len(entities) && entities[next][0] < i {
			next++
		}
		if c == '&' && (next == len(entities) || entities[next][0] != i) {
			out = append(out, "&amp;"...)
			continue
		}
		out = append(out, c)
	}
	return out
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
