// Package tools defines the tool contract shared by browserd's agent-facing
// tools and the XML call format models use to invoke them.
package tools

import (
	"context"
	"encoding/xml"
)

// Tool is a capability a model invokes with an XML tool call such as
//
//	<tool>
//	<tool_name>browser_click</tool_name>
//	<arguments><bid>12</bid></arguments>
//	</tool>
type Tool interface {
	// Name is the value of <tool_name>, e.g. "browser_click".
	Name() string

	Description() string

	// Schema is the JSON schema of the <arguments> element.
	Schema() map[string]interface{}

	// Execute runs the tool with the raw <arguments> element and returns the
	// text shown to the model plus optional metadata.
	Execute(ctx context.Context, argumentsXML []byte) (string, map[string]interface{}, error)
}

// Descriptor is the serializable summary of a Tool.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema"`
}

// Describe returns the descriptor of each tool, in order.
func Describe(tools []Tool) []Descriptor {
	out := make([]Descriptor, len(tools))
	for i, t := range tools {
		out[i] = Descriptor{Name: t.Name(), Description: t.Description(), Schema: t.Schema()}
	}
	return out
}

// ToolCall is a parsed <tool> element.
type ToolCall struct {
	XMLName    xml.Name `xml:"tool"`
	ServerName string   `xml:"server_name"`
	ToolName   string   `xml:"tool_name"`
	Arguments  struct {
		InnerXML []byte `xml:",innerxml"`
	} `xml:"arguments"`
}

// GetArgumentsXML re-wraps the call's arguments in an <arguments> element.
func (tc *ToolCall) GetArgumentsXML() []byte {
	out := make([]byte, 0, len(tc.Arguments.InnerXML)+len("<arguments></arguments>"))
	out = append(out, "<arguments>"...)
	out = append(out, tc.Arguments.InnerXML...)
	return append(out, "</arguments>"...)
}

// BaseToolSchema builds an object schema from properties, listing required
// only when it is non-empty.
func BaseToolSchema(properties map[string]interface{}, required []string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
