package mcp

import (
	"encoding/json"

	"evalgo.org/lares/models"
)

// Content is one item in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// ToolResult is the result payload of a tools/call. Application-level
// failures travel here with IsError set and the error taxonomy fields
// populated; they are never JSON-RPC protocol errors.
type ToolResult struct {
	Content []Content        `json:"content"`
	IsError bool             `json:"isError"`
	Kind    models.ErrorKind `json:"kind,omitempty"`
	Message string           `json:"message,omitempty"`
	Details map[string]any   `json:"details,omitempty"`

	// Changed reports whether a mutating tool actually changed anything;
	// idempotent re-runs return false.
	Changed *bool `json:"changed,omitempty"`
}

// TextResult wraps plain text.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// JSONResult wraps a structured payload. The payload is also rendered as a
// text content item for clients that only consume text.
func JSONResult(data any) *ToolResult {
	text, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return TextResult("unencodable result")
	}
	return &ToolResult{Content: []Content{
		{Type: "json", Data: data},
		{Type: "text", Text: string(text)},
	}}
}

// ErrorResult converts a tool error into a result payload.
func ErrorResult(te *models.ToolError) *ToolResult {
	return &ToolResult{
		Content: []Content{{Type: "json", Data: te}},
		IsError: true,
		Kind:    te.Kind,
		Message: te.Message,
		Details: te.Details,
	}
}

// WithChanged annotates the result with the changed flag.
func (r *ToolResult) WithChanged(changed bool) *ToolResult {
	r.Changed = &changed
	return r
}
