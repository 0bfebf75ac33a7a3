package models

import "fmt"

// ErrorKind classifies tool-level failures. These are application errors:
// they travel back to MCP clients as successful JSON-RPC responses with
// isError set, never as protocol errors.
type ErrorKind string

const (
	KindUnreachable      ErrorKind = "Unreachable"
	KindAuthFailed       ErrorKind = "AuthFailed"
	KindTimeout          ErrorKind = "Timeout"
	KindRequirementUnmet ErrorKind = "RequirementUnmet"
	KindTemplateError    ErrorKind = "TemplateError"
	KindRemoteFailure    ErrorKind = "RemoteFailure"
	KindStateDrift       ErrorKind = "StateDrift"
	KindBusy             ErrorKind = "Busy"
	KindCancelled        ErrorKind = "Cancelled"
	KindNotFound         ErrorKind = "NotFound"
	KindAlreadyExists    ErrorKind = "AlreadyExists"
)

// ToolError is the structured failure payload for tool calls. Message is a
// single human-readable line; Details carries machine-friendly context.
// Neither may contain credentials or private-key material.
type ToolError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewToolError builds a ToolError with formatted message.
func NewToolError(kind ErrorKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key to the error and returns it.
func (e *ToolError) WithDetail(key string, value any) *ToolError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// AsToolError unwraps err into a *ToolError, or wraps an arbitrary error as
// a RemoteFailure so handlers always surface the taxonomy.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*ToolError); ok {
		return te
	}
	return &ToolError{Kind: KindRemoteFailure, Message: err.Error()}
}
