// Package mcp implements the Model Context Protocol server core: JSON-RPC
// 2.0 framing, session lifecycle, the tool registry with JSON-Schema
// argument validation, and method dispatch.
//
// Transports are adapters over Engine.Handle: every transport delivers a
// complete JSON-RPC message and writes back whatever Handle returns, so
// protocol behavior cannot diverge between stdio, WebSocket, and HTTP.
package mcp

import (
	"bytes"
	"encoding/json"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string { return e.Message }

// NewRPCError builds an error object.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Notification is a server-initiated JSON-RPC message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// successResponse serializes a result for the given request id.
func successResponse(id json.RawMessage, result any) []byte {
	out, err := json.Marshal(Response{JSONRPC: "2.0", Result: result, ID: normalizeID(id)})
	if err != nil {
		return errorResponse(id, NewRPCError(CodeInternalError, "encode response: "+err.Error()))
	}
	return out
}

// errorResponse serializes an error for the given request id.
func errorResponse(id json.RawMessage, rpcErr *RPCError) []byte {
	out, _ := json.Marshal(Response{JSONRPC: "2.0", Error: rpcErr, ID: normalizeID(id)}) //nolint:errcheck
	return out
}

// normalizeID maps a missing id to explicit null so the response always
// carries the id member.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
