package mcp

import (
	"context"
	"errors"
	"fmt"

	"evalgo.org/lares/models"
)

// SideEffect declares how invasive a tool is. Destructive tools require an
// explicit confirm argument before their handler runs.
type SideEffect string

const (
	EffectRead        SideEffect = "read"
	EffectMutate      SideEffect = "mutate"
	EffectDestructive SideEffect = "destructive"
)

// ProgressFunc lets long-running handlers stream progress notifications to
// the client. A nil-safe no-op is supplied when the transport does not
// stream.
type ProgressFunc func(fraction float64, message string)

// ToolCall is the handler-facing view of one tools/call invocation.
type ToolCall struct {
	Name      string
	Arguments map[string]any
	Progress  ProgressFunc
}

// HandlerFunc executes a tool call. A returned error becomes an
// isError:true result; only panics and encoding failures become protocol
// errors.
type HandlerFunc func(ctx context.Context, call *ToolCall) (*ToolResult, error)

// Tool is one declarative catalog entry.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	SideEffect  SideEffect
	Handler     HandlerFunc
}

// Descriptor is the client-visible shape of a tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Registry is the authoritative tool catalog. It is populated during server
// bootstrap and never mutated while handling requests; listing preserves
// registration order.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Called only during bootstrap; duplicate names and
// nil handlers are wiring bugs.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	if tool.SideEffect == "" {
		tool.SideEffect = EffectRead
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		out = append(out, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// Dispatch validates arguments and invokes the named tool. It returns a
// *RPCError for protocol-level failures (unknown tool, invalid params); all
// handler failures come back as isError results.
func (r *Registry) Dispatch(ctx context.Context, call *ToolCall) (*ToolResult, *RPCError) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return nil, NewRPCError(CodeInvalidParams, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	if call.Progress == nil {
		call.Progress = func(float64, string) {}
	}

	if tool.InputSchema != nil {
		if problems := ValidateSchema(tool.InputSchema, any(call.Arguments)); len(problems) > 0 {
			return nil, NewRPCError(CodeInvalidParams, SchemaSummary(problems))
		}
	}

	if tool.SideEffect == EffectDestructive {
		if confirmed, _ := call.Arguments["confirm"].(bool); !confirmed {
			return nil, NewRPCError(CodeInvalidParams,
				fmt.Sprintf("tool %q is destructive and requires \"confirm\": true", call.Name))
		}
	}

	result, err := tool.Handler(ctx, call)
	if err != nil {
		te := models.AsToolError(err)
		if errors.Is(err, context.Canceled) {
			te = models.NewToolError(models.KindCancelled, "tool %s cancelled", call.Name)
		} else if errors.Is(err, context.DeadlineExceeded) {
			te = models.NewToolError(models.KindTimeout, "tool %s timed out", call.Name)
		}
		return ErrorResult(te), nil
	}
	if result == nil {
		result = TextResult("ok")
	}
	return result, nil
}
