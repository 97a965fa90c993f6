package models

import (
	"context"
	"encoding/json"
	"time"
)

// ToolCall is one parsed function invocation requested by the assistant.
// IDs are unique within a single assistant turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// ArgumentsText preserves the raw streamed argument JSON before decoding.
	ArgumentsText string `json:"-"`
	// ParseError records a failed argument decode. The executor converts it
	// into a validation_error result instead of invoking the handler.
	ParseError string `json:"-"`
}

// ToolStatus is the outcome classification of one tool invocation.
type ToolStatus string

const (
	ToolStatusSuccess         ToolStatus = "success"
	ToolStatusError           ToolStatus = "error"
	ToolStatusTimeout         ToolStatus = "timeout"
	ToolStatusCancelled       ToolStatus = "cancelled"
	ToolStatusNotFound        ToolStatus = "not_found"
	ToolStatusValidationError ToolStatus = "validation_error"
)

// ToolResult is the normalized outcome of one tool invocation. It is
// serialized into a tool-role message whose ToolCallID links it back to the
// assistant turn that requested it.
type ToolResult struct {
	CallID    string     `json:"call_id"`
	ToolName  string     `json:"tool_name"`
	Status    ToolStatus `json:"status"`
	Content   string     `json:"content"`
	ErrorType string     `json:"error_type,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r ToolResult) OK() bool {
	return r.Status == ToolStatusSuccess
}

// ToolHandler executes one tool invocation with already-validated arguments.
// The returned value is normalized to string content by the executor.
type ToolHandler interface {
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ToolHandlerFunc adapts a plain function to the ToolHandler interface.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Call implements ToolHandler.
func (f ToolHandlerFunc) Call(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// ToolDescriptor is the normalized registration record for a callable tool.
// Whatever shape a tool is written in, registration reduces it to this.
type ToolDescriptor struct {
	Name        string
	Description string
	// Parameters is a JSON-Schema object describing the argument shape.
	Parameters json.RawMessage
	Handler    ToolHandler
	// IsAsync marks handlers that are safe to run directly on the calling
	// goroutine; synchronous handlers go through the executor's worker slot.
	IsAsync bool
	// Timeout overrides the executor's default per-call timeout when > 0.
	Timeout time.Duration
}

// ToolSchema is the OpenAI-compatible wire form of a tool definition.
type ToolSchema struct {
	Type     string             `json:"type"`
	Function ToolSchemaFunction `json:"function"`
}

// ToolSchemaFunction carries the function body of a wire tool definition.
type ToolSchemaFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Schema renders the descriptor in wire form.
func (d *ToolDescriptor) Schema() ToolSchema {
	params := d.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return ToolSchema{
		Type: "function",
		Function: ToolSchemaFunction{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}
}
