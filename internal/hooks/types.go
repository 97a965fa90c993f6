// Package hooks provides the typed event bus of the agent runtime. Components
// emit lifecycle events; handlers subscribe with a priority, an optional
// predicate, a timeout and an error policy.
package hooks

import (
	"context"
	"time"
)

// EventType identifies the category of hook event.
type EventType string

const (
	// Agent lifecycle events.
	EventAgentBeforeRun       EventType = "agent.before_run"
	EventAgentAfterRun        EventType = "agent.after_run"
	EventAgentBeforeIteration EventType = "agent.before_iteration"
	EventAgentAfterIteration  EventType = "agent.after_iteration"

	// Tool execution events.
	EventToolsBeforeExecute EventType = "tools.before_execute"
	EventToolsAfterExecute  EventType = "tools.after_execute"
	EventToolRegisterBefore EventType = "tools.register_before"
	EventToolRegisterAfter  EventType = "tools.register_after"

	// Prompt and LLM lifecycle events, used by debugging front-ends.
	EventPromptBeforeCall EventType = "prompt.before_call"
	EventPromptAfterCall  EventType = "prompt.after_call"
	EventLLMBeforeRequest EventType = "llm.before_request"
	EventLLMAfterRequest  EventType = "llm.after_request"
)

// ErrorPolicy decides what a handler failure (error, panic or timeout) does
// to the emitting operation.
type ErrorPolicy string

const (
	// FailClose aborts the emitting operation on handler failure.
	FailClose ErrorPolicy = "fail_close"
	// FailOpen logs the failure and continues with the next handler.
	FailOpen ErrorPolicy = "fail_open"
)

// Event carries one emission through the bus.
type Event struct {
	// Type is the event category.
	Type EventType `json:"type"`

	// Component names the emitting component (agent, tools, prompt, llm).
	Component string `json:"component,omitempty"`

	// SessionID identifies the session this event relates to, when any.
	SessionID string `json:"session_id,omitempty"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data holds event-specific payload.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with the timestamp set.
func NewEvent(eventType EventType, component string) *Event {
	return &Event{
		Type:      eventType,
		Component: component,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// With adds one payload entry to the event.
func (e *Event) With(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// WithSession sets the session id on the event.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// Result is what a handler returns. A zero Result means continue normally.
type Result struct {
	// StopPropagation halts subsequent handlers for this emission.
	StopPropagation bool
	// Data is merged into the event payload for handlers that run later.
	Data map[string]any
}

// Handler processes one event. Returning a non-nil error is a failure
// interpreted under the registration's error policy.
type Handler func(ctx context.Context, event *Event) (Result, error)

// Predicate gates a handler per emission; the handler is skipped when the
// predicate returns false.
type Predicate func(event *Event) bool

// Registration is one subscribed handler.
type Registration struct {
	// ID uniquely identifies this registration for Unregister.
	ID string

	// Event is the event type this handler listens for.
	Event EventType

	// Handler is the function to call.
	Handler Handler

	// Priority orders handlers: higher priority runs first.
	Priority int

	// When optionally gates the handler per emission.
	When Predicate

	// Timeout bounds one handler invocation; 0 uses the bus default.
	Timeout time.Duration

	// Policy decides what a failure does to the emitting operation.
	Policy ErrorPolicy

	// Name is a human-readable label for logs.
	Name string
}
