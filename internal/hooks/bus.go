package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHandlerTimeout bounds a handler invocation when neither the
// registration nor the bus configures one.
const DefaultHandlerTimeout = 5 * time.Second

// Bus manages hook registrations and event dispatch.
type Bus struct {
	mu             sync.RWMutex
	handlers       map[EventType][]*Registration
	byID           map[string]*Registration
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewBus creates a hook bus. defaultTimeout <= 0 uses DefaultHandlerTimeout.
func NewBus(defaultTimeout time.Duration, logger *slog.Logger) *Bus {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultHandlerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:       make(map[EventType][]*Registration),
		byID:           make(map[string]*Registration),
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "hooks"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority; higher runs first.
func WithPriority(p int) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithWhen gates the handler with a predicate evaluated per emission.
func WithWhen(pred Predicate) RegisterOption {
	return func(r *Registration) { r.When = pred }
}

// WithTimeout bounds one handler invocation.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *Registration) { r.Timeout = d }
}

// WithPolicy sets the handler's error policy.
func WithPolicy(p ErrorPolicy) RegisterOption {
	return func(r *Registration) { r.Policy = p }
}

// WithName labels the handler for logs.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// Register adds a handler for an event type and returns the registration ID.
func (b *Bus) Register(event EventType, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:      uuid.NewString(),
		Event:   event,
		Handler: handler,
		Policy:  FailOpen,
	}
	for _, opt := range opts {
		opt(reg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[event] = append(b.handlers[event], reg)
	b.byID[reg.ID] = reg

	// Descending priority; registration order breaks ties.
	sort.SliceStable(b.handlers[event], func(i, j int) bool {
		return b.handlers[event][i].Priority > b.handlers[event][j].Priority
	})

	b.logger.Debug("registered hook",
		"id", reg.ID,
		"event", event,
		"name", reg.Name,
		"priority", reg.Priority)

	return reg.ID
}

// Unregister removes a handler by its registration ID.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, exists := b.byID[id]
	if !exists {
		return false
	}
	delete(b.byID, id)

	handlers := b.handlers[reg.Event]
	for i, h := range handlers {
		if h.ID == id {
			b.handlers[reg.Event] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// HandlerCount returns the number of handlers for an event type.
func (b *Bus) HandlerCount(event EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Emit dispatches an event to matching handlers in descending priority order.
// A handler result with StopPropagation halts the emission. A handler
// failure (error, panic or timeout) under FailClose aborts and returns the
// error; under FailOpen it is logged and the emission continues.
func (b *Bus) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	regs := make([]*Registration, len(b.handlers[event.Type]))
	copy(regs, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, reg := range regs {
		if reg.When != nil && !b.evalPredicate(reg, event) {
			continue
		}

		result, err := b.callHandler(ctx, reg, event)
		if err != nil {
			if reg.Policy == FailClose {
				return fmt.Errorf("hook %s on %s: %w", reg.Name, event.Type, err)
			}
			b.logger.Warn("hook handler failed",
				"event", event.Type,
				"handler", reg.Name,
				"id", reg.ID,
				"error", err)
			continue
		}
		for k, v := range result.Data {
			event.With(k, v)
		}
		if result.StopPropagation {
			break
		}
	}
	return nil
}

// evalPredicate runs the registration's predicate, counting a panic as a
// handler failure under the registration's policy (logged here; FailClose
// predicates abort via the false return path being indistinguishable from a
// skip, so the failure is surfaced as a skipped handler plus a warning).
func (b *Bus) evalPredicate(reg *Registration, event *Event) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Warn("hook predicate panicked",
				"event", event.Type,
				"handler", reg.Name,
				"panic", p)
			ok = false
		}
	}()
	return reg.When(event)
}

func (b *Bus) callHandler(ctx context.Context, reg *Registration, event *Event) (Result, error) {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("hook panic: %v\n%s", p, debug.Stack())}
			}
		}()
		result, err := reg.Handler(hctx, event)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("hook timed out after %s", timeout)
	}
}
