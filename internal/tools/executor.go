package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/internal/jsonrepair"
	"github.com/opencmit/alphora/internal/observability"
	"github.com/opencmit/alphora/pkg/models"
)

// ErrNotFound marks handler errors that surface as not_found results
// instead of plain errors. Handlers wrap it when the failure is a missing
// entity rather than a broken invocation.
var ErrNotFound = errors.New("not found")

// DefaultConcurrency bounds parallel tool execution.
const DefaultConcurrency = 4

// DefaultTimeout applies to tools whose descriptor sets none.
const DefaultTimeout = 30 * time.Second

// ResultSink receives results as they are finalized, in input order. The
// agent binds it to session memory.
type ResultSink func(results []models.ToolResult)

// Executor dispatches tool calls against a registry with argument
// validation, per-call timeouts and panic containment.
type Executor struct {
	registry    *Registry
	concurrency int
	timeout     time.Duration

	// compiled caches validated schemas per tool name.
	compiled sync.Map

	bus     *hooks.Bus
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// ExecOption tunes executor construction.
type ExecOption func(*Executor)

// WithConcurrency bounds parallel execution; <= 0 uses the default.
func WithConcurrency(n int) ExecOption {
	return func(e *Executor) { e.concurrency = n }
}

// WithDefaultTimeout sets the fallback per-call timeout.
func WithDefaultTimeout(d time.Duration) ExecOption {
	return func(e *Executor) { e.timeout = d }
}

// WithExecHooks attaches the hook bus for tools.before/after_execute events.
func WithExecHooks(b *hooks.Bus) ExecOption {
	return func(e *Executor) { e.bus = b }
}

// WithMetrics attaches the metric set.
func WithMetrics(m *observability.Metrics) ExecOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer attaches the tracer.
func WithTracer(t *observability.Tracer) ExecOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecLogger sets the executor's logger.
func WithExecLogger(l *slog.Logger) ExecOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecOption) *Executor {
	e := &Executor{
		registry:    registry,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "tool_executor")
	return e
}

// Execute runs the calls and returns one result per call in input order.
// With parallel set, calls run concurrently under the executor's concurrency
// bound; otherwise sequentially. A non-nil sink receives the final result
// slice once complete. The returned error reports only hook fail-close
// aborts, never individual tool failures.
func (e *Executor) Execute(ctx context.Context, calls []models.ToolCall, parallel bool, sink ResultSink) ([]models.ToolResult, error) {
	if err := e.emit(ctx, hooks.EventToolsBeforeExecute, map[string]any{"call_count": len(calls)}); err != nil {
		return nil, err
	}

	results := make([]models.ToolResult, len(calls))
	if parallel && len(calls) > 1 {
		sem := make(chan struct{}, e.concurrency)
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, call models.ToolCall) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[idx] = cancelledResult(call)
					return
				}
				results[idx] = e.executeOne(ctx, call)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			results[i] = e.executeOne(ctx, call)
		}
	}

	if sink != nil {
		sink(results)
	}
	if err := e.emit(ctx, hooks.EventToolsAfterExecute, map[string]any{"call_count": len(calls)}); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, observability.SpanToolExecute,
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	result := e.dispatch(ctx, call)
	e.record(call.Name, result.Status, start)
	if !result.OK() {
		observability.RecordError(span, errors.New(result.Content))
		e.logger.Warn("tool call failed",
			"tool", call.Name, "call_id", call.ID,
			"status", result.Status, "error_type", result.ErrorType)
	}
	return result
}

func (e *Executor) dispatch(ctx context.Context, call models.ToolCall) models.ToolResult {
	desc, ok := e.registry.Get(call.Name)
	if !ok {
		return models.ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Status:   models.ToolStatusNotFound,
			Content:  "tool not found: " + call.Name,
		}
	}

	args, verr := e.resolveArguments(call)
	if verr != "" {
		return models.ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Status:   models.ToolStatusValidationError,
			Content:  verr,
		}
	}
	if err := e.validate(desc, args); err != nil {
		return models.ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Status:   models.ToolStatusValidationError,
			Content:  "invalid arguments: " + err.Error(),
		}
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		value, err := desc.Handler.Call(callCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return cancelledResult(call)
		}
		return models.ToolResult{
			CallID:    call.ID,
			ToolName:  call.Name,
			Status:    models.ToolStatusTimeout,
			Content:   fmt.Sprintf("tool execution timed out after %v", timeout),
			ErrorType: "timeout",
		}
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, ErrNotFound) {
				return models.ToolResult{
					CallID:   call.ID,
					ToolName: call.Name,
					Status:   models.ToolStatusNotFound,
					Content:  out.err.Error(),
				}
			}
			return models.ToolResult{
				CallID:    call.ID,
				ToolName:  call.Name,
				Status:    models.ToolStatusError,
				Content:   out.err.Error(),
				ErrorType: fmt.Sprintf("%T", out.err),
			}
		}
		return models.ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Status:   models.ToolStatusSuccess,
			Content:  normalizeOutput(out.value),
		}
	}
}

// resolveArguments yields the argument map, repairing the raw text when the
// streamed decode failed. A still-unparseable body reports the problem as a
// validation failure message.
func (e *Executor) resolveArguments(call models.ToolCall) (map[string]any, string) {
	if call.Arguments != nil {
		return call.Arguments, ""
	}
	if strings.TrimSpace(call.ArgumentsText) == "" {
		return map[string]any{}, ""
	}
	args, err := jsonrepair.Parse(call.ArgumentsText)
	if err != nil {
		msg := call.ParseError
		if msg == "" {
			msg = err.Error()
		}
		return nil, "unparseable arguments: " + msg
	}
	return args, ""
}

func (e *Executor) validate(desc *models.ToolDescriptor, args map[string]any) error {
	if len(desc.Parameters) == 0 {
		return nil
	}
	sch, err := e.schemaFor(desc)
	if err != nil {
		return err
	}
	// Round-trip through JSON so argument values carry the types the
	// validator expects.
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}

func (e *Executor) schemaFor(desc *models.ToolDescriptor) (*jsonschema.Schema, error) {
	if cached, ok := e.compiled.Load(desc.Name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	url := "alphora://tools/" + desc.Name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(desc.Parameters))); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.compiled.Store(desc.Name, sch)
	return sch, nil
}

func (e *Executor) record(name string, status models.ToolStatus, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(name, string(status)).Inc()
	e.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func (e *Executor) emit(ctx context.Context, event hooks.EventType, data map[string]any) error {
	if e.bus == nil {
		return nil
	}
	ev := hooks.NewEvent(event, "tool_executor")
	for k, v := range data {
		ev = ev.With(k, v)
	}
	return e.bus.Emit(ctx, ev)
}

func cancelledResult(call models.ToolCall) models.ToolResult {
	return models.ToolResult{
		CallID:    call.ID,
		ToolName:  call.Name,
		Status:    models.ToolStatusCancelled,
		Content:   "tool execution cancelled",
		ErrorType: "cancelled",
	}
}

// normalizeOutput reduces a handler's return value to string content.
func normalizeOutput(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return v.Error()
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(body)
	}
}
