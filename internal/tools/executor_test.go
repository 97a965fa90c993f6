package tools

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/pkg/models"
)

func newExecWithTools(t *testing.T, descs ...*models.ToolDescriptor) *Executor {
	t.Helper()
	r := NewRegistry()
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register %s: %v", d.Name, err)
		}
	}
	return NewExecutor(r)
}

func TestExecuteSuccess(t *testing.T) {
	e := newExecWithTools(t, echoDescriptor("echo"))
	results, err := e.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
	}, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Status != models.ToolStatusSuccess || r.Content != "hi" || r.CallID != "c1" {
		t.Errorf("result = %+v", r)
	}
}

func TestExecuteNotFound(t *testing.T) {
	e := newExecWithTools(t)
	results, err := e.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "ghost"}}, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != models.ToolStatusNotFound {
		t.Errorf("status = %q, want not_found", results[0].Status)
	}
}

func TestExecuteValidationError(t *testing.T) {
	desc := &models.ToolDescriptor{
		Name:       "typed",
		Parameters: []byte(`{"type":"object","properties":{"n":{"type":"number"}},"required":["n"]}`),
		Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			t.Error("handler invoked despite invalid arguments")
			return nil, nil
		}),
	}
	e := newExecWithTools(t, desc)

	results, err := e.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "typed", Arguments: map[string]any{"n": "not a number"}},
		{ID: "c2", Name: "typed", Arguments: map[string]any{}},
	}, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i, r := range results {
		if r.Status != models.ToolStatusValidationError {
			t.Errorf("result %d status = %q, want validation_error", i, r.Status)
		}
	}
}

func TestExecuteRepairsArgumentText(t *testing.T) {
	e := newExecWithTools(t, echoDescriptor("echo"))
	results, err := e.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "echo", ArgumentsText: `{'text': 'fixed',}`},
	}, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != models.ToolStatusSuccess || results[0].Content != "fixed" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestExecuteTimeout(t *testing.T) {
	desc := &models.ToolDescriptor{
		Name:    "slow",
		Timeout: 30 * time.Millisecond,
		Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	}
	e := newExecWithTools(t, desc)

	start := time.Now()
	results, err := e.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "slow"}}, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != models.ToolStatusTimeout {
		t.Errorf("status = %q, want timeout", results[0].Status)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout did not cut execution short")
	}
}

func TestExecuteCancelled(t *testing.T) {
	desc := &models.ToolDescriptor{
		Name: "waits",
		Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	e := newExecWithTools(t, desc)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	results, err := e.Execute(ctx, []models.ToolCall{{ID: "c1", Name: "waits"}}, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != models.ToolStatusCancelled {
		t.Errorf("status = %q, want cancelled", results[0].Status)
	}
}

func TestExecutePanicBecomesError(t *testing.T) {
	desc := &models.ToolDescriptor{
		Name: "boom",
		Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			panic("kaboom")
		}),
	}
	e := newExecWithTools(t, desc)
	results, err := e.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "boom"}}, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	r := results[0]
	if r.Status != models.ToolStatusError {
		t.Errorf("status = %q, want error", r.Status)
	}
	if r.Content != "panic: kaboom" {
		t.Errorf("content = %q", r.Content)
	}
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32
	desc := &models.ToolDescriptor{
		Name: "tag",
		Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return args["i"], nil
		}),
	}
	e := newExecWithTools(t, desc)

	const n = 8
	calls := make([]models.ToolCall, n)
	for i := range calls {
		calls[i] = models.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      "tag",
			Arguments: map[string]any{"i": fmt.Sprintf("%d", i)},
		}
	}
	results, err := e.Execute(context.Background(), calls, true, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i, r := range results {
		if r.Content != fmt.Sprintf("%d", i) {
			t.Errorf("result %d content = %q, out of order", i, r.Content)
		}
	}
	if p := peak.Load(); p < 2 {
		t.Errorf("peak concurrency = %d, want parallel execution", p)
	}
	if p := peak.Load(); p > DefaultConcurrency {
		t.Errorf("peak concurrency = %d exceeds bound %d", p, DefaultConcurrency)
	}
}

func TestExecuteSinkReceivesResults(t *testing.T) {
	e := newExecWithTools(t, echoDescriptor("echo"))
	var got []models.ToolResult
	_, err := e.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "x"}},
	}, false, func(results []models.ToolResult) { got = results })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 1 || got[0].Content != "x" {
		t.Errorf("sink received %+v", got)
	}
}

func TestExecuteHookFailClose(t *testing.T) {
	r := NewRegistry()
	bus := hooks.NewBus(0, nil)
	wantErr := errors.New("blocked")
	bus.Register(hooks.EventToolsBeforeExecute, func(ctx context.Context, ev *hooks.Event) (hooks.Result, error) {
		return hooks.Result{}, wantErr
	}, hooks.WithPolicy(hooks.FailClose))

	e := NewExecutor(r, WithExecHooks(bus))
	_, err := e.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "echo"}}, false, nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want hook failure", err)
	}
}

func TestNormalizeOutput(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{[]byte("bytes"), "bytes"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{float64(3), "3"},
	}
	for _, tc := range cases {
		if got := normalizeOutput(tc.in); got != tc.want {
			t.Errorf("normalizeOutput(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
