package hooks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEmitPriorityOrder(t *testing.T) {
	bus := NewBus(0, nil)
	var order []string

	bus.Register(EventAgentBeforeRun, func(ctx context.Context, e *Event) (Result, error) {
		order = append(order, "low")
		return Result{}, nil
	}, WithPriority(1), WithName("low"))
	bus.Register(EventAgentBeforeRun, func(ctx context.Context, e *Event) (Result, error) {
		order = append(order, "high")
		return Result{}, nil
	}, WithPriority(10), WithName("high"))

	if err := bus.Emit(context.Background(), NewEvent(EventAgentBeforeRun, "agent")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Errorf("expected [high low], got %v", order)
	}
}

func TestStopPropagation(t *testing.T) {
	bus := NewBus(0, nil)
	var secondRan bool

	bus.Register(EventAgentAfterRun, func(ctx context.Context, e *Event) (Result, error) {
		return Result{StopPropagation: true}, nil
	}, WithPriority(5))
	bus.Register(EventAgentAfterRun, func(ctx context.Context, e *Event) (Result, error) {
		secondRan = true
		return Result{}, nil
	})

	if err := bus.Emit(context.Background(), NewEvent(EventAgentAfterRun, "agent")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if secondRan {
		t.Error("second handler ran despite stop propagation")
	}
}

func TestFailClosePolicyAborts(t *testing.T) {
	bus := NewBus(0, nil)
	wantErr := errors.New("boom")

	bus.Register(EventToolsBeforeExecute, func(ctx context.Context, e *Event) (Result, error) {
		return Result{}, wantErr
	}, WithPolicy(FailClose), WithName("strict"))

	err := bus.Emit(context.Background(), NewEvent(EventToolsBeforeExecute, "tools"))
	if !errors.Is(err, wantErr) {
		t.Errorf("expected wrapped boom error, got %v", err)
	}
}

func TestFailOpenPolicyContinues(t *testing.T) {
	bus := NewBus(0, nil)
	var secondRan bool

	bus.Register(EventToolsAfterExecute, func(ctx context.Context, e *Event) (Result, error) {
		return Result{}, errors.New("ignored")
	}, WithPriority(5), WithPolicy(FailOpen))
	bus.Register(EventToolsAfterExecute, func(ctx context.Context, e *Event) (Result, error) {
		secondRan = true
		return Result{}, nil
	})

	if err := bus.Emit(context.Background(), NewEvent(EventToolsAfterExecute, "tools")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !secondRan {
		t.Error("second handler did not run under fail_open")
	}
}

func TestHandlerTimeout(t *testing.T) {
	bus := NewBus(20*time.Millisecond, nil)

	bus.Register(EventLLMBeforeRequest, func(ctx context.Context, e *Event) (Result, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return Result{}, nil
	}, WithPolicy(FailClose), WithName("slow"))

	err := bus.Emit(context.Background(), NewEvent(EventLLMBeforeRequest, "llm"))
	if err == nil {
		t.Fatal("expected timeout error under fail_close")
	}
}

func TestWhenPredicate(t *testing.T) {
	bus := NewBus(0, nil)
	var ran bool

	bus.Register(EventAgentBeforeIteration, func(ctx context.Context, e *Event) (Result, error) {
		ran = true
		return Result{}, nil
	}, WithWhen(func(e *Event) bool {
		it, _ := e.Data["iteration"].(int)
		return it > 3
	}))

	ev := NewEvent(EventAgentBeforeIteration, "agent").With("iteration", 1)
	if err := bus.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ran {
		t.Error("handler ran despite false predicate")
	}

	ev = NewEvent(EventAgentBeforeIteration, "agent").With("iteration", 5)
	if err := bus.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !ran {
		t.Error("handler did not run for true predicate")
	}
}

func TestResultDataMergesIntoEvent(t *testing.T) {
	bus := NewBus(0, nil)

	bus.Register(EventPromptBeforeCall, func(ctx context.Context, e *Event) (Result, error) {
		return Result{Data: map[string]any{"injected": "yes"}}, nil
	}, WithPriority(5))

	var seen any
	bus.Register(EventPromptBeforeCall, func(ctx context.Context, e *Event) (Result, error) {
		seen = e.Data["injected"]
		return Result{}, nil
	})

	if err := bus.Emit(context.Background(), NewEvent(EventPromptBeforeCall, "prompt")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if seen != "yes" {
		t.Errorf("expected merged data visible to later handler, got %v", seen)
	}
}

func TestUnregister(t *testing.T) {
	bus := NewBus(0, nil)
	var ran bool

	id := bus.Register(EventAgentAfterIteration, func(ctx context.Context, e *Event) (Result, error) {
		ran = true
		return Result{}, nil
	})
	if !bus.Unregister(id) {
		t.Fatal("Unregister returned false for known id")
	}
	if bus.Unregister(id) {
		t.Error("Unregister returned true for removed id")
	}
	if err := bus.Emit(context.Background(), NewEvent(EventAgentAfterIteration, "agent")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ran {
		t.Error("handler ran after unregister")
	}
	if bus.HandlerCount(EventAgentAfterIteration) != 0 {
		t.Errorf("HandlerCount = %d, want 0", bus.HandlerCount(EventAgentAfterIteration))
	}
}

func TestPanicIsFailure(t *testing.T) {
	bus := NewBus(0, nil)

	bus.Register(EventToolRegisterBefore, func(ctx context.Context, e *Event) (Result, error) {
		panic("bad handler")
	}, WithPolicy(FailClose))

	if err := bus.Emit(context.Background(), NewEvent(EventToolRegisterBefore, "tools")); err == nil {
		t.Fatal("expected panic to surface as error under fail_close")
	}
}
