package agent

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/internal/observability"
	"github.com/opencmit/alphora/internal/prompt"
	"github.com/opencmit/alphora/internal/skills"
	"github.com/opencmit/alphora/internal/stream"
	"github.com/opencmit/alphora/pkg/models"
)

// StepAction labels what one loop iteration did.
type StepAction string

const (
	ActionToolCall      StepAction = "tool_call"
	ActionRespond       StepAction = "respond"
	ActionMaxIterations StepAction = "max_iterations"
)

// Step describes one loop iteration for step-wise callers.
type Step struct {
	Iteration       int                 `json:"iteration"`
	Action          StepAction          `json:"action"`
	Content         string              `json:"content"`
	ToolCalls       []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults     []models.ToolResult `json:"tool_results,omitempty"`
	SkillsActivated []string            `json:"skills_activated,omitempty"`
	IsFinal         bool                `json:"is_final"`
}

// Run drives the loop to completion. Content reaches the client through the
// streamer as it is produced; the return value is empty on normal completion
// and carries the exhaustion notice when the iteration budget runs out. An
// LLM failure aborts the loop, stops the stream with the error message and
// is returned.
func (a *Agent) Run(ctx context.Context, query string) (string, error) {
	return a.run(ctx, query, nil)
}

// RunSteps drives the same loop and records one Step per iteration.
func (a *Agent) RunSteps(ctx context.Context, query string) ([]Step, error) {
	var steps []Step
	_, err := a.run(ctx, query, func(s Step) { steps = append(steps, s) })
	return steps, err
}

func (a *Agent) run(ctx context.Context, query string, observe func(Step)) (string, error) {
	ctx, span := a.tracer.Start(ctx, observability.SpanAgentRun,
		attribute.String("session.id", a.cfg.SessionID),
	)
	defer span.End()

	if err := a.emit(ctx, hooks.EventAgentBeforeRun, map[string]any{"query": query}); err != nil {
		return "", err
	}
	a.logger.Info("agent run started", "query_len", len(query))
	a.mem.AddUser(a.cfg.SessionID, query)

	system := a.runtimeSystemPrompt()
	schema := a.registry.OpenAISchema()

	for i := 1; i <= a.cfg.MaxIterations; i++ {
		ictx, ispan := a.tracer.Start(ctx, observability.SpanAgentIteration,
			attribute.Int("iteration", i),
		)
		step, err := a.iterate(ictx, i, system, schema)
		if err != nil {
			observability.RecordError(ispan, err)
			ispan.End()
			observability.RecordError(span, err)
			a.stopStream(err.Error())
			a.logger.Error("agent run aborted", "iteration", i, "error", err)
			return "", err
		}
		ispan.End()

		a.countIteration(string(step.Action))
		if observe != nil {
			observe(step)
		}
		if step.IsFinal {
			if err := a.emit(ctx, hooks.EventAgentAfterRun, map[string]any{
				"iterations": i, "outcome": "finished",
			}); err != nil {
				return "", err
			}
			a.logger.Info("agent run finished", "iterations", i)
			return "", nil
		}
	}

	a.sendContent(ExhaustionMessage)
	a.mem.AddAssistant(a.cfg.SessionID, ExhaustionMessage)
	a.countIteration(string(ActionMaxIterations))
	if observe != nil {
		observe(Step{
			Iteration: a.cfg.MaxIterations,
			Action:    ActionMaxIterations,
			Content:   ExhaustionMessage,
			IsFinal:   true,
		})
	}
	if err := a.emit(ctx, hooks.EventAgentAfterRun, map[string]any{
		"iterations": a.cfg.MaxIterations, "outcome": "max_iterations",
	}); err != nil {
		return "", err
	}
	a.logger.Warn("agent run exhausted iteration budget", "max_iterations", a.cfg.MaxIterations)
	return ExhaustionMessage, nil
}

func (a *Agent) iterate(ctx context.Context, iteration int, system string, schema []models.ToolSchema) (Step, error) {
	if err := a.emit(ctx, hooks.EventAgentBeforeIteration, map[string]any{"iteration": iteration}); err != nil {
		return Step{}, err
	}

	filter := &taskFinishedFilter{}
	noSave := false
	resp, err := a.prompter.Call(ctx, prompt.CallOptions{
		Stream:              true,
		ContentType:         a.cfg.ContentType,
		Postprocessors:      []stream.Postprocessor{filter},
		EnableThinking:      a.cfg.EnableThinking,
		ForceJSON:           a.cfg.ForceJSON,
		RuntimeSystemPrompt: system,
		Tools:               schema,
		SaveToMemory:        &noSave,
		ExtraBody:           a.cfg.ExtraBody,
	})
	if err != nil {
		return Step{}, err
	}

	if resp.Tool != nil {
		a.mem.AddAssistant(a.cfg.SessionID, resp.Tool.Text, resp.Tool.ToolCalls...)
		results, err := a.executor.Execute(ctx, resp.Tool.ToolCalls, a.cfg.ParallelTools, nil)
		if err != nil {
			return Step{}, err
		}
		a.mem.AddToolResults(a.cfg.SessionID, results)
		if err := a.emit(ctx, hooks.EventAgentAfterIteration, map[string]any{
			"iteration": iteration, "tool_calls": len(results),
		}); err != nil {
			return Step{}, err
		}
		return Step{
			Iteration:       iteration,
			Action:          ActionToolCall,
			Content:         resp.Tool.Text,
			ToolCalls:       resp.Tool.ToolCalls,
			ToolResults:     results,
			SkillsActivated: activatedSkills(resp.Tool.ToolCalls),
		}, nil
	}

	text := resp.Text.Text
	a.mem.AddAssistant(a.cfg.SessionID, text)
	return Step{
		Iteration: iteration,
		Action:    ActionRespond,
		Content:   text,
		IsFinal:   filter.seen,
	}, nil
}

// activatedSkills lists the skills the model loaded through the reader tool
// in one iteration.
func activatedSkills(calls []models.ToolCall) []string {
	var out []string
	for _, call := range calls {
		if call.Name != skills.ToolReadSkill {
			continue
		}
		if name, ok := call.Arguments["name"].(string); ok {
			out = append(out, name)
		}
	}
	return out
}

func (a *Agent) sendContent(content string) {
	if a.streamer == nil {
		return
	}
	ct := a.cfg.ContentType
	if ct == "" {
		ct = models.ContentTypeChar
	}
	a.streamer.Send(ct, content)
}

// stopStream closes the client stream with a terminal reason when the sink
// supports it.
func (a *Agent) stopStream(reason string) {
	if s, ok := a.streamer.(interface{ Stop(string) }); ok {
		s.Stop(reason)
	}
}

func (a *Agent) countIteration(outcome string) {
	if a.metrics == nil {
		return
	}
	a.metrics.AgentIterations.WithLabelValues(outcome).Inc()
}

func (a *Agent) emit(ctx context.Context, event hooks.EventType, data map[string]any) error {
	if a.bus == nil {
		return nil
	}
	ev := hooks.NewEvent(event, "agent").WithSession(a.cfg.SessionID)
	for k, v := range data {
		ev = ev.With(k, v)
	}
	return a.bus.Emit(ctx, ev)
}
