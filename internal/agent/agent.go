// Package agent runs the ReAct loop: prompt the model with the tool schema,
// execute the tool calls it issues, feed the results back, and stop when the
// model signals completion or the iteration budget runs out.
package agent

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/internal/llm"
	"github.com/opencmit/alphora/internal/memory"
	"github.com/opencmit/alphora/internal/observability"
	"github.com/opencmit/alphora/internal/prompt"
	"github.com/opencmit/alphora/internal/sandbox"
	"github.com/opencmit/alphora/internal/skills"
	"github.com/opencmit/alphora/internal/tools"
	"github.com/opencmit/alphora/pkg/models"
)

// TaskFinished is the completion sentinel. The runtime system prompt invites
// the model to emit it; the loop strips it from streamed and stored content.
const TaskFinished = "TASK_FINISHED"

// ExhaustionMessage is streamed and returned when the loop runs out of
// iterations.
const ExhaustionMessage = "Sorry, I could not complete the task within the iteration budget."

// DefaultMaxIterations bounds the loop when the config sets none.
const DefaultMaxIterations = 10

// Config is the agent's explicit value configuration. Derive copies it into
// the child before applying overrides.
type Config struct {
	// SystemPrompt is the base system prompt; empty uses the LLM default.
	SystemPrompt string
	// SessionID names the memory session; empty generates one.
	SessionID string
	// MaxIterations caps loop turns; <= 0 uses the default.
	MaxIterations int
	// MaxRound bounds how much history each prompt carries.
	MaxRound int
	// ParallelTools runs a turn's tool calls concurrently.
	ParallelTools bool
	// EnableThinking accumulates reasoning chunks and forwards them.
	EnableThinking bool
	// ForceJSON constrains final replies to a JSON object.
	ForceJSON bool
	// ContentType tags streamed content chunks; default char.
	ContentType models.ContentType
	// ExtraBody merges vendor-specific fields into every LLM request.
	ExtraBody map[string]any
}

// Agent owns one conversation loop over shared runtime handles.
type Agent struct {
	cfg Config

	client   *llm.Client
	mem      *memory.Memory
	streamer prompt.Sender
	registry *tools.Registry
	executor *tools.Executor
	prompter *prompt.Prompter
	skills   *skills.Manager

	bus     *hooks.Bus
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Option tunes agent construction.
type Option func(*Agent) error

// WithMemory binds a shared session memory.
func WithMemory(m *memory.Memory) Option {
	return func(a *Agent) error { a.mem = m; return nil }
}

// WithStreamer attaches the client-facing chunk sink.
func WithStreamer(s prompt.Sender) Option {
	return func(a *Agent) error { a.streamer = s; return nil }
}

// WithRegistry substitutes the tool registry.
func WithRegistry(r *tools.Registry) Option {
	return func(a *Agent) error { a.registry = r; return nil }
}

// WithTools registers descriptors into the agent's registry.
func WithTools(descs ...*models.ToolDescriptor) Option {
	return func(a *Agent) error {
		for _, desc := range descs {
			if err := a.registry.Register(desc); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithSkills binds a skill manager. In activation mode its reader tools are
// registered; in filesystem mode only the catalogue reaches the prompt.
func WithSkills(m *skills.Manager) Option {
	return func(a *Agent) error {
		a.skills = m
		return m.RegisterTools(a.registry)
	}
}

// WithSandbox registers the sandbox tool surface backed by the capability.
func WithSandbox(sb sandbox.Sandbox) Option {
	return func(a *Agent) error { return sandbox.RegisterTools(a.registry, sb) }
}

// WithHooks attaches the hook bus.
func WithHooks(b *hooks.Bus) Option {
	return func(a *Agent) error { a.bus = b; return nil }
}

// WithMetrics attaches the runtime metric set.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) error { a.metrics = m; return nil }
}

// WithTracer attaches a tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(a *Agent) error { a.tracer = t; return nil }
}

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) error { a.logger = l; return nil }
}

// New builds an agent over the given LLM client.
func New(client *llm.Client, cfg Config, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agent: nil llm client")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	a := &Agent{
		cfg:      cfg,
		client:   client,
		registry: tools.NewRegistry(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.mem == nil {
		a.mem = memory.New()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "agent", "session_id", cfg.SessionID)

	if err := a.rebuild(); err != nil {
		return nil, err
	}
	return a, nil
}

// rebuild wires the executor and prompter from the current handles.
func (a *Agent) rebuild() error {
	a.executor = tools.NewExecutor(a.registry,
		tools.WithExecHooks(a.bus),
		tools.WithMetrics(a.metrics),
		tools.WithTracer(a.tracer),
		tools.WithExecLogger(a.logger),
	)

	p, err := prompt.New(a.client, prompt.Config{
		SystemPrompt: a.baseSystemPrompt(),
		Memory:       a.mem,
		SessionID:    a.cfg.SessionID,
		MaxRound:     a.cfg.MaxRound,
	},
		prompt.WithStreamer(a.streamer),
		prompt.WithHooks(a.bus),
		prompt.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.prompter = p
	return nil
}

// Derive builds a child agent sharing this agent's streamer, memory, tool
// registry and runtime handles. Zero-valued override fields inherit the
// parent's configuration.
func (a *Agent) Derive(overrides Config, opts ...Option) (*Agent, error) {
	cfg := a.cfg
	if overrides.SystemPrompt != "" {
		cfg.SystemPrompt = overrides.SystemPrompt
	}
	if overrides.SessionID != "" {
		cfg.SessionID = overrides.SessionID
	}
	if overrides.MaxIterations > 0 {
		cfg.MaxIterations = overrides.MaxIterations
	}
	if overrides.MaxRound > 0 {
		cfg.MaxRound = overrides.MaxRound
	}
	if overrides.ParallelTools {
		cfg.ParallelTools = true
	}
	if overrides.EnableThinking {
		cfg.EnableThinking = true
	}
	if overrides.ForceJSON {
		cfg.ForceJSON = true
	}
	if overrides.ContentType != "" {
		cfg.ContentType = overrides.ContentType
	}
	if overrides.ExtraBody != nil {
		cfg.ExtraBody = overrides.ExtraBody
	}

	child := &Agent{
		cfg:      cfg,
		client:   a.client,
		mem:      a.mem,
		streamer: a.streamer,
		registry: a.registry,
		skills:   a.skills,
		bus:      a.bus,
		metrics:  a.metrics,
		tracer:   a.tracer,
		logger:   a.logger.With("derived", true, "session_id", cfg.SessionID),
	}
	for _, opt := range opts {
		if err := opt(child); err != nil {
			return nil, err
		}
	}
	if err := child.rebuild(); err != nil {
		return nil, err
	}
	return child, nil
}

// SessionID returns the agent's memory session id.
func (a *Agent) SessionID() string { return a.cfg.SessionID }

// Memory returns the shared session memory handle.
func (a *Agent) Memory() *memory.Memory { return a.mem }

// Registry returns the agent's tool registry.
func (a *Agent) Registry() *tools.Registry { return a.registry }

func (a *Agent) baseSystemPrompt() string {
	if a.cfg.SystemPrompt != "" {
		return a.cfg.SystemPrompt
	}
	return llm.DefaultSystemPrompt
}

// runtimeSystemPrompt composes the per-call system prompt: the base prompt,
// the skill catalogue when one is bound, and the completion-sentinel
// instruction.
func (a *Agent) runtimeSystemPrompt() string {
	var b strings.Builder
	b.WriteString(a.baseSystemPrompt())
	if a.skills != nil {
		if catalogue := a.skills.Catalogue(); catalogue != "" {
			b.WriteString("\n\n")
			b.WriteString(catalogue)
			if a.skills.Mode() == skills.ModeActivation {
				b.WriteString("\nUse the read_skill tool to load a skill's full instructions before applying it.")
			}
		}
	}
	b.WriteString("\n\nWhen the task is fully complete and no further tool call is needed, end your reply with the exact marker ")
	b.WriteString(TaskFinished)
	b.WriteString(".")
	return b.String()
}
