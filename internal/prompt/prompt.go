package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/opencmit/alphora/internal/hooks"
	"github.com/opencmit/alphora/internal/jsonrepair"
	"github.com/opencmit/alphora/internal/llm"
	"github.com/opencmit/alphora/internal/memory"
	"github.com/opencmit/alphora/internal/stream"
	"github.com/opencmit/alphora/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrModeConflict reports a prompter configuration mixing the legacy
// single-template mode with new-mode options.
var ErrModeConflict = errors.New("prompt: legacy template and system-prompt modes are mutually exclusive")

// ErrUnknownPlaceholder reports placeholder updates naming variables no
// configured template references.
var ErrUnknownPlaceholder = errors.New("prompt: unknown placeholder")

// forceJSONSystem is the extra system message prepended when a call requests
// JSON output.
const forceJSONSystem = "You must answer with a single valid JSON value and nothing else. Do not wrap the JSON in markdown fences or add commentary."

// continuePrompt is the follow-up user turn issued when a completion is cut
// off at the token limit.
const continuePrompt = "continue"

// DefaultMaxContinuations caps long-response follow-up requests.
const DefaultMaxContinuations = 5

// queryPlaceholder is substituted last in legacy mode so the query text is
// never re-processed as template syntax.
const queryPlaceholder = "query"

// Sender receives client-visible chunks. Send reports false once the
// receiving side has terminated.
type Sender interface {
	Send(contentType models.ContentType, content string) bool
}

// Config selects the prompter mode and its bindings. Exactly one of the
// legacy fields (Template, TemplateFile) or the new-mode fields
// (SystemPrompt, SystemPromptFile) group may be used; legacy mode cannot
// bind memory.
type Config struct {
	// Legacy mode: a single template rendered into the sole user message.
	Template     string
	TemplateFile string

	// New mode: a system-prompt template ahead of history and the query.
	SystemPrompt     string
	SystemPromptFile string

	// Memory binding, new mode only.
	Memory    *memory.Memory
	SessionID string
	MaxRound  int
	// AutoSave appends the user turn and the final assistant text to memory
	// after each call. Per-call SaveToMemory overrides it.
	AutoSave bool

	// MaxContinuations caps long-response follow-ups; <= 0 uses the default.
	MaxContinuations int
}

// Prompter renders prompts and drives streaming LLM calls for one agent.
type Prompter struct {
	client *llm.Client
	mode   mode

	userTpl *Template
	sysTpl  *Template

	mem              *memory.Memory
	sessionID        string
	maxRound         int
	autoSave         bool
	maxContinuations int

	streamer Sender
	bus      *hooks.Bus
	logger   *slog.Logger

	mu   sync.RWMutex
	vars map[string]string
}

type mode int

const (
	modeLegacy mode = iota
	modeNew
)

// Option tunes prompter construction.
type Option func(*Prompter)

// WithStreamer attaches the client-facing chunk sink.
func WithStreamer(s Sender) Option {
	return func(p *Prompter) { p.streamer = s }
}

// WithHooks attaches the hook bus for prompt.before_call/after_call events.
func WithHooks(b *hooks.Bus) Option {
	return func(p *Prompter) { p.bus = b }
}

// WithLogger sets the prompter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prompter) { p.logger = l }
}

// New builds a prompter. Mode is decided here and fixed for the prompter's
// lifetime.
func New(client *llm.Client, cfg Config, opts ...Option) (*Prompter, error) {
	if client == nil {
		return nil, errors.New("prompt: nil llm client")
	}
	legacy := cfg.Template != "" || cfg.TemplateFile != ""
	system := cfg.SystemPrompt != "" || cfg.SystemPromptFile != ""
	if legacy && system {
		return nil, ErrModeConflict
	}
	if legacy && cfg.Memory != nil {
		return nil, fmt.Errorf("%w: memory binding requires the system-prompt mode", ErrModeConflict)
	}

	p := &Prompter{
		client:           client,
		mem:              cfg.Memory,
		sessionID:        cfg.SessionID,
		maxRound:         cfg.MaxRound,
		autoSave:         cfg.AutoSave,
		maxContinuations: cfg.MaxContinuations,
		vars:             make(map[string]string),
	}
	if p.maxContinuations <= 0 {
		p.maxContinuations = DefaultMaxContinuations
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "prompter")

	var err error
	switch {
	case legacy:
		p.mode = modeLegacy
		if cfg.TemplateFile != "" {
			p.userTpl, err = ParseTemplateFile(cfg.TemplateFile)
		} else {
			p.userTpl, err = ParseTemplate(cfg.Template)
		}
	default:
		p.mode = modeNew
		switch {
		case cfg.SystemPromptFile != "":
			p.sysTpl, err = ParseTemplateFile(cfg.SystemPromptFile)
		case cfg.SystemPrompt != "":
			p.sysTpl, err = ParseTemplate(cfg.SystemPrompt)
		default:
			p.sysTpl, err = ParseTemplate(llm.DefaultSystemPrompt)
		}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Placeholders returns the union of placeholder names across the configured
// templates. Legacy mode always accepts the query placeholder.
func (p *Prompter) Placeholders() []string {
	seen := make(map[string]struct{})
	if p.userTpl != nil {
		for _, name := range p.userTpl.Placeholders() {
			seen[name] = struct{}{}
		}
		seen[queryPlaceholder] = struct{}{}
	}
	if p.sysTpl != nil {
		for _, name := range p.sysTpl.Placeholders() {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

// UpdatePlaceholder stores substitution values for later renders. Keys no
// template references are logged, skipped, and reported through the returned
// error; known keys are applied regardless.
func (p *Prompter) UpdatePlaceholder(kv map[string]string) error {
	known := make(map[string]struct{})
	for _, name := range p.Placeholders() {
		known[name] = struct{}{}
	}
	var unknown []string
	p.mu.Lock()
	for k, v := range kv {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
			continue
		}
		p.vars[k] = v
	}
	p.mu.Unlock()
	if len(unknown) > 0 {
		p.logger.Warn("ignoring unknown placeholders", "keys", unknown)
		return fmt.Errorf("%w: %s", ErrUnknownPlaceholder, strings.Join(unknown, ", "))
	}
	return nil
}

// CallOptions tunes one prompter call.
type CallOptions struct {
	// Query is the user turn. In legacy mode it is substituted into the
	// template last; in new mode it is appended verbatim.
	Query string
	// Message replaces Query with a caller-built (multimodal) user message.
	Message *models.Message
	// Stream forwards client-visible chunks to the attached streamer.
	Stream bool
	// ReturnGenerator hands the postprocessed chunk stream to the caller
	// instead of consuming it.
	ReturnGenerator bool
	// ContentType tags content chunks; default char.
	ContentType models.ContentType
	// Postprocessors are chained over the raw LLM stream in order.
	Postprocessors []stream.Postprocessor
	// EnableThinking accumulates think chunks into the reasoning field.
	EnableThinking bool
	// ForceJSON prepends the JSON system instruction and repair-parses the
	// aggregated text.
	ForceJSON bool
	// LongResponse reissues continue requests while the model stops at the
	// token limit.
	LongResponse bool
	// RuntimeSystemPrompt replaces the rendered system prompt for this call
	// only. New mode only.
	RuntimeSystemPrompt string
	// Tools is the schema list offered to the model.
	Tools []models.ToolSchema
	// SaveToMemory overrides the prompter's auto-save setting.
	SaveToMemory *bool
	// ExtraBody merges vendor-specific fields into the request body.
	ExtraBody map[string]any
}

// TextResponse is the aggregated outcome of a call without tool calls.
type TextResponse struct {
	Text              string
	Reasoning         string
	FinishReason      string
	ContinuationCount int
}

// ToolCallResponse carries the tool calls a call accumulated, plus any text
// produced alongside them.
type ToolCallResponse struct {
	ToolCalls []models.ToolCall
	Text      string
}

// Response is the outcome of one call. Exactly one field is set: Generator
// when the caller asked for the raw stream, Tool when the model issued tool
// calls, Text otherwise.
type Response struct {
	Generator *stream.ChunkStream
	Tool      *ToolCallResponse
	Text      *TextResponse
}

// Call renders the prompt, invokes the LLM in streaming form, applies the
// postprocessor chain and consumes the result per the routing rules.
func (p *Prompter) Call(ctx context.Context, opts CallOptions) (*Response, error) {
	query := opts.Query
	if opts.Message != nil && query == "" {
		query = opts.Message.Content
	}
	if err := p.emit(ctx, hooks.EventPromptBeforeCall, map[string]any{"query": query}); err != nil {
		return nil, err
	}

	msgs, err := p.buildMessages(opts)
	if err != nil {
		return nil, err
	}

	out, err := p.openStream(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	if opts.ReturnGenerator {
		return &Response{Generator: out}, nil
	}

	acc := &accumulator{}
	if err := p.consume(ctx, out, opts, acc); err != nil {
		return nil, err
	}
	finish := out.FinishReason()

	continuations := 0
	for opts.LongResponse && finish == "length" && continuations < p.maxContinuations {
		msgs = append(msgs,
			llm.ChatMessage{Role: "assistant", Content: acc.text.String()},
			llm.ChatMessage{Role: "user", Content: continuePrompt},
		)
		next, err := p.openStream(ctx, msgs, opts)
		if err != nil {
			return nil, err
		}
		if err := p.consume(ctx, next, opts, acc); err != nil {
			return nil, err
		}
		finish = next.FinishReason()
		continuations++
	}

	text := acc.text.String()
	if opts.ForceJSON {
		text = p.repairJSON(text)
	}
	if p.shouldSave(opts) {
		if opts.Message != nil {
			p.mem.AddUserMessage(p.sessionID, opts.Message)
		} else {
			p.mem.AddUser(p.sessionID, query)
		}
		p.mem.AddAssistant(p.sessionID, text, acc.calls...)
	}
	if err := p.emit(ctx, hooks.EventPromptAfterCall, map[string]any{"finish_reason": finish}); err != nil {
		return nil, err
	}

	if len(acc.calls) > 0 {
		return &Response{Tool: &ToolCallResponse{ToolCalls: acc.calls, Text: text}}, nil
	}
	return &Response{Text: &TextResponse{
		Text:              text,
		Reasoning:         acc.reasoning.String(),
		FinishReason:      finish,
		ContinuationCount: continuations,
	}}, nil
}

// buildMessages assembles the backend message list per mode.
func (p *Prompter) buildMessages(opts CallOptions) ([]llm.ChatMessage, error) {
	p.mu.RLock()
	vars := make(map[string]string, len(p.vars))
	for k, v := range p.vars {
		vars[k] = v
	}
	p.mu.RUnlock()
	p.warnMissing(vars)

	if p.mode == modeLegacy {
		rendered := p.userTpl.Render(vars, queryPlaceholder)
		rendered = placeholderRe.ReplaceAllStringFunc(rendered, func(m string) string {
			if placeholderRe.FindStringSubmatch(m)[1] == queryPlaceholder {
				return opts.Query
			}
			return m
		})
		return []llm.ChatMessage{{Role: "user", Content: rendered}}, nil
	}

	var msgs []llm.ChatMessage
	if opts.ForceJSON {
		msgs = append(msgs, llm.ChatMessage{Role: "system", Content: forceJSONSystem})
	}
	system := opts.RuntimeSystemPrompt
	if system == "" {
		system = p.sysTpl.Render(vars)
	}
	msgs = append(msgs, llm.ChatMessage{Role: "system", Content: system})

	if p.mem != nil {
		history, _, err := p.mem.BuildHistory(p.sessionID, memory.FormatMessages, p.maxRound, false)
		if err != nil && !errors.Is(err, memory.ErrSessionNotFound) {
			return nil, err
		}
		chat, err := toChatMessages(history)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, chat...)
	}

	// An empty query adds no user turn; the call continues from history.
	if opts.Message != nil {
		content, err := opts.Message.ToBackend()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, llm.ChatMessage{Role: "user", Content: content})
	} else if opts.Query != "" {
		msgs = append(msgs, llm.ChatMessage{Role: "user", Content: opts.Query})
	}
	return msgs, nil
}

func (p *Prompter) warnMissing(vars map[string]string) {
	for _, name := range p.Placeholders() {
		if name == queryPlaceholder {
			continue
		}
		if _, ok := vars[name]; !ok {
			p.logger.Warn("placeholder has no value, rendering empty", "name", name)
		}
	}
}

func (p *Prompter) openStream(ctx context.Context, msgs []llm.ChatMessage, opts CallOptions) (*stream.ChunkStream, error) {
	st, err := p.client.Stream(ctx, llm.FromMessages(msgs), llm.CallOptions{
		ContentType: opts.ContentType,
		Tools:       opts.Tools,
		ExtraBody:   opts.ExtraBody,
	})
	if err != nil {
		return nil, err
	}
	return stream.Chain(ctx, st, opts.Postprocessors...), nil
}

type accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     []models.ToolCall
}

// consume drains one postprocessed stream, routing every chunk between the
// live stream and the aggregate. Tool envelopes divert into the call buffer
// and never reach the client.
func (p *Prompter) consume(ctx context.Context, out *stream.ChunkStream, opts CallOptions, acc *accumulator) error {
	for {
		ev, ok := out.Recv(ctx)
		if !ok {
			break
		}
		switch {
		case ev.ContentType == models.ContentTypeTool:
			env, err := stream.DecodeToolCall(ev)
			if err != nil {
				p.logger.Warn("dropping undecodable tool chunk", "error", err)
				continue
			}
			acc.calls = append(acc.calls, decodeCall(env))
		case ev.ContentType == models.ContentTypeThink:
			if opts.EnableThinking {
				acc.reasoning.WriteString(ev.Content)
			}
			p.forward(opts, ev)
		case ev.IsSentinel():
			toStream, toAggregate := ev.Routing()
			if toAggregate {
				acc.text.WriteString(ev.Content)
			}
			if toStream {
				// Sentinel types are routing metadata; retag before the
				// client sees the chunk.
				p.forward(opts, ev.WithType(visibleType(opts)))
			}
		default:
			acc.text.WriteString(ev.Content)
			p.forward(opts, ev)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return out.Err()
}

func visibleType(opts CallOptions) models.ContentType {
	if opts.ContentType != "" {
		return opts.ContentType
	}
	return models.ContentTypeChar
}

func (p *Prompter) forward(opts CallOptions, ev models.ChunkEvent) {
	if opts.Stream && p.streamer != nil {
		p.streamer.Send(ev.ContentType, ev.Content)
	}
}

func (p *Prompter) repairJSON(text string) string {
	repaired := jsonrepair.Repair(text)
	if _, err := jsonrepair.Parse(text); err != nil {
		p.logger.Warn("json repair failed, returning raw text", "error", err)
		return text
	}
	return repaired
}

func (p *Prompter) shouldSave(opts CallOptions) bool {
	if p.mode != modeNew || p.mem == nil {
		return false
	}
	if opts.SaveToMemory != nil {
		return *opts.SaveToMemory
	}
	return p.autoSave
}

func (p *Prompter) emit(ctx context.Context, event hooks.EventType, data map[string]any) error {
	if p.bus == nil {
		return nil
	}
	ev := hooks.NewEvent(event, "prompter").WithSession(p.sessionID)
	for k, v := range data {
		ev = ev.With(k, v)
	}
	return p.bus.Emit(ctx, ev)
}

// decodeCall turns a wire envelope into a parsed tool call. Arguments go
// through the lenient repair step; a still-unparseable body is preserved as
// text with the parse error recorded.
func decodeCall(env stream.ToolCallEnvelope) models.ToolCall {
	call := models.ToolCall{ID: env.ID, Name: env.Name, ArgumentsText: env.Arguments}
	if strings.TrimSpace(env.Arguments) == "" {
		call.Arguments = map[string]any{}
		return call
	}
	args, err := jsonrepair.Parse(env.Arguments)
	if err != nil {
		call.ParseError = err.Error()
		return call
	}
	call.Arguments = args
	return call
}

// toChatMessages converts stored history into backend form.
func toChatMessages(history []*models.Message) ([]llm.ChatMessage, error) {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, msg := range history {
		cm := llm.ChatMessage{Role: string(msg.Role), ToolCallID: msg.ToolCallID}
		content, err := msg.ToBackend()
		if err != nil {
			return nil, err
		}
		cm.Content = content
		for _, tc := range msg.ToolCalls {
			args := tc.ArgumentsText
			if args == "" && tc.Arguments != nil {
				body, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, err
				}
				args = string(body)
			}
			cm.ToolCalls = append(cm.ToolCalls, llm.WireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: llm.FunctionCall{Name: tc.Name, Arguments: args},
			})
		}
		out = append(out, cm)
	}
	return out, nil
}
