// Package llm implements the OpenAI-compatible chat-completion client: request
// assembly, streaming and non-streaming calls, retry with backoff, and
// round-robin rotation over a pool of backends.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opencmit/alphora/internal/backoff"
	"github.com/opencmit/alphora/internal/observability"
	"github.com/opencmit/alphora/internal/stream"
	"github.com/opencmit/alphora/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSystemPrompt is used when the caller supplies none.
const DefaultSystemPrompt = "You are a helpful assistant."

// DefaultRequestTimeout bounds one non-streaming call.
const DefaultRequestTimeout = 120 * time.Second

// Backend is one endpoint of the rotation pool.
type Backend struct {
	BaseURL    string
	APIKey     string
	Model      string
	Multimodal bool

	Temperature *float64
	MaxTokens   int
	TopP        *float64
	// ExtraBody holds vendor-specific request fields flattened into the
	// top-level request JSON (e.g. Qwen's enable_thinking).
	ExtraBody map[string]any
}

// Input is one of the three accepted request shapes: plain text, a single
// multimodal message, or a pre-built backend message list.
type Input struct {
	text     string
	message  *models.Message
	messages []ChatMessage
}

// Text wraps a plain user query.
func Text(s string) Input { return Input{text: s} }

// FromMessage wraps a single (possibly multimodal) user message.
func FromMessage(m *models.Message) Input { return Input{message: m} }

// FromMessages wraps a pre-built backend message list; no system message is
// added for this shape.
func FromMessages(ms []ChatMessage) Input { return Input{messages: ms} }

// HasMedia reports whether the input carries any non-text attachment.
func (in Input) HasMedia() bool {
	return in.message != nil && in.message.HasMedia()
}

// CallOptions tunes one Invoke or Stream call.
type CallOptions struct {
	// System overrides the default system prompt for text and message inputs.
	System string
	// ContentType tags content deltas on the returned stream; default char.
	ContentType models.ContentType
	// Tools is the OpenAI-form tool list offered to the model.
	Tools []models.ToolSchema
	// ExtraBody merges over the backend's extra body for this call.
	ExtraBody map[string]any
}

// Client is a chat-completion client over one or more backends. Selection is
// round-robin with a multimodal filter; the rotation cursor is shared by all
// calls so concurrent requests interleave endpoints.
type Client struct {
	backends []Backend
	cursor   *rotationCursor

	http    *http.Client
	timeout time.Duration
	retries int
	policy  backoff.Policy

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds one non-streaming call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets the retry count for transport failures.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoffPolicy sets the retry backoff policy.
func WithBackoffPolicy(p backoff.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHTTPClient substitutes the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMetrics attaches the runtime metric set.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer attaches a tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l.With("component", "llm") }
}

// New builds a client over the given backend pool.
func New(backends []Backend, opts ...Option) (*Client, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	c := &Client{
		backends: backends,
		cursor:   &rotationCursor{},
		http:     &http.Client{},
		timeout:  DefaultRequestTimeout,
		retries:  2,
		policy:   backoff.DefaultPolicy(),
		logger:   slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Merge returns a new client whose backend pool is this client's pool
// followed by other's. Policy settings come from the receiver; the rotation
// cursor restarts.
func (c *Client) Merge(other *Client) *Client {
	merged := *c
	merged.backends = append(append([]Backend{}, c.backends...), other.backends...)
	merged.cursor = &rotationCursor{}
	return &merged
}

// Backends returns the pool size.
func (c *Client) Backends() int { return len(c.backends) }

// selectBackend picks the next backend round-robin. The cursor advances
// exactly once per selection; with a media input, ineligible backends are
// skipped without extra advances so text-only traffic still rotates fairly.
func (c *Client) selectBackend(needMultimodal bool) (*Backend, error) {
	n := c.cursor.next()
	for i := 0; i < len(c.backends); i++ {
		b := &c.backends[(n+uint64(i))%uint64(len(c.backends))]
		if !needMultimodal || b.Multimodal {
			return b, nil
		}
	}
	return nil, ErrNoCompatibleBackend
}

// Invoke performs a non-streaming call and returns the final content string.
func (c *Client) Invoke(ctx context.Context, input Input, opts CallOptions) (string, error) {
	resp, err := c.invokeResponse(ctx, input, opts)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) invokeResponse(ctx context.Context, input Input, opts CallOptions) (*CompletionResponse, error) {
	backend, err := c.selectBackend(input.HasMedia())
	if err != nil {
		return nil, err
	}
	body, err := c.buildBody(backend, input, opts, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		raw, err := c.post(ctx, backend, body, false)
		if err == nil {
			var resp CompletionResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return nil, fmt.Errorf("decode llm response: %w", err)
			}
			if len(resp.Choices) == 0 {
				return nil, ErrNoChoices
			}
			c.recordUsage(backend, resp.Usage)
			return &resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil || attempt > c.retries {
			break
		}
		c.logger.Warn("llm request failed, retrying",
			"endpoint", backend.BaseURL, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff.Compute(c.policy, attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Stream performs a streaming call. Content deltas arrive as chunk events
// with the requested content type, reasoning deltas as think chunks, and
// completed tool calls as tool-typed envelope events once their streamed
// fragments are concatenated. The final delta's finish reason becomes the
// stream's FinishReason; a mid-stream connection drop fails the stream with
// finish reason "error".
func (c *Client) Stream(ctx context.Context, input Input, opts CallOptions) (*stream.ChunkStream, error) {
	backend, err := c.selectBackend(input.HasMedia())
	if err != nil {
		return nil, err
	}
	body, err := c.buildBody(backend, input, opts, true)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		resp, lastErr = c.openStream(ctx, backend, body)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) || ctx.Err() != nil || attempt > c.retries {
			return nil, lastErr
		}
		c.logger.Warn("llm stream open failed, retrying",
			"endpoint", backend.BaseURL, "attempt", attempt, "error", lastErr)
		select {
		case <-time.After(backoff.Compute(c.policy, attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = models.ContentTypeChar
	}

	out := stream.New(0)
	go c.consumeSSE(ctx, resp, backend, contentType, out)
	return out, nil
}

func (c *Client) openStream(ctx context.Context, backend *Backend, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if backend.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+backend.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &TransportError{Status: resp.StatusCode, Body: string(payload)}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, backend *Backend, body []byte, streaming bool) ([]byte, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, observability.SpanLLMRequest,
		attribute.String("llm.endpoint", backend.BaseURL),
		attribute.String("llm.model", backend.Model),
		attribute.Bool("llm.streaming", streaming),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if backend.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+backend.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordError(span, err)
		c.countRequest(backend, "error", start)
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordError(span, err)
		c.countRequest(backend, "error", start)
		return nil, fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		terr := &TransportError{Status: resp.StatusCode, Body: string(payload)}
		observability.RecordError(span, terr)
		c.countRequest(backend, "error", start)
		return nil, terr
	}
	observability.RecordError(span, nil)
	c.countRequest(backend, "success", start)
	return payload, nil
}

// consumeSSE drains one streaming response body into out. Tool-call
// fragments are keyed by the delta's index (a fragment with an id starts a
// call, id-less fragments extend the last started one when no index is
// given) and emitted as envelopes once the stream ends.
func (c *Client) consumeSSE(ctx context.Context, resp *http.Response, backend *Backend, contentType models.ContentType, out *stream.ChunkStream) {
	defer resp.Body.Close()
	defer out.Close()

	start := time.Now()
	calls := make(map[int]*WireToolCall)
	order := 0

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			c.countRequest(backend, "error", start)
			out.Fail(fmt.Errorf("read llm stream: %w", err))
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[len("data: "):]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var frame StreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			c.countRequest(backend, "error", start)
			out.Fail(fmt.Errorf("llm stream error: %s", frame.Error.Message))
			return
		}
		if frame.Usage != nil {
			c.recordUsage(backend, frame.Usage)
		}
		if len(frame.Choices) == 0 {
			continue
		}
		choice := frame.Choices[0]

		if rc := choice.Delta.ReasoningContent; rc != nil && *rc != "" {
			if !out.Emit(ctx, models.NewChunk(models.ContentTypeThink, *rc)) {
				return
			}
		}
		if content := choice.Delta.Content; content != nil && *content != "" {
			if !out.Emit(ctx, models.NewChunk(contentType, *content)) {
				return
			}
		}
		for _, frag := range choice.Delta.ToolCalls {
			idx := order
			if frag.Index != nil {
				idx = *frag.Index
			} else if frag.ID == "" && order > 0 {
				idx = order - 1
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &WireToolCall{ID: frag.ID, Type: frag.Type}
				calls[idx] = acc
				order = idx + 1
			}
			if frag.ID != "" {
				acc.ID = frag.ID
			}
			if frag.Function.Name != "" {
				acc.Function.Name = frag.Function.Name
			}
			acc.Function.Arguments += frag.Function.Arguments
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			out.SetFinishReason(*choice.FinishReason)
		}
	}

	for i := 0; i < order; i++ {
		acc, ok := calls[i]
		if !ok {
			continue
		}
		ev := stream.EncodeToolCall(stream.ToolCallEnvelope{
			ID:        acc.ID,
			Name:      acc.Function.Name,
			Arguments: acc.Function.Arguments,
		})
		if !out.Emit(ctx, ev) {
			return
		}
	}
	out.SetFinishReason("stop")
	c.countRequest(backend, "success", start)
}

// buildBody assembles the request JSON for one backend, flattening extra
// body fields into the top level.
func (c *Client) buildBody(backend *Backend, input Input, opts CallOptions, streaming bool) ([]byte, error) {
	messages, err := c.assembleMessages(input, opts)
	if err != nil {
		return nil, err
	}
	req := CompletionRequest{
		Model:       backend.Model,
		Messages:    messages,
		Tools:       opts.Tools,
		Stream:      streaming,
		MaxTokens:   backend.MaxTokens,
		Temperature: backend.Temperature,
		TopP:        backend.TopP,
	}
	if streaming {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	extra := make(map[string]any, len(backend.ExtraBody)+len(opts.ExtraBody))
	for k, v := range backend.ExtraBody {
		extra[k] = v
	}
	for k, v := range opts.ExtraBody {
		extra[k] = v
	}

	base, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}
	if len(extra) == 0 {
		return base, nil
	}
	var flat map[string]any
	if err := json.Unmarshal(base, &flat); err != nil {
		return nil, fmt.Errorf("flatten llm request: %w", err)
	}
	for k, v := range extra {
		flat[k] = v
	}
	return json.Marshal(flat)
}

func (c *Client) assembleMessages(input Input, opts CallOptions) ([]ChatMessage, error) {
	if input.messages != nil {
		return input.messages, nil
	}

	system := opts.System
	if system == "" {
		system = DefaultSystemPrompt
	}
	messages := []ChatMessage{{Role: string(models.RoleSystem), Content: system}}

	switch {
	case input.message != nil:
		content, err := input.message.ToBackend()
		if err != nil {
			return nil, err
		}
		messages = append(messages, ChatMessage{Role: string(input.message.Role), Content: content})
	default:
		messages = append(messages, ChatMessage{Role: string(models.RoleUser), Content: input.text})
	}
	return messages, nil
}

func (c *Client) countRequest(backend *Backend, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.LLMRequestCounter.WithLabelValues(backend.BaseURL, backend.Model, status).Inc()
	c.metrics.LLMRequestDuration.WithLabelValues(backend.BaseURL, backend.Model).Observe(time.Since(start).Seconds())
}

func (c *Client) recordUsage(backend *Backend, usage *Usage) {
	if c.metrics == nil || usage == nil {
		return
	}
	c.metrics.LLMTokensUsed.WithLabelValues(backend.BaseURL, backend.Model, "prompt").Add(float64(usage.PromptTokens))
	c.metrics.LLMTokensUsed.WithLabelValues(backend.BaseURL, backend.Model, "completion").Add(float64(usage.CompletionTokens))
}

// rotationCursor is the shared round-robin counter.
type rotationCursor struct {
	n atomic.Uint64
}

func (r *rotationCursor) next() uint64 { return r.n.Add(1) - 1 }
