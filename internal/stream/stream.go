// Package stream implements the chunk stream abstraction and the stateful
// postprocessor pipeline applied to LLM output before it reaches the client
// and the aggregated response text.
package stream

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/opencmit/alphora/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBuffer is the channel capacity of a ChunkStream. Producers block
// once the consumer falls this far behind, which is the back-pressure point
// of the whole pipeline.
const DefaultBuffer = 64

// ChunkStream is a one-shot lazy sequence of chunk events. It is backed by a
// bounded channel: exactly one producer side emits, sets terminal metadata,
// and closes; exactly one consumer iterates. Terminal metadata is readable
// once the channel is closed.
type ChunkStream struct {
	ch        chan models.ChunkEvent
	closeOnce sync.Once

	mu           sync.Mutex
	finishReason string
	instruction  string
	err          error
}

// New returns an empty chunk stream with the given buffer capacity;
// capacity <= 0 uses DefaultBuffer.
func New(buffer int) *ChunkStream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &ChunkStream{ch: make(chan models.ChunkEvent, buffer)}
}

// FromText returns a stream that replays a constant string. With a positive
// interval the text is emitted one rune at a time with the interval between
// emissions, which fakes token streaming for tests and canned replies;
// otherwise the whole text is one chunk. The finish reason is "stop".
func FromText(ctx context.Context, text string, contentType models.ContentType, interval time.Duration) *ChunkStream {
	s := New(0)
	go func() {
		defer s.Close()
		defer s.SetFinishReason("stop")
		if interval <= 0 {
			s.Emit(ctx, models.NewChunk(contentType, text))
			return
		}
		for _, r := range text {
			if !s.Emit(ctx, models.NewChunk(contentType, string(r))) {
				return
			}
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

// Emit sends one event to the consumer, normalizing an empty content type to
// char. It returns false when ctx is done before the consumer accepts the
// event.
func (s *ChunkStream) Emit(ctx context.Context, ev models.ChunkEvent) bool {
	if ev.ContentType == "" {
		ev.ContentType = models.ContentTypeChar
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream. Terminal metadata must be set before Close; Close
// is idempotent.
func (s *ChunkStream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Fail records err, marks the finish reason as "error" and closes the
// stream.
func (s *ChunkStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.finishReason = "error"
	s.mu.Unlock()
	s.Close()
}

// SetFinishReason records the terminal finish reason. The first non-empty
// value wins.
func (s *ChunkStream) SetFinishReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishReason == "" {
		s.finishReason = reason
	}
}

// SetInstruction records the optional instruction metadata slot.
func (s *ChunkStream) SetInstruction(instruction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruction = instruction
}

// Chan exposes the event channel for range iteration. The stream is
// single-consumption: exactly one goroutine should range over it.
func (s *ChunkStream) Chan() <-chan models.ChunkEvent {
	return s.ch
}

// Recv returns the next event, blocking until one arrives, the stream
// closes (ok=false), or ctx is done (ok=false and ctx.Err() applies).
func (s *ChunkStream) Recv(ctx context.Context) (models.ChunkEvent, bool) {
	select {
	case ev, ok := <-s.ch:
		return ev, ok
	case <-ctx.Done():
		return models.ChunkEvent{}, false
	}
}

// FinishReason returns the terminal finish reason. Valid once the stream is
// exhausted.
func (s *ChunkStream) FinishReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishReason
}

// Instruction returns the optional instruction metadata slot.
func (s *ChunkStream) Instruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruction
}

// Err returns the terminal error, if the stream failed.
func (s *ChunkStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Collect drains the stream and concatenates every event's content without
// any routing applied. It is a consumption aid for non-streaming callers and
// tests; the prompter applies sentinel routing itself.
func (s *ChunkStream) Collect(ctx context.Context) (string, error) {
	var b []byte
	for {
		ev, ok := s.Recv(ctx)
		if !ok {
			break
		}
		b = append(b, ev.Content...)
	}
	if err := ctx.Err(); err != nil {
		return string(b), err
	}
	return string(b), s.Err()
}

// copyMetaFrom transfers terminal metadata from an upstream stage. Call it
// only after the upstream channel is closed.
func (s *ChunkStream) copyMetaFrom(in *ChunkStream) {
	in.mu.Lock()
	reason, instruction, err := in.finishReason, in.instruction, in.err
	in.mu.Unlock()

	s.mu.Lock()
	if s.finishReason == "" {
		s.finishReason = reason
	}
	if s.instruction == "" {
		s.instruction = instruction
	}
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// ToolCallEnvelope is the JSON body of a tool-typed chunk event. The LLM
// adapter emits one envelope per completed call once its streamed fragments
// have been concatenated; the prompter diverts these events into its
// tool-call buffer instead of showing them to the client.
type ToolCallEnvelope struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// EncodeToolCall renders an envelope as a tool-typed chunk event.
func EncodeToolCall(env ToolCallEnvelope) models.ChunkEvent {
	body, err := json.Marshal(env)
	if err != nil {
		// The envelope is three strings; marshal cannot fail in practice.
		body = []byte(`{}`)
	}
	return models.ChunkEvent{Content: string(body), ContentType: models.ContentTypeTool}
}

// DecodeToolCall parses a tool-typed chunk event back into an envelope.
func DecodeToolCall(ev models.ChunkEvent) (ToolCallEnvelope, error) {
	var env ToolCallEnvelope
	err := json.Unmarshal([]byte(ev.Content), &env)
	return env, err
}
