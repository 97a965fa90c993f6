// Package sse implements the per-request response streamer: a bounded
// multi-producer channel whose consumer serializes chunk events into
// OpenAI-style chat.completion.chunk frames for Server-Sent Events
// transport.
package sse

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/opencmit/alphora/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBuffer is the streamer's channel capacity; producers block once the
// consumer falls this far behind.
const DefaultBuffer = 256

// DefaultIdleTimeout terminates a request that produces nothing for this
// long.
const DefaultIdleTimeout = 120 * time.Second

// ChunkFrame is one chat.completion.chunk body. Delta.ContentType is the
// Alphora extension on top of the OpenAI schema.
type ChunkFrame struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created string        `json:"created"`
	Model   string        `json:"model"`
	Choices []FrameChoice `json:"choices"`
}

// FrameChoice is the single choice of a chunk frame.
type FrameChoice struct {
	Index        int        `json:"index"`
	Delta        FrameDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// FrameDelta carries the incremental content of a chunk frame.
type FrameDelta struct {
	Content     string             `json:"content,omitempty"`
	ContentType models.ContentType `json:"content_type,omitempty"`
}

type item struct {
	contentType models.ContentType
	content     string
}

// Streamer is the single-use, per-request chunk queue. Any number of
// producers Send; exactly one consumer runs StartStreaming or Collect. The
// stream ends with at most one terminal frame: a stop frame once Stop is
// called, or a timeout frame when no item arrives within the idle timeout.
// After termination Send is a no-op.
type Streamer struct {
	id      string
	model   string
	idle    time.Duration
	items   chan item
	done    chan struct{}
	stopped sync.Once

	mu         sync.Mutex
	stopReason string
}

// New creates a streamer for one request. buffer <= 0 uses DefaultBuffer;
// idle <= 0 uses DefaultIdleTimeout.
func New(model string, buffer int, idle time.Duration) *Streamer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Streamer{
		id:    "chatcmpl-" + uuid.NewString(),
		model: model,
		idle:  idle,
		items: make(chan item, buffer),
		done:  make(chan struct{}),
	}
}

// ID returns the request's chunk id.
func (s *Streamer) ID() string { return s.id }

// Send enqueues one chunk for the client. It blocks while the queue is full
// (back-pressure on producers) but never indefinitely: termination unblocks
// every waiting producer. Returns false once the streamer has terminated.
func (s *Streamer) Send(contentType models.ContentType, content string) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.items <- item{contentType: contentType, content: content}:
		return true
	case <-s.done:
		return false
	}
}

// Stop enqueues the terminal sentinel. Only the first call takes effect;
// items already queued are still delivered before the terminal frame.
func (s *Streamer) Stop(reason string) {
	s.stopped.Do(func() {
		s.mu.Lock()
		s.stopReason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Stopped reports whether the streamer has terminated.
func (s *Streamer) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Streamer) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// StartStreaming returns the SSE frame sequence for HTTP transport. Each
// element is one complete "data: {json}\n\n" frame. The channel closes after
// the terminal frame; the HTTP layer appends the [DONE] marker.
func (s *Streamer) StartStreaming() <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		defer close(out)
		for {
			// Deliver queued items ahead of a pending stop.
			select {
			case it := <-s.items:
				out <- s.frame(it.contentType, it.content, nil)
				continue
			default:
			}
			select {
			case it := <-s.items:
				out <- s.frame(it.contentType, it.content, nil)
			case <-s.done:
				// Send is a no-op once done is closed, so the queue can
				// only shrink here: deliver what remains, then terminate.
				for {
					select {
					case it := <-s.items:
						out <- s.frame(it.contentType, it.content, nil)
						continue
					default:
					}
					reason := s.reason()
					out <- s.frame("", "", &reason)
					return
				}
			case <-time.After(s.idle):
				s.Stop("timeout")
				reason := s.reason()
				out <- s.frame("", "", &reason)
				return
			}
		}
	}()
	return out
}

// Collect drains the streamer into the concatenated client-visible text,
// for non-streaming requests. Reasoning, status and tool chunks are not part
// of the response body. Returns the text and the terminal reason.
func (s *Streamer) Collect() (string, string) {
	var b []byte
	for {
		select {
		case it := <-s.items:
			if collectable(it.contentType) {
				b = append(b, it.content...)
			}
			continue
		default:
		}
		select {
		case it := <-s.items:
			if collectable(it.contentType) {
				b = append(b, it.content...)
			}
		case <-s.done:
			// Drain whatever was queued before the stop.
			for {
				select {
				case it := <-s.items:
					if collectable(it.contentType) {
						b = append(b, it.content...)
					}
				default:
					return string(b), s.reason()
				}
			}
		case <-time.After(s.idle):
			s.Stop("timeout")
			return string(b), s.reason()
		}
	}
}

func collectable(ct models.ContentType) bool {
	switch ct {
	case models.ContentTypeThink, models.ContentTypeStatus, models.ContentTypeTool:
		return false
	}
	return true
}

func (s *Streamer) frame(contentType models.ContentType, content string, finish *string) []byte {
	f := ChunkFrame{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Format(time.RFC3339),
		Model:   s.model,
		Choices: []FrameChoice{{
			Index:        0,
			Delta:        FrameDelta{Content: content, ContentType: contentType},
			FinishReason: finish,
		}},
	}
	body, err := json.Marshal(f)
	if err != nil {
		// Frame fields are plain strings; marshal cannot fail in practice.
		body = []byte(`{}`)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", body))
}
