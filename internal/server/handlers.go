package server

import (
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/opencmit/alphora/internal/agent"
	"github.com/opencmit/alphora/internal/memory"
	"github.com/opencmit/alphora/internal/sse"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// chatRequest is the body of POST /v1/chat/completions.
type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	Stream         bool          `json:"stream"`
	SessionID      string        `json:"session_id"`
	Model          string        `json:"model"`
	EnableThinking bool          `json:"enable_thinking"`
	ForceJSON      bool          `json:"force_json"`
	Skill          string        `json:"skill"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionResponse is the non-streaming reply body.
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type errorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err), req.SessionID)
		return
	}
	query, ok := lastUserContent(req.Messages)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("request has no user message"), req.SessionID)
		return
	}
	if req.Skill != "" {
		if s.skills == nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("no skills configured"), req.SessionID)
			return
		}
		if _, err := s.skills.Get(req.Skill); err != nil {
			s.writeError(w, http.StatusBadRequest, err, req.SessionID)
			return
		}
	}

	sessionID, mem := s.pool.GetOrCreate(req.SessionID, "chat", memory.New)
	model := req.Model
	if model == "" && len(s.cfg.Endpoints) > 0 {
		model = s.cfg.Endpoints[0].Model
	}

	streamer := sse.New(model, sse.DefaultBuffer, s.cfg.RequestIdleTimeout())
	ag, err := s.buildAgent(sessionID, mem, streamer, req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err, sessionID)
		return
	}

	runErr := make(chan error, 1)
	go func() {
		_, err := ag.Run(r.Context(), query)
		// A clean finish still has to terminate the stream; failures
		// already stopped it with the error as reason.
		streamer.Stop("stop")
		runErr <- err
	}()

	if req.Stream {
		s.streamResponse(w, streamer)
		return
	}

	text, reason := streamer.Collect()
	if err := <-runErr; err != nil {
		s.writeError(w, http.StatusInternalServerError, err, sessionID)
		return
	}
	resp := completionResponse{
		ID:      streamer.ID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      completionMessage{Role: "assistant", Content: text},
			FinishReason: reason,
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) buildAgent(sessionID string, mem *memory.Memory, streamer *sse.Streamer, req chatRequest) (*agent.Agent, error) {
	systemPrompt := s.cfg.SystemPrompt
	if req.Skill != "" {
		systemPrompt = fmt.Sprintf("%s\n\nApply the skill %q to this task.", s.baseSystemPrompt(), req.Skill)
	}

	opts := []agent.Option{
		agent.WithMemory(mem),
		agent.WithStreamer(streamer),
		agent.WithHooks(s.bus),
		agent.WithMetrics(s.metrics),
		agent.WithTracer(s.tracer),
		agent.WithLogger(s.logger),
	}
	if s.skills != nil {
		opts = append(opts, agent.WithSkills(s.skills))
	}
	if s.sandbox != nil {
		opts = append(opts, agent.WithSandbox(s.sandbox))
	}

	extraBody := map[string]any{}
	if req.EnableThinking {
		extraBody["enable_thinking"] = true
	}
	return agent.New(s.client, agent.Config{
		SystemPrompt:   systemPrompt,
		SessionID:      sessionID,
		MaxIterations:  s.cfg.MaxIterations,
		EnableThinking: req.EnableThinking,
		ForceJSON:      req.ForceJSON,
		ExtraBody:      extraBody,
	}, opts...)
}

func (s *Server) baseSystemPrompt() string {
	if s.cfg.SystemPrompt != "" {
		return s.cfg.SystemPrompt
	}
	return "You are a helpful assistant."
}

// streamResponse relays SSE frames until the terminal frame, then the [DONE]
// marker.
func (s *Server) streamResponse(w http.ResponseWriter, streamer *sse.Streamer) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	for frame := range streamer.StartStreaming() {
		if _, err := w.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error, sessionID string) {
	s.logger.Error("request failed", "status", status, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := errorResponse{
		Error:     err.Error(),
		SessionID: sessionID,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		s.logger.Warn("write error response failed", "error", encodeErr)
	}
}

func lastUserContent(messages []chatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, true
		}
	}
	return "", false
}
