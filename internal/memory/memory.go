// Package memory implements per-session conversation memory: ordered message
// transcripts, the round-based history builder, keyword search, text dumps,
// and the TTL+LRU session pool used by the HTTP layer.
package memory

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencmit/alphora/pkg/models"
)

// ErrSessionNotFound reports an operation against an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// HistoryFormat selects the BuildHistory output shape.
type HistoryFormat string

const (
	FormatMessages HistoryFormat = "messages"
	FormatText     HistoryFormat = "text"
)

type sessionState struct {
	messages   []*models.Message
	createdAt  time.Time
	lastAccess time.Time
	turns      int
}

// Memory is a multi-session in-process transcript store. Every read or
// write of a session updates its last-access time.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// New creates an empty memory store.
func New() *Memory {
	return &Memory{sessions: make(map[string]*sessionState)}
}

func (m *Memory) state(sessionID string) *sessionState {
	s, ok := m.sessions[sessionID]
	if !ok {
		now := time.Now()
		s = &sessionState{createdAt: now, lastAccess: now}
		m.sessions[sessionID] = s
	}
	return s
}

func (m *Memory) append(sessionID string, msg *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(sessionID)
	s.lastAccess = time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, msg)
}

// AddUser appends a user turn and advances the session's turn counter.
func (m *Memory) AddUser(sessionID, content string) {
	m.mu.Lock()
	s := m.state(sessionID)
	s.turns++
	m.mu.Unlock()
	m.append(sessionID, models.NewUserMessage(content))
}

// AddUserMessage appends a caller-built user message (multimodal turns).
func (m *Memory) AddUserMessage(sessionID string, msg *models.Message) {
	m.mu.Lock()
	s := m.state(sessionID)
	s.turns++
	m.mu.Unlock()
	m.append(sessionID, msg)
}

// AddAssistant appends an assistant turn with optional tool calls.
func (m *Memory) AddAssistant(sessionID, content string, calls ...models.ToolCall) {
	m.append(sessionID, models.NewAssistantMessage(content, calls...))
}

// AddSystem appends a system message.
func (m *Memory) AddSystem(sessionID, content string) {
	m.append(sessionID, models.NewSystemMessage(content))
}

// AddToolResults appends one tool-role message per result, linking each to
// its originating call id.
func (m *Memory) AddToolResults(sessionID string, results []models.ToolResult) {
	for _, r := range results {
		m.append(sessionID, models.NewToolMessage(r.CallID, r.Content))
	}
}

// Turns returns the session's user-turn counter.
func (m *Memory) Turns(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.turns
	}
	return 0
}

// Len returns the number of messages in the session.
func (m *Memory) Len(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return len(s.messages)
	}
	return 0
}

// Clear removes the session's transcript.
func (m *Memory) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// BuildHistory returns the most recent maxRound rounds of the session. A
// round is one user message plus at most one assistant message and any tool
// messages answering it, so a returned history never contains an orphan tool
// message. maxRound <= 0 returns everything. With FormatText the second
// return value carries the rendered transcript instead.
func (m *Memory) BuildHistory(sessionID string, format HistoryFormat, maxRound int, includeTimestamp bool) ([]*models.Message, string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.lastAccess = time.Now()
	msgs := make([]*models.Message, len(s.messages))
	copy(msgs, s.messages)
	m.mu.Unlock()

	msgs = trimRounds(msgs, maxRound)
	if format == FormatText {
		return nil, renderText(msgs, includeTimestamp), nil
	}
	return msgs, "", nil
}

// trimRounds keeps the last maxRound rounds. Rounds never split: messages
// before the first kept user message are dropped wholesale, and an open
// round (a trailing user message with no reply yet) counts as a round.
func trimRounds(msgs []*models.Message, maxRound int) []*models.Message {
	if maxRound <= 0 {
		return msgs
	}
	var starts []int
	for i, msg := range msgs {
		if msg.Role == models.RoleUser {
			starts = append(starts, i)
		}
	}
	if len(starts) <= maxRound {
		return msgs
	}
	return msgs[starts[len(starts)-maxRound]:]
}

func renderText(msgs []*models.Message, includeTimestamp bool) string {
	var b strings.Builder
	for _, msg := range msgs {
		if includeTimestamp {
			b.WriteString("[")
			b.WriteString(msg.CreatedAt.Format(time.RFC3339))
			b.WriteString("] ")
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(msg.Content, "\n", "\\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// Search scores the session's messages by token overlap with the query and
// returns the top k contents, best first.
func (m *Memory) Search(sessionID, query string, k int) ([]string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.lastAccess = time.Now()
	msgs := make([]*models.Message, len(s.messages))
	copy(msgs, s.messages)
	m.mu.Unlock()

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || k <= 0 {
		return nil, nil
	}

	type scored struct {
		content string
		score   int
		index   int
	}
	var hits []scored
	for i, msg := range msgs {
		score := overlap(queryTokens, tokenize(msg.Content))
		if score > 0 {
			hits = append(hits, scored{content: msg.Content, score: score, index: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].index > hits[j].index
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.content
	}
	return out, nil
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		if tok != "" {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}

// SaveHistory writes the session transcript as a text dump, one message per
// line: "[RFC3339] role: content" with newlines escaped.
func (m *Memory) SaveHistory(sessionID, path string) error {
	msgs, _, err := m.BuildHistory(sessionID, FormatMessages, 0, false)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(renderText(msgs, true)), 0o644)
}

// LoadHistory reads a text dump produced by SaveHistory into the session,
// appending after any existing messages. Lines that do not parse are
// skipped.
func (m *Memory) LoadHistory(sessionID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open history dump: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		msg, ok := parseDumpLine(line)
		if !ok {
			continue
		}
		if msg.Role == models.RoleUser {
			m.AddUserMessage(sessionID, msg)
		} else {
			m.append(sessionID, msg)
		}
	}
	return scanner.Err()
}

func parseDumpLine(line string) (*models.Message, bool) {
	rest := line
	var created time.Time
	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "] ")
		if end < 0 {
			return nil, false
		}
		ts, err := time.Parse(time.RFC3339, rest[1:end])
		if err != nil {
			return nil, false
		}
		created = ts
		rest = rest[end+2:]
	}
	role, content, ok := strings.Cut(rest, ": ")
	if !ok {
		return nil, false
	}
	switch models.Role(role) {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem, models.RoleTool:
	default:
		return nil, false
	}
	msg := models.NewMessage(models.Role(role))
	msg.Content = strings.ReplaceAll(content, "\\n", "\n")
	if !created.IsZero() {
		msg.CreatedAt = created
	}
	return msg, true
}
