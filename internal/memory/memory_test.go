package memory

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencmit/alphora/pkg/models"
)

func TestAddAndBuildHistory(t *testing.T) {
	m := New()
	m.AddUser("s1", "first question")
	m.AddAssistant("s1", "first answer")
	m.AddUser("s1", "second question")
	m.AddAssistant("s1", "second answer")

	msgs, _, err := m.BuildHistory("s1", FormatMessages, 0, false)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "first question" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if m.Turns("s1") != 2 {
		t.Errorf("turns = %d, want 2", m.Turns("s1"))
	}
}

func TestBuildHistoryMaxRound(t *testing.T) {
	m := New()
	for i := 0; i < 3; i++ {
		m.AddUser("s1", "q")
		m.AddAssistant("s1", "a")
	}

	msgs, _, err := m.BuildHistory("s1", FormatMessages, 2, false)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}
	if len(msgs) != 4 {
		t.Errorf("got %d messages, want last 2 rounds = 4", len(msgs))
	}
}

func TestBuildHistoryNoOrphanToolMessages(t *testing.T) {
	m := New()
	m.AddUser("s1", "old question")
	m.AddAssistant("s1", "", models.ToolCall{ID: "c0", Name: "noop"})
	m.AddToolResults("s1", []models.ToolResult{{CallID: "c0", ToolName: "noop", Status: models.ToolStatusSuccess, Content: "ok"}})
	m.AddAssistant("s1", "old answer")
	m.AddUser("s1", "new question")
	m.AddAssistant("s1", "new answer")

	msgs, _, err := m.BuildHistory("s1", FormatMessages, 1, false)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}
	ids := make(map[string]bool)
	for _, msg := range msgs {
		for _, tc := range msg.ToolCalls {
			ids[tc.ID] = true
		}
		if msg.Role == models.RoleTool && !ids[msg.ToolCallID] {
			t.Errorf("orphan tool message %+v in trimmed history", msg)
		}
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "new question" {
		t.Errorf("trim did not start at last round: %+v", msgs[0])
	}
}

func TestBuildHistoryTextFormat(t *testing.T) {
	m := New()
	m.AddUser("s1", "hello\nthere")
	m.AddAssistant("s1", "hi")

	_, text, err := m.BuildHistory("s1", FormatText, 0, false)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}
	want := "user: hello\\nthere\nassistant: hi\n"
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestBuildHistoryUnknownSession(t *testing.T) {
	m := New()
	if _, _, err := m.BuildHistory("missing", FormatMessages, 0, false); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestClear(t *testing.T) {
	m := New()
	m.AddUser("s1", "q")
	m.Clear("s1")
	if m.Len("s1") != 0 {
		t.Errorf("Len after Clear = %d", m.Len("s1"))
	}
}

func TestSearch(t *testing.T) {
	m := New()
	m.AddUser("s1", "the weather in Paris is mild")
	m.AddAssistant("s1", "Paris sees rain in autumn")
	m.AddUser("s1", "unrelated topic entirely")

	got, err := m.Search("s1", "paris weather", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if !strings.Contains(got[0], "weather in Paris") {
		t.Errorf("best match = %q", got[0])
	}
}

func TestSaveAndLoadHistory(t *testing.T) {
	m := New()
	m.AddUser("s1", "round trip?")
	m.AddAssistant("s1", "yes\nindeed")

	path := filepath.Join(t.TempDir(), "dump.txt")
	if err := m.SaveHistory("s1", path); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	restored := New()
	if err := restored.LoadHistory("s2", path); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	msgs, _, err := restored.BuildHistory("s2", FormatMessages, 0, false)
	if err != nil {
		t.Fatalf("BuildHistory: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "round trip?" || msgs[1].Content != "yes\nindeed" {
		t.Errorf("restored contents = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}
