package skills

import (
	"context"
	"strings"
	"testing"

	"github.com/opencmit/alphora/internal/tools"
	"github.com/opencmit/alphora/pkg/models"
)

func TestRegisterToolsActivationMode(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "alpha", "first skill", "alpha instructions")

	m := NewManager([]string{root}, ModeActivation)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	if err := m.RegisterTools(reg); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	for _, name := range []string{ToolListSkills, ToolReadSkill, ToolReadSkillResource} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestRegisterToolsFilesystemModeNoop(t *testing.T) {
	m := NewManager(nil, ModeFilesystem)
	reg := tools.NewRegistry()
	if err := m.RegisterTools(reg); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d tools, want 0", reg.Len())
	}
}

func TestReaderToolsThroughExecutor(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "alpha", "first skill", "alpha instructions")

	m := NewManager([]string{root}, ModeActivation)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	if err := m.RegisterTools(reg); err != nil {
		t.Fatal(err)
	}
	exec := tools.NewExecutor(reg)

	calls := []models.ToolCall{
		{ID: "c1", Name: ToolListSkills, Arguments: map[string]any{}},
		{ID: "c2", Name: ToolReadSkill, Arguments: map[string]any{"name": "alpha"}},
		{ID: "c3", Name: ToolReadSkill, Arguments: map[string]any{"name": "missing"}},
	}
	results, err := exec.Execute(context.Background(), calls, false, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if results[0].Status != models.ToolStatusSuccess || !strings.Contains(results[0].Content, "alpha: first skill") {
		t.Errorf("list_skills result = %+v", results[0])
	}
	if results[1].Status != models.ToolStatusSuccess || results[1].Content != "alpha instructions" {
		t.Errorf("read_skill result = %+v", results[1])
	}
	if results[2].Status != models.ToolStatusNotFound {
		t.Errorf("read_skill(missing) status = %q, want %q", results[2].Status, models.ToolStatusNotFound)
	}
}
