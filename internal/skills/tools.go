package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencmit/alphora/internal/tools"
	"github.com/opencmit/alphora/pkg/models"
)

// Built-in reader tool names.
const (
	ToolListSkills        = "list_skills"
	ToolReadSkill         = "read_skill"
	ToolReadSkillResource = "read_skill_resource"
)

// RegisterTools adds the activation-mode reader tools to the registry. In
// filesystem mode skill content is reached through sandbox file tools and
// nothing is registered.
func (m *Manager) RegisterTools(reg *tools.Registry) error {
	if m.mode != ModeActivation {
		return nil
	}
	for _, desc := range m.readerTools() {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readerTools() []*models.ToolDescriptor {
	return []*models.ToolDescriptor{
		{
			Name:        ToolListSkills,
			Description: "List the available skills with their descriptions.",
			Parameters:  []byte(`{"type":"object","properties":{}}`),
			Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
				var b strings.Builder
				for _, skill := range m.List() {
					fmt.Fprintf(&b, "%s: %s\n", skill.Name, skill.Description)
				}
				if b.Len() == 0 {
					return "no skills available", nil
				}
				return strings.TrimRight(b.String(), "\n"), nil
			}),
		},
		{
			Name:        ToolReadSkill,
			Description: "Read the full instructions of a skill by name.",
			Parameters:  []byte(`{"type":"object","properties":{"name":{"type":"string","description":"Skill name from list_skills"}},"required":["name"]}`),
			Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				skill, err := m.Get(name)
				if err != nil {
					return nil, err
				}
				return skill.Body, nil
			}),
		},
		{
			Name:        ToolReadSkillResource,
			Description: "Read a file bundled with a skill. The path is relative to the skill directory.",
			Parameters:  []byte(`{"type":"object","properties":{"name":{"type":"string","description":"Skill name"},"path":{"type":"string","description":"Relative resource path"}},"required":["name","path"]}`),
			Handler: models.ToolHandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				path, _ := args["path"].(string)
				return m.ReadResource(name, path)
			}),
		},
	}
}
