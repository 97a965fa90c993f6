// Package skills discovers SKILL.md manifests under configured roots and
// exposes them to the agent either as reader tools (activation mode) or as
// a path catalogue for sandbox access (filesystem mode).
package skills

import (
	"fmt"

	"github.com/opencmit/alphora/internal/tools"
)

// ErrSkillNotFound reports a lookup for a skill no root provides. It wraps
// tools.ErrNotFound so executor results classify it as not_found.
var ErrSkillNotFound = fmt.Errorf("skill %w", tools.ErrNotFound)

// Mode selects how the agent reaches skill content.
type Mode string

const (
	// ModeActivation advertises names and descriptions in the system prompt
	// and serves content through the built-in reader tools.
	ModeActivation Mode = "activation"
	// ModeFilesystem advertises skill paths; the agent reads them through
	// sandbox file tools.
	ModeFilesystem Mode = "filesystem"
)

// Skill is one parsed manifest. Front-matter fields come from the YAML head
// of SKILL.md; Body is the Markdown that follows.
type Skill struct {
	// Name uniquely identifies the skill: lowercase alphanumerics and
	// hyphens.
	Name string `yaml:"name" json:"name"`

	// Description tells the model what the skill covers and when to load it.
	Description string `yaml:"description" json:"description"`

	// License is an optional SPDX identifier or free-form notice.
	License string `yaml:"license,omitempty" json:"license,omitempty"`

	// Metadata carries arbitrary front-matter extensions.
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Body is the Markdown content with {baseDir} already expanded.
	Body string `yaml:"-" json:"-"`

	// Dir is the skill directory; resource reads resolve inside it.
	Dir string `yaml:"-" json:"dir"`
}
