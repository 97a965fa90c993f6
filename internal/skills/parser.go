package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the manifest name inside a skill directory.
	SkillFilename = "SKILL.md"

	frontMatterDelimiter = "---"
)

// ParseSkillFile reads and parses a SKILL.md manifest.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseSkill(data, filepath.Dir(path))
}

// ParseSkill parses manifest content. dir becomes the skill directory and
// replaces {baseDir} in the body.
func ParseSkill(data []byte, dir string) (*Skill, error) {
	front, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(front, &skill); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if err := validate(&skill); err != nil {
		return nil, err
	}

	skill.Dir = dir
	skill.Body = ExpandBaseDir(strings.TrimSpace(string(body)), dir)
	return &skill, nil
}

// splitFrontMatter separates the YAML head from the Markdown body.
func splitFrontMatter(data []byte) (front, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty manifest")
	}
	if strings.TrimSpace(scanner.Text()) != frontMatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening front-matter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontMatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing front-matter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

func validate(skill *Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range skill.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: %q", skill.Name)
		}
	}
	if skill.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	return nil
}

// ExpandBaseDir replaces {baseDir} placeholders with the skill directory.
func ExpandBaseDir(content, dir string) string {
	return strings.ReplaceAll(content, "{baseDir}", dir)
}
