// Package prompt turns templates, memory and the user query into a
// backend-ready message list, drives the streaming LLM call, and routes the
// resulting chunks between the live stream and the aggregated response.
package prompt

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	tagRe         = regexp.MustCompile(`\{%\s*(if\s+([A-Za-z_][A-Za-z0-9_]*)|else|endif)\s*%\}`)
	blankRunRe    = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// Template is a parsed prompt template. The syntax covers {{ name }}
// substitution and {% if name %}…{% else %}…{% endif %} blocks; an if
// condition is true when the variable renders non-empty. Blocks nest.
type Template struct {
	source       string
	placeholders []string
}

// ParseTemplate parses a template string, validating block structure and
// collecting the referenced placeholder names.
func ParseTemplate(source string) (*Template, error) {
	depth := 0
	seen := make(map[string]struct{})
	elseSeen := []bool{}
	for _, m := range tagRe.FindAllStringSubmatch(source, -1) {
		switch {
		case strings.HasPrefix(m[1], "if"):
			depth++
			elseSeen = append(elseSeen, false)
			seen[m[2]] = struct{}{}
		case m[1] == "else":
			if depth == 0 {
				return nil, fmt.Errorf("template: {%% else %%} outside an if block")
			}
			if elseSeen[depth-1] {
				return nil, fmt.Errorf("template: duplicate {%% else %%}")
			}
			elseSeen[depth-1] = true
		case m[1] == "endif":
			if depth == 0 {
				return nil, fmt.Errorf("template: {%% endif %%} without matching if")
			}
			depth--
			elseSeen = elseSeen[:depth]
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("template: %d unclosed if block(s)", depth)
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(source, -1) {
		seen[m[1]] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Template{source: source, placeholders: names}, nil
}

// ParseTemplateFile reads and parses a template file.
func ParseTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	t, err := ParseTemplate(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Placeholders returns the sorted variable names the template references,
// including if conditions.
func (t *Template) Placeholders() []string {
	out := make([]string, len(t.placeholders))
	copy(out, t.placeholders)
	return out
}

// Render substitutes vars into the template. Missing variables render empty;
// names listed in keep are left untouched so a later pass can substitute them
// without re-processing their content. Runs of three or more blank lines
// collapse to two.
func (t *Template) Render(vars map[string]string, keep ...string) string {
	kept := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		kept[name] = struct{}{}
	}
	out := renderBlocks(t.source, vars, kept)
	out = placeholderRe.ReplaceAllStringFunc(out, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if _, ok := kept[name]; ok {
			return m
		}
		return vars[name]
	})
	return blankRunRe.ReplaceAllString(out, "\n\n")
}

// renderBlocks resolves if blocks outside-in. A condition holds when the
// variable is present and non-empty; kept variables count as set.
func renderBlocks(s string, vars map[string]string, kept map[string]struct{}) string {
	for {
		loc := tagRe.FindStringSubmatchIndex(s)
		if loc == nil {
			return s
		}
		tag := s[loc[2]:loc[3]]
		if !strings.HasPrefix(tag, "if") {
			// Stray else/endif would have failed parse; render it away.
			s = s[:loc[0]] + s[loc[1]:]
			continue
		}
		cond := s[loc[4]:loc[5]]
		thenPart, elsePart, rest := splitBlock(s[loc[1]:])
		var body string
		if _, isKept := kept[cond]; isKept || vars[cond] != "" {
			body = thenPart
		} else {
			body = elsePart
		}
		s = s[:loc[0]] + renderBlocks(body, vars, kept) + rest
	}
}

// splitBlock scans from just after an {% if %} tag to its matching endif,
// returning the then branch, the else branch and the remainder of the input.
func splitBlock(s string) (thenPart, elsePart, rest string) {
	depth := 0
	thenEnd, elseEnd := -1, -1
	offset := 0
	for {
		loc := tagRe.FindStringSubmatchIndex(s[offset:])
		if loc == nil {
			// Unbalanced input is rejected at parse time.
			return s, "", ""
		}
		start, end := offset+loc[0], offset+loc[1]
		tag := s[offset+loc[2] : offset+loc[3]]
		switch {
		case strings.HasPrefix(tag, "if"):
			depth++
		case tag == "else" && depth == 0:
			thenEnd = start
			elseEnd = end
		case tag == "endif":
			if depth == 0 {
				if elseEnd >= 0 {
					return s[:thenEnd], s[elseEnd:start], s[end:]
				}
				return s[:start], "", s[end:]
			}
			depth--
		}
		offset = end
	}
}
