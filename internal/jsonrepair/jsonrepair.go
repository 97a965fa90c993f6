// Package jsonrepair coerces near-JSON text produced by language models
// into parseable JSON. Models wrap objects in markdown fences, use single
// quotes or Python literals, leave trailing commas and cut values off at
// token limits; the repair pass fixes exactly that class of damage.
package jsonrepair

import (
	"errors"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnparseable reports text that is still not JSON after repair.
var ErrUnparseable = errors.New("text is not valid JSON after repair")

// Repair returns its input reshaped into the closest parseable JSON it can
// manage. Already-valid input is returned unchanged. Repair never fails;
// callers that need a parse result use Parse.
func Repair(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	out := clip(s)
	out = normalize(out)
	return out
}

// Parse decodes a JSON object from s, repairing it first when a strict
// parse fails.
func Parse(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m, nil
	}
	if err := json.Unmarshal([]byte(Repair(s)), &m); err != nil {
		return nil, ErrUnparseable
	}
	return m, nil
}

// clip drops markdown fences and surrounding prose, keeping the span from
// the first opening brace or bracket through the last closing one. Without
// a closing delimiter the span runs to the end; normalize balances it.
func clip(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// normalize walks the clipped text once, fixing quote style, Python
// literals and trailing commas, and closes whatever is left open at the
// end.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	var stack []byte
	inString := false
	inSingle := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			if escaped {
				escaped = false
				b.WriteByte(c)
				continue
			}
			switch {
			case c == '\\':
				escaped = true
				b.WriteByte(c)
			case inSingle && c == '\'':
				inString, inSingle = false, false
				b.WriteByte('"')
			case inSingle && c == '"':
				b.WriteString(`\"`)
			case !inSingle && c == '"':
				inString = false
				b.WriteByte(c)
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case '\'':
			inString, inSingle = true, true
			b.WriteByte('"')
		case '{', '[':
			stack = append(stack, c)
			b.WriteByte(c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			b.WriteByte(c)
		case ',':
			if next := nextMeaningful(s, i+1); next == '}' || next == ']' || next == 0 {
				continue
			}
			b.WriteByte(c)
		default:
			if lit, skip := pythonLiteral(s, i); lit != "" {
				b.WriteString(lit)
				i += skip - 1
				continue
			}
			b.WriteByte(c)
		}
	}

	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// nextMeaningful returns the first byte after whitespace starting at i, or
// 0 at end of input.
func nextMeaningful(s string, i int) byte {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return s[i]
		}
	}
	return 0
}

// pythonLiteral matches a bare None/True/False token at i and returns its
// JSON spelling plus the token length.
func pythonLiteral(s string, i int) (string, int) {
	for _, cand := range [...]struct {
		word string
		json string
	}{
		{"None", "null"},
		{"True", "true"},
		{"False", "false"},
	} {
		if !strings.HasPrefix(s[i:], cand.word) {
			continue
		}
		if i > 0 && isWordByte(s[i-1]) {
			continue
		}
		if end := i + len(cand.word); end < len(s) && isWordByte(s[end]) {
			continue
		}
		return cand.json, len(cand.word)
	}
	return "", 0
}

func isWordByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
