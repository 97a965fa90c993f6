package stream

import (
	"errors"
	"strings"

	"github.com/opencmit/alphora/pkg/models"
)

// ErrFilterScopeConflict reports a Filter configured with both an include
// and an exclude content-type list.
var ErrFilterScopeConflict = errors.New("include and exclude content types are mutually exclusive")

// Filter drops configured characters from chunk content. The optional
// include/exclude lists restrict which content types are filtered; chunks
// outside the scope pass through untouched. A chunk whose content becomes
// empty is dropped entirely.
type Filter struct {
	chars   map[rune]struct{}
	include map[models.ContentType]struct{}
	exclude map[models.ContentType]struct{}
}

// NewFilter builds a Filter. include and exclude are mutually exclusive.
func NewFilter(filterChars string, include, exclude []models.ContentType) (*Filter, error) {
	if len(include) > 0 && len(exclude) > 0 {
		return nil, ErrFilterScopeConflict
	}
	f := &Filter{chars: make(map[rune]struct{}, len(filterChars))}
	for _, r := range filterChars {
		f.chars[r] = struct{}{}
	}
	if len(include) > 0 {
		f.include = typeSet(include)
	}
	if len(exclude) > 0 {
		f.exclude = typeSet(exclude)
	}
	return f, nil
}

func typeSet(types []models.ContentType) map[models.ContentType]struct{} {
	set := make(map[models.ContentType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

func (f *Filter) Name() string { return "filter" }

func (f *Filter) inScope(ct models.ContentType) bool {
	if f.include != nil {
		_, ok := f.include[ct]
		return ok
	}
	if f.exclude != nil {
		_, ok := f.exclude[ct]
		return !ok
	}
	return true
}

func (f *Filter) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	if len(f.chars) == 0 || !f.inScope(ev.ContentType) {
		return []models.ChunkEvent{ev}
	}
	kept := strings.Map(func(r rune) rune {
		if _, drop := f.chars[r]; drop {
			return -1
		}
		return r
	}, ev.Content)
	if kept == "" {
		return nil
	}
	ev.Content = kept
	return []models.ChunkEvent{ev}
}

func (f *Filter) Flush() []models.ChunkEvent { return nil }

// ReplaceRule is one ordered substring substitution.
type ReplaceRule struct {
	Old string
	New string
}

// Replace applies global substitution rules to every chunk, then the rules
// registered for the chunk's content type. Rules apply in declaration order
// within the content of a single chunk; matches split across chunk
// boundaries are not rejoined.
type Replace struct {
	global  []ReplaceRule
	perType map[models.ContentType][]ReplaceRule
}

// NewReplace builds a Replace transformer. Empty rule sets make it the
// identity.
func NewReplace(global []ReplaceRule, perType map[models.ContentType][]ReplaceRule) *Replace {
	return &Replace{global: global, perType: perType}
}

func (r *Replace) Name() string { return "replace" }

func (r *Replace) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	for _, rule := range r.global {
		ev.Content = strings.ReplaceAll(ev.Content, rule.Old, rule.New)
	}
	for _, rule := range r.perType[ev.ContentType] {
		ev.Content = strings.ReplaceAll(ev.Content, rule.Old, rule.New)
	}
	return []models.ChunkEvent{ev}
}

func (r *Replace) Flush() []models.ChunkEvent { return nil }

// Splitter explodes every chunk into single-character chunks that keep the
// original content type.
type Splitter struct{}

// NewSplitter builds a Splitter.
func NewSplitter() *Splitter { return &Splitter{} }

func (s *Splitter) Name() string { return "splitter" }

func (s *Splitter) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	if ev.Content == "" {
		return nil
	}
	out := make([]models.ChunkEvent, 0, len(ev.Content))
	for _, r := range ev.Content {
		out = append(out, models.ChunkEvent{Content: string(r), ContentType: ev.ContentType})
	}
	return out
}

func (s *Splitter) Flush() []models.ChunkEvent { return nil }

// TypeMapper rewrites content types per a static from→to map; content is
// untouched.
type TypeMapper struct {
	mapping map[models.ContentType]models.ContentType
}

// NewTypeMapper builds a TypeMapper.
func NewTypeMapper(mapping map[models.ContentType]models.ContentType) *TypeMapper {
	return &TypeMapper{mapping: mapping}
}

func (t *TypeMapper) Name() string { return "type_mapper" }

func (t *TypeMapper) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	if to, ok := t.mapping[ev.ContentType]; ok {
		ev.ContentType = to
	}
	return []models.ChunkEvent{ev}
}

func (t *TypeMapper) Flush() []models.ChunkEvent { return nil }

// TypeTrigger binds a trigger character to the content type applied when a
// chunk contains it.
type TypeTrigger struct {
	Char rune
	Type models.ContentType
}

// DynamicType retags a chunk with the type of the first trigger character
// found in its content, in trigger declaration order. Chunks without any
// trigger receive the default type when one is configured.
type DynamicType struct {
	triggers    []TypeTrigger
	defaultType models.ContentType
}

// NewDynamicType builds a DynamicType transformer.
func NewDynamicType(triggers []TypeTrigger, defaultType models.ContentType) *DynamicType {
	return &DynamicType{triggers: triggers, defaultType: defaultType}
}

func (d *DynamicType) Name() string { return "dynamic_type" }

func (d *DynamicType) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	for _, trig := range d.triggers {
		if strings.ContainsRune(ev.Content, trig.Char) {
			ev.ContentType = trig.Type
			return []models.ChunkEvent{ev}
		}
	}
	if d.defaultType != "" {
		ev.ContentType = d.defaultType
	}
	return []models.ChunkEvent{ev}
}

func (d *DynamicType) Flush() []models.ChunkEvent { return nil }
