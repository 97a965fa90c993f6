package stream

import (
	"bytes"
	"errors"
	"math/rand"
	"unicode/utf8"

	"github.com/opencmit/alphora/pkg/models"
)

// MatchMode selects which regions a PatternMatcher emits.
type MatchMode string

const (
	// MatchAll emits matched and unmatched regions, each with its own type.
	MatchAll MatchMode = "all"
	// MatchOnly emits matched regions only.
	MatchOnly MatchMode = "only_matched"
	// MatchExclude emits unmatched regions only.
	MatchExclude MatchMode = "exclude_matched"
)

type matchState int

const (
	stateNotMatching matchState = iota
	statePartialStart
	stateInside
	statePartialEnd
)

// ErrBadMarker reports an empty bos or eos marker.
var ErrBadMarker = errors.New("pattern matcher markers must be non-empty")

// PatternMatcherConfig configures a PatternMatcher.
type PatternMatcherConfig struct {
	BOS string
	EOS string
	// Mode defaults to MatchAll.
	Mode MatchMode
	// IncludeBOS and IncludeEOS keep the markers inside the matched region.
	IncludeBOS bool
	IncludeEOS bool
	// MatchedType retags matched regions; empty keeps the incoming type.
	MatchedType models.ContentType
	// UnmatchedType retags unmatched regions; empty keeps the incoming type.
	UnmatchedType models.ContentType
	// MinBufferSize and MaxBufferSize bound the randomized emit granularity
	// in bytes. Zero means every region fragment is emitted immediately.
	MinBufferSize int
	MaxBufferSize int
	// Rand drives the buffer threshold; nil uses the package source.
	Rand *rand.Rand
}

// PatternMatcher detects regions delimited by literal bos/eos markers in a
// chunk stream, independent of how the text is split across chunks. Matched
// and unmatched regions are retagged and filtered per the configuration. A
// small randomized emit buffer coarsens output granularity without ever
// crossing a marker boundary.
type PatternMatcher struct {
	cfg PatternMatcherConfig

	state      matchState
	pending    []byte
	curType    models.ContentType
	emitBuf    []byte
	bufMatched bool
	bufType    models.ContentType
	threshold  int
	out        []models.ChunkEvent
}

// NewPatternMatcher builds a PatternMatcher.
func NewPatternMatcher(cfg PatternMatcherConfig) (*PatternMatcher, error) {
	if cfg.BOS == "" || cfg.EOS == "" {
		return nil, ErrBadMarker
	}
	if cfg.Mode == "" {
		cfg.Mode = MatchAll
	}
	if cfg.MinBufferSize < 0 || cfg.MaxBufferSize < cfg.MinBufferSize {
		return nil, errors.New("pattern matcher buffer bounds are invalid")
	}
	p := &PatternMatcher{cfg: cfg}
	p.rollThreshold()
	return p, nil
}

func (p *PatternMatcher) Name() string { return "pattern_matcher" }

func (p *PatternMatcher) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	p.curType = ev.ContentType
	p.pending = append(p.pending, ev.Content...)
	p.process()
	out := p.out
	p.out = nil
	return out
}

// Flush releases held state at end of input: an unfinished partial marker
// falls back to plain region content, and an unterminated matched region is
// emitted as far as it got.
func (p *PatternMatcher) Flush() []models.ChunkEvent {
	if len(p.pending) > 0 {
		matched := p.state == stateInside || p.state == statePartialEnd
		p.emit(p.pending, matched)
		p.pending = nil
	}
	p.flushEmitBuf(true)
	out := p.out
	p.out = nil
	return out
}

func (p *PatternMatcher) process() {
	bos, eos := []byte(p.cfg.BOS), []byte(p.cfg.EOS)
	for {
		switch p.state {
		case stateNotMatching, statePartialStart:
			if idx := bytes.Index(p.pending, bos); idx >= 0 {
				p.emit(p.pending[:idx], false)
				if p.cfg.IncludeBOS {
					p.emit(bos, true)
				}
				p.pending = p.pending[idx+len(bos):]
				p.state = stateInside
				continue
			}
			hold := longestSuffixPrefix(p.pending, bos)
			p.emit(p.pending[:len(p.pending)-hold], false)
			p.pending = p.pending[len(p.pending)-hold:]
			if hold > 0 {
				p.state = statePartialStart
			} else {
				p.state = stateNotMatching
			}
			return
		case stateInside, statePartialEnd:
			if idx := bytes.Index(p.pending, eos); idx >= 0 {
				p.emit(p.pending[:idx], true)
				if p.cfg.IncludeEOS {
					p.emit(eos, true)
				}
				p.flushEmitBuf(true)
				p.pending = p.pending[idx+len(eos):]
				p.state = stateNotMatching
				continue
			}
			hold := longestSuffixPrefix(p.pending, eos)
			p.emit(p.pending[:len(p.pending)-hold], true)
			p.pending = p.pending[len(p.pending)-hold:]
			if hold > 0 {
				p.state = statePartialEnd
			} else {
				p.state = stateInside
			}
			return
		}
	}
}

func (p *PatternMatcher) emit(b []byte, matched bool) {
	if len(b) == 0 {
		return
	}
	if matched && p.cfg.Mode == MatchExclude {
		return
	}
	if !matched && p.cfg.Mode == MatchOnly {
		return
	}
	if len(p.emitBuf) > 0 && p.bufMatched != matched {
		p.flushEmitBuf(true)
	}
	if len(p.emitBuf) == 0 {
		p.bufMatched = matched
		p.bufType = p.regionType(matched)
	}
	p.emitBuf = append(p.emitBuf, b...)
	if p.threshold == 0 {
		p.flushEmitBuf(true)
		return
	}
	for len(p.emitBuf) >= p.threshold {
		if !p.flushEmitBuf(false) {
			break
		}
	}
}

func (p *PatternMatcher) regionType(matched bool) models.ContentType {
	if matched {
		if p.cfg.MatchedType != "" {
			return p.cfg.MatchedType
		}
	} else if p.cfg.UnmatchedType != "" {
		return p.cfg.UnmatchedType
	}
	return p.curType
}

// flushEmitBuf cuts one event off the front of the emit buffer. Unless
// forced, the cut is capped at the rolled threshold and backs off to a rune
// boundary so a frame never carries a torn multi-byte character.
func (p *PatternMatcher) flushEmitBuf(force bool) bool {
	if len(p.emitBuf) == 0 {
		return false
	}
	cut := len(p.emitBuf)
	if !force {
		if p.threshold > 0 && cut > p.threshold {
			cut = p.threshold
		}
		i := cut - 1
		for i >= 0 && !utf8.RuneStart(p.emitBuf[i]) {
			i--
		}
		if i >= 0 {
			if !utf8.FullRune(p.emitBuf[i:]) {
				// Rune still incomplete: hold its bytes for the next chunk.
				cut = i
			} else if _, size := utf8.DecodeRune(p.emitBuf[i:]); i+size > cut {
				// Cut lands inside a buffered rune: emit it whole.
				cut = i + size
			}
		}
		if cut == 0 {
			return false
		}
	}
	p.out = append(p.out, models.ChunkEvent{Content: string(p.emitBuf[:cut]), ContentType: p.bufType})
	n := copy(p.emitBuf, p.emitBuf[cut:])
	p.emitBuf = p.emitBuf[:n]
	p.rollThreshold()
	return true
}

func (p *PatternMatcher) rollThreshold() {
	if p.cfg.MaxBufferSize <= 0 {
		p.threshold = 0
		return
	}
	lo := p.cfg.MinBufferSize
	if lo < 1 {
		lo = 1
	}
	if span := p.cfg.MaxBufferSize - lo; span > 0 {
		if p.cfg.Rand != nil {
			p.threshold = lo + p.cfg.Rand.Intn(span+1)
		} else {
			p.threshold = lo + rand.Intn(span+1)
		}
		return
	}
	p.threshold = lo
}

// longestSuffixPrefix returns the length of the longest proper suffix of s
// that is a prefix of marker.
func longestSuffixPrefix(s, marker []byte) int {
	limit := len(marker) - 1
	if len(s) < limit {
		limit = len(s)
	}
	for l := limit; l > 0; l-- {
		if bytes.Equal(s[len(s)-l:], marker[:l]) {
			return l
		}
	}
	return 0
}
