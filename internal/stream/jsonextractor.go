package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/opencmit/alphora/pkg/models"
)

// OutputMode selects how a JsonKeyExtractor splits its two outputs: what is
// streamed to the client and what survives into the aggregated response
// text. The routing sentinels are the mechanism; this postprocessor is their
// only producer.
type OutputMode string

const (
	// OutputTargetOnly delivers the target value to both channels; the rest
	// of the JSON is dropped from both.
	OutputTargetOnly OutputMode = "target_only"
	// OutputRaw passes the original JSON through untouched.
	OutputRaw OutputMode = "raw"
	// OutputBoth streams the target value to the client while the aggregate
	// keeps the complete raw JSON.
	OutputBoth OutputMode = "both"
)

// JsonKeyExtractorConfig configures a JsonKeyExtractor.
type JsonKeyExtractorConfig struct {
	// TargetKey addresses the value to extract: a key, a dot path, with
	// optional [index] steps on arrays ("choices[0].text").
	TargetKey string
	// Mode defaults to OutputTargetOnly.
	Mode OutputMode
	// TargetType tags extracted value chunks; defaults to char.
	TargetType models.ContentType
	// DisableValueStop keeps attributing bytes to a scalar target after its
	// natural "," or "}" terminator, through the end of the stream. String
	// and composite values end at their own delimiters regardless.
	DisableValueStop bool
}

type pathSeg struct {
	key   string
	index int
	isIdx bool
}

type memberPhase int

const (
	phaseWantKey memberPhase = iota
	phaseWantColon
	phaseWantValue
	phaseInValue
	phaseAfterValue
)

type exFrame struct {
	isObject bool
	phase    memberPhase
	index    int
	match    int // path segments matched entering this container; -1 mismatch
	curKey   []byte
}

// JsonKeyExtractor streams the value of a target key out of a streaming
// JSON object, independent of chunking. It tracks string and escape state
// and nesting depth byte by byte; string values are emitted as their inner
// bytes (escapes preserved, delimiters excluded), composite and scalar
// values as their raw bytes exclusive of the terminating comma or brace.
type JsonKeyExtractor struct {
	path       []pathSeg
	mode       OutputMode
	targetType models.ContentType
	noStop     bool

	started bool
	broken  bool
	done    bool

	stack     []exFrame
	inString  bool
	escaped   bool
	keyString bool

	awaitTarget    bool
	inTarget       bool
	targetIsString bool
	targetScalar   bool
	targetDepth    int

	runeHold []byte
}

// NewJsonKeyExtractor builds a JsonKeyExtractor for the given configuration.
func NewJsonKeyExtractor(cfg JsonKeyExtractorConfig) (*JsonKeyExtractor, error) {
	path, err := parseTargetPath(cfg.TargetKey)
	if err != nil {
		return nil, err
	}
	mode := cfg.Mode
	if mode == "" {
		mode = OutputTargetOnly
	}
	targetType := cfg.TargetType
	if targetType == "" {
		targetType = models.ContentTypeChar
	}
	return &JsonKeyExtractor{
		path:       path,
		mode:       mode,
		targetType: targetType,
		noStop:     cfg.DisableValueStop,
	}, nil
}

func parseTargetPath(s string) ([]pathSeg, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("target key must be non-empty")
	}
	var path []pathSeg
	for _, part := range strings.Split(s, ".") {
		base := part
		var idxText string
		if i := strings.IndexByte(part, '['); i >= 0 {
			base, idxText = part[:i], part[i:]
		}
		if base != "" {
			path = append(path, pathSeg{key: base})
		}
		for idxText != "" {
			end := strings.IndexByte(idxText, ']')
			if !strings.HasPrefix(idxText, "[") || end < 0 {
				return nil, fmt.Errorf("malformed index in target key %q", s)
			}
			n, err := strconv.Atoi(idxText[1:end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("malformed index in target key %q", s)
			}
			path = append(path, pathSeg{index: n, isIdx: true})
			idxText = idxText[end+1:]
		}
	}
	if len(path) == 0 {
		return nil, errors.New("target key must be non-empty")
	}
	return path, nil
}

// span is a maximal run of bytes with uniform target attribution inside one
// input chunk.
type span struct {
	target bool
	data   []byte
}

func (x *JsonKeyExtractor) Name() string { return "json_key_extractor" }

func (x *JsonKeyExtractor) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	if x.mode == OutputRaw {
		return []models.ChunkEvent{ev}
	}
	return x.route(ev, x.scan(ev.Content))
}

// scan attributes every byte of the chunk and groups contiguous runs.
func (x *JsonKeyExtractor) scan(content string) []span {
	var spans []span
	var buf bytes.Buffer
	var bufTarget bool
	cut := func() {
		if buf.Len() == 0 {
			return
		}
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		buf.Reset()
		spans = append(spans, span{target: bufTarget, data: data})
	}
	for i := 0; i < len(content); i++ {
		target := x.scanByte(content[i])
		if target != bufTarget {
			cut()
			bufTarget = target
		}
		buf.WriteByte(content[i])
	}
	cut()
	return spans
}

func (x *JsonKeyExtractor) route(ev models.ChunkEvent, spans []span) []models.ChunkEvent {
	var out []models.ChunkEvent
	if x.mode == OutputBoth && ev.Content != "" {
		out = append(out, models.ChunkEvent{Content: ev.Content, ContentType: models.ContentTypeStreamIgnore})
	}
	for _, sp := range spans {
		if sp.target {
			if content := x.completeRunes(sp.data); content != "" {
				out = append(out, models.ChunkEvent{Content: content, ContentType: x.targetChunkType()})
			}
			continue
		}
		if x.mode == OutputTargetOnly {
			out = append(out, models.ChunkEvent{Content: string(sp.data), ContentType: models.ContentTypeBothIgnore})
		}
	}
	return out
}

func (x *JsonKeyExtractor) targetChunkType() models.ContentType {
	if x.mode == OutputBoth {
		return models.ContentTypeResponseIgnore
	}
	return x.targetType
}

// completeRunes prefixes held bytes and withholds a trailing partial rune so
// streamed value chunks never carry a torn multi-byte character.
func (x *JsonKeyExtractor) completeRunes(data []byte) string {
	joined := append(x.runeHold, data...)
	x.runeHold = nil
	cut := len(joined)
	i := cut - 1
	for i >= 0 && !utf8.RuneStart(joined[i]) {
		i--
	}
	if i >= 0 && !utf8.FullRune(joined[i:]) {
		cut = i
	}
	if cut < len(joined) {
		x.runeHold = append([]byte(nil), joined[cut:]...)
	}
	return string(joined[:cut])
}

// Flush releases a held partial rune at end of input.
func (x *JsonKeyExtractor) Flush() []models.ChunkEvent {
	if len(x.runeHold) == 0 {
		return nil
	}
	content := string(x.runeHold)
	x.runeHold = nil
	return []models.ChunkEvent{{Content: content, ContentType: x.targetChunkType()}}
}

// scanByte advances the scanner by one byte and reports whether the byte
// belongs to the target value.
func (x *JsonKeyExtractor) scanByte(b byte) bool {
	if x.broken || x.done {
		return false
	}
	if x.inTarget && x.targetScalar && x.noStop {
		return true
	}

	if x.inString {
		return x.scanStringByte(b)
	}

	switch b {
	case ' ', '\t', '\n', '\r':
		return x.inComposite()
	case '"':
		return x.scanQuote()
	case ':':
		if f := x.top(); f != nil && f.isObject && f.phase == phaseWantColon {
			f.phase = phaseWantValue
		}
		return x.inComposite()
	case ',':
		x.endScalarIfAny()
		if f := x.top(); f != nil {
			f.index++
			if f.isObject {
				f.phase = phaseWantKey
			} else {
				f.phase = phaseWantValue
			}
		}
		return x.inComposite()
	case '{', '[':
		return x.scanOpen(b)
	case '}', ']':
		return x.scanClose()
	default:
		return x.scanScalarByte()
	}
}

func (x *JsonKeyExtractor) scanStringByte(b byte) bool {
	target := x.inComposite() || (x.inTarget && x.targetIsString)
	if x.escaped {
		x.escaped = false
		if x.keyString {
			x.appendKey(b)
		}
		return target
	}
	switch b {
	case '\\':
		x.escaped = true
		if x.keyString {
			x.appendKey(b)
		}
		return target
	case '"':
		x.inString = false
		if x.keyString {
			x.keyString = false
			if f := x.top(); f != nil {
				f.phase = phaseWantColon
			}
			return x.inComposite()
		}
		if x.inTarget && x.targetIsString {
			// Closing delimiter of the target string: excluded.
			x.inTarget = false
			x.targetIsString = false
			x.done = true
			if f := x.top(); f != nil {
				f.phase = phaseAfterValue
			}
			return false
		}
		if f := x.top(); f != nil {
			f.phase = phaseAfterValue
		}
		return x.inComposite()
	default:
		if x.keyString {
			x.appendKey(b)
		}
		return target
	}
}

func (x *JsonKeyExtractor) scanQuote() bool {
	f := x.top()
	if f == nil {
		// String outside any container: not a JSON object stream we track.
		x.broken = true
		return false
	}
	x.inString = true
	x.escaped = false
	if f.isObject && f.phase == phaseWantKey {
		x.keyString = true
		f.curKey = f.curKey[:0]
		return x.inComposite()
	}
	if f.phase == phaseWantValue {
		await := x.memberMatch(f) == len(x.path)
		f.phase = phaseInValue
		if await && !x.inComposite() {
			x.inTarget = true
			x.targetIsString = true
			// Opening delimiter excluded from the value bytes.
			return false
		}
	}
	return x.inComposite()
}

func (x *JsonKeyExtractor) scanOpen(b byte) bool {
	target := x.inComposite()
	match := -1
	if f := x.top(); f != nil {
		if f.phase == phaseWantValue {
			match = x.memberMatch(f)
			f.phase = phaseInValue
			if match == len(x.path) && !target {
				x.inTarget = true
				x.targetIsString = false
				x.targetScalar = false
				x.targetDepth = len(x.stack)
				target = true
			}
		}
	} else {
		if x.started {
			x.broken = true
			return false
		}
		x.started = true
		match = 0
	}
	isObject := b == '{'
	phase := phaseWantValue
	if isObject {
		phase = phaseWantKey
	}
	x.stack = append(x.stack, exFrame{isObject: isObject, phase: phase, match: match})
	return target
}

func (x *JsonKeyExtractor) scanClose() bool {
	x.endScalarIfAny()
	if len(x.stack) == 0 {
		x.broken = true
		return false
	}
	closingTarget := x.inTarget && !x.targetIsString && !x.targetScalar && len(x.stack)-1 == x.targetDepth
	x.stack = x.stack[:len(x.stack)-1]
	if closingTarget {
		// Closing brace of a composite target value: included.
		x.inTarget = false
		x.done = true
		if f := x.top(); f != nil {
			f.phase = phaseAfterValue
		}
		return true
	}
	if f := x.top(); f != nil {
		f.phase = phaseAfterValue
	}
	return x.inComposite()
}

func (x *JsonKeyExtractor) scanScalarByte() bool {
	f := x.top()
	if f == nil {
		return false
	}
	if f.phase == phaseWantValue {
		await := x.memberMatch(f) == len(x.path)
		f.phase = phaseInValue
		if await && !x.inComposite() {
			x.inTarget = true
			x.targetScalar = true
		}
	}
	if f.phase == phaseInValue && x.targetScalar && x.inTarget {
		return true
	}
	return x.inComposite()
}

// endScalarIfAny closes an in-flight scalar value at its terminator. The
// terminator byte itself is excluded from the value.
func (x *JsonKeyExtractor) endScalarIfAny() {
	f := x.top()
	if f == nil || f.phase != phaseInValue {
		return
	}
	f.phase = phaseAfterValue
	if x.inTarget && x.targetScalar {
		x.inTarget = false
		x.targetScalar = false
		x.done = true
	}
}

// inComposite reports whether the scanner is inside a composite target
// value, where every byte belongs to the target.
func (x *JsonKeyExtractor) inComposite() bool {
	return x.inTarget && !x.targetIsString && !x.targetScalar
}

func (x *JsonKeyExtractor) memberMatch(f *exFrame) int {
	if f.match < 0 || f.match >= len(x.path) {
		return -1
	}
	seg := x.path[f.match]
	if f.isObject {
		if seg.isIdx || string(f.curKey) != seg.key {
			return -1
		}
		return f.match + 1
	}
	if !seg.isIdx || f.index != seg.index {
		return -1
	}
	return f.match + 1
}

func (x *JsonKeyExtractor) top() *exFrame {
	if len(x.stack) == 0 {
		return nil
	}
	return &x.stack[len(x.stack)-1]
}

func (x *JsonKeyExtractor) appendKey(b byte) {
	if f := x.top(); f != nil {
		f.curKey = append(f.curKey, b)
	}
}
