package stream

import (
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/opencmit/alphora/pkg/models"
)

func runMatcher(t *testing.T, p *PatternMatcher, chunks ...string) []models.ChunkEvent {
	t.Helper()
	var out []models.ChunkEvent
	for _, c := range chunks {
		out = append(out, p.Transform(models.NewChunk(models.ContentTypeChar, c))...)
	}
	return append(out, p.Flush()...)
}

func TestNewPatternMatcher_RejectsEmptyMarkers(t *testing.T) {
	if _, err := NewPatternMatcher(PatternMatcherConfig{BOS: "", EOS: "</a>"}); !errors.Is(err, ErrBadMarker) {
		t.Errorf("err = %v, want ErrBadMarker", err)
	}
	if _, err := NewPatternMatcher(PatternMatcherConfig{BOS: "<a>", EOS: ""}); !errors.Is(err, ErrBadMarker) {
		t.Errorf("err = %v, want ErrBadMarker", err)
	}
}

func TestNewPatternMatcher_RejectsInvertedBufferBounds(t *testing.T) {
	_, err := NewPatternMatcher(PatternMatcherConfig{BOS: "<a>", EOS: "</a>", MinBufferSize: 5, MaxBufferSize: 2})
	if err == nil {
		t.Error("expected an error for max < min")
	}
}

func TestPatternMatcher_OnlyMatchedAcrossChunkBoundary(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{BOS: "<a>", EOS: "</a>", Mode: MatchOnly})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "pre <", "a>mid</a> post")
	if got := contents(out); got != "mid" {
		t.Errorf("matched output = %q, want %q", got, "mid")
	}
}

func TestPatternMatcher_MarkerSplitAcrossThreeChunks(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{
		BOS: "<<<", EOS: ">>>",
		MatchedType:   models.ContentTypeThink,
		UnmatchedType: models.ContentTypeChar,
	})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "a<", "<", "<b>", ">", ">c")

	var matched, unmatched string
	for _, ev := range out {
		switch ev.ContentType {
		case models.ContentTypeThink:
			matched += ev.Content
		case models.ContentTypeChar:
			unmatched += ev.Content
		default:
			t.Errorf("unexpected content type %q", ev.ContentType)
		}
	}
	if matched != "b" {
		t.Errorf("matched = %q, want %q", matched, "b")
	}
	if unmatched != "ac" {
		t.Errorf("unmatched = %q, want %q", unmatched, "ac")
	}
}

func TestPatternMatcher_IncludeMarkers(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{
		BOS: "<a>", EOS: "</a>",
		Mode:       MatchOnly,
		IncludeBOS: true,
		IncludeEOS: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "x<a>y</a>z")
	if got := contents(out); got != "<a>y</a>" {
		t.Errorf("matched output = %q, want %q", got, "<a>y</a>")
	}
}

func TestPatternMatcher_ExcludeMatched(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{BOS: "<a>", EOS: "</a>", Mode: MatchExclude})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "x<a>y</a>z")
	if got := contents(out); got != "xz" {
		t.Errorf("unmatched output = %q, want %q", got, "xz")
	}
}

func TestPatternMatcher_RetypesRegions(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{
		BOS: "<think>", EOS: "</think>",
		MatchedType: models.ContentTypeThink,
	})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "say <think>hmm</think> done")
	for _, ev := range out {
		switch ev.Content {
		case "hmm":
			if ev.ContentType != models.ContentTypeThink {
				t.Errorf("matched region type = %q, want think", ev.ContentType)
			}
		default:
			if ev.ContentType != models.ContentTypeChar {
				t.Errorf("unmatched region %q type = %q, want char", ev.Content, ev.ContentType)
			}
		}
	}
}

func TestPatternMatcher_UnterminatedRegionFlushesAsMatched(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{
		BOS: "<a>", EOS: "</a>",
		MatchedType:   models.ContentTypeThink,
		UnmatchedType: models.ContentTypeChar,
	})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "pre <a>tail")

	var matched string
	for _, ev := range out {
		if ev.ContentType == models.ContentTypeThink {
			matched += ev.Content
		}
	}
	if matched != "tail" {
		t.Errorf("matched = %q, want %q", matched, "tail")
	}
}

func TestPatternMatcher_DanglingPartialMarkerFallsBack(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{BOS: "<a>", EOS: "</a>"})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "x<")
	if got := contents(out); got != "x<" {
		t.Errorf("output = %q, want %q", got, "x<")
	}
}

func TestPatternMatcher_FixedBufferGranularity(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{
		BOS: "<a>", EOS: "</a>",
		MinBufferSize: 4,
		MaxBufferSize: 4,
	})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "abcdefghij")
	want := []string{"abcd", "efgh", "ij"}
	if len(out) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(out), out)
	}
	for i, ev := range out {
		if ev.Content != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.Content, want[i])
		}
	}
}

func TestPatternMatcher_BufferNeverCrossesRegionBoundary(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{
		BOS: "<a>", EOS: "</a>",
		MinBufferSize: 100,
		MaxBufferSize: 100,
	})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "aa<a>bb</a>cc")
	want := []string{"aa", "bb", "cc"}
	if len(out) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(out), out)
	}
	for i, ev := range out {
		if ev.Content != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.Content, want[i])
		}
	}
}

func TestPatternMatcher_NeverTearsRunes(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{
		BOS: "<a>", EOS: "</a>",
		MinBufferSize: 1,
		MaxBufferSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	raw := []byte("é")
	out := runMatcher(t, p, string(raw[:1]), string(raw[1:]))
	if got := contents(out); got != "é" {
		t.Fatalf("output = %q, want %q", got, "é")
	}
	for i, ev := range out {
		if !utf8.ValidString(ev.Content) {
			t.Errorf("event %d carries invalid UTF-8: %q", i, ev.Content)
		}
	}
}

func TestPatternMatcher_ConsecutiveRegions(t *testing.T) {
	p, err := NewPatternMatcher(PatternMatcherConfig{BOS: "<a>", EOS: "</a>", Mode: MatchOnly})
	if err != nil {
		t.Fatal(err)
	}

	out := runMatcher(t, p, "<a>x</a><a>y</a>")
	if got := contents(out); got != "xy" {
		t.Errorf("matched output = %q, want %q", got, "xy")
	}
}
