package models

import "testing"

func TestNewChunk_DefaultsToChar(t *testing.T) {
	ev := NewChunk("", "hi")
	if ev.ContentType != ContentTypeChar {
		t.Errorf("ContentType = %q, want %q", ev.ContentType, ContentTypeChar)
	}
	if ev.Content != "hi" {
		t.Errorf("Content = %q, want %q", ev.Content, "hi")
	}
}

func TestChunkEvent_Routing(t *testing.T) {
	tests := []struct {
		name        string
		contentType ContentType
		toStream    bool
		toAggregate bool
	}{
		{"char goes both ways", ContentTypeChar, true, true},
		{"think goes both ways", ContentTypeThink, true, true},
		{"custom type goes both ways", ContentType("verse"), true, true},
		{"stream-ignore aggregates only", ContentTypeStreamIgnore, false, true},
		{"response-ignore streams only", ContentTypeResponseIgnore, true, false},
		{"both-ignore is dropped", ContentTypeBothIgnore, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewChunk(tt.contentType, "x")
			toStream, toAggregate := ev.Routing()
			if toStream != tt.toStream {
				t.Errorf("toStream = %v, want %v", toStream, tt.toStream)
			}
			if toAggregate != tt.toAggregate {
				t.Errorf("toAggregate = %v, want %v", toAggregate, tt.toAggregate)
			}
		})
	}
}

func TestChunkEvent_IsSentinel(t *testing.T) {
	sentinels := []ContentType{ContentTypeStreamIgnore, ContentTypeResponseIgnore, ContentTypeBothIgnore}
	for _, ct := range sentinels {
		if !NewChunk(ct, "x").IsSentinel() {
			t.Errorf("IsSentinel(%q) = false, want true", ct)
		}
	}
	for _, ct := range []ContentType{ContentTypeChar, ContentTypeThink, ContentTypeTool, ContentTypeStatus, "custom"} {
		if NewChunk(ct, "x").IsSentinel() {
			t.Errorf("IsSentinel(%q) = true, want false", ct)
		}
	}
}

func TestChunkEvent_WithType(t *testing.T) {
	ev := NewChunk(ContentTypeChar, "x")
	retagged := ev.WithType(ContentTypeThink)
	if retagged.ContentType != ContentTypeThink {
		t.Errorf("retagged type = %q, want %q", retagged.ContentType, ContentTypeThink)
	}
	if ev.ContentType != ContentTypeChar {
		t.Errorf("original mutated to %q, want %q", ev.ContentType, ContentTypeChar)
	}
}
