package models

// ContentType tags the semantic role of a streamed chunk. Beyond the
// predefined tags, postprocessors may attach arbitrary caller-defined types;
// a chunk's content type is never empty.
type ContentType string

const (
	ContentTypeThink  ContentType = "think"
	ContentTypeChar   ContentType = "char"
	ContentTypeTool   ContentType = "tool"
	ContentTypeStatus ContentType = "status"
)

// Routing sentinels. They are produced only by postprocessors (the JSON key
// extractor in particular, never by the LLM adapter) and decide which of the
// two output channels a chunk reaches: the live stream to the client and the
// aggregated response text. They are routing metadata, not errors, and never
// appear in client-visible frames.
const (
	// ContentTypeStreamIgnore chunks join the aggregate only.
	ContentTypeStreamIgnore ContentType = "[STREAM_IGNORE]"
	// ContentTypeResponseIgnore chunks are streamed only.
	ContentTypeResponseIgnore ContentType = "[RESPONSE_IGNORE]"
	// ContentTypeBothIgnore chunks are dropped from both channels.
	ContentTypeBothIgnore ContentType = "[BOTH_IGNORE]"
)

// ChunkEvent is one quantum of a streamed LLM response after local tagging.
type ChunkEvent struct {
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
}

// NewChunk builds a chunk event, defaulting an empty type to char.
func NewChunk(contentType ContentType, content string) ChunkEvent {
	if contentType == "" {
		contentType = ContentTypeChar
	}
	return ChunkEvent{Content: content, ContentType: contentType}
}

// WithType returns a copy of the event retagged with the given type.
func (e ChunkEvent) WithType(contentType ContentType) ChunkEvent {
	e.ContentType = contentType
	return e
}

// IsSentinel reports whether the event carries a routing sentinel type.
func (e ChunkEvent) IsSentinel() bool {
	switch e.ContentType {
	case ContentTypeStreamIgnore, ContentTypeResponseIgnore, ContentTypeBothIgnore:
		return true
	}
	return false
}

// Routing resolves the sentinel rules for the event: toStream is whether it
// is forwarded to the live client stream, toAggregate whether it joins the
// aggregated response text. Non-sentinel chunks go to both.
func (e ChunkEvent) Routing() (toStream, toAggregate bool) {
	switch e.ContentType {
	case ContentTypeStreamIgnore:
		return false, true
	case ContentTypeResponseIgnore:
		return true, false
	case ContentTypeBothIgnore:
		return false, false
	default:
		return true, true
	}
}
