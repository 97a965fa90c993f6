// Package models defines the shared data model of the Alphora runtime:
// conversation messages, streamed chunk events, and the tool-calling
// contract exchanged between the agent core and its collaborators.
package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// AttachmentKind classifies a multimodal attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentVideo AttachmentKind = "video"
)

var (
	// ErrInvalidMultimodalPayload reports an attachment whose payload is not
	// valid base64 or whose declared format is outside the allowed set.
	ErrInvalidMultimodalPayload = errors.New("invalid multimodal payload")

	// ErrEmptyMessage reports a message carrying neither text nor attachments.
	ErrEmptyMessage = errors.New("message has neither text nor attachments")
)

var (
	imageMimes = map[string]string{
		"png":  "image/png",
		"jpg":  "image/jpeg",
		"jpeg": "image/jpeg",
		"bmp":  "image/bmp",
		"gif":  "image/gif",
		"webp": "image/webp",
		"tiff": "image/tiff",
		"icns": "image/icns",
	}
	audioMimes = map[string]string{
		"mp3":  "audio/mpeg",
		"wav":  "audio/wav",
		"ogg":  "audio/ogg",
		"flac": "audio/flac",
		"aac":  "audio/aac",
		"m4a":  "audio/mp4",
	}
	videoMimes = map[string]string{
		"mp4":  "video/mp4",
		"webm": "video/webm",
		"mov":  "video/quicktime",
		"avi":  "video/x-msvideo",
		"mkv":  "video/x-matroska",
		"flv":  "video/x-flv",
	}
)

// Attachment is one multimodal payload carried by a message. Data holds the
// base64 text exactly as supplied by the caller; it is decoded only for
// validation.
type Attachment struct {
	Kind   AttachmentKind `json:"kind"`
	Format string         `json:"format"`
	Data   string         `json:"data"`
}

// MimeType returns the MIME type matching the attachment's declared format.
func (a Attachment) MimeType() string {
	switch a.Kind {
	case AttachmentImage:
		return imageMimes[a.Format]
	case AttachmentAudio:
		return audioMimes[a.Format]
	case AttachmentVideo:
		return videoMimes[a.Format]
	}
	return ""
}

// DataURL renders the attachment as a data: URL for backend content parts.
func (a Attachment) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", a.MimeType(), a.Data)
}

// Message is one ordered record of a conversation transcript. A message is
// assembled with the Add helpers and becomes immutable once appended to
// session memory; it is serialized to backend wire form only at
// request-assembly time.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
}

// NewMessage returns an empty message with the given role.
func NewMessage(role Role) *Message {
	return &Message{Role: role, CreatedAt: time.Now()}
}

// NewUserMessage returns a user message with text content.
func NewUserMessage(content string) *Message {
	m := NewMessage(RoleUser)
	m.Content = content
	return m
}

// NewSystemMessage returns a system message with text content.
func NewSystemMessage(content string) *Message {
	m := NewMessage(RoleSystem)
	m.Content = content
	return m
}

// NewAssistantMessage returns an assistant message with text content and
// optional tool calls.
func NewAssistantMessage(content string, calls ...ToolCall) *Message {
	m := NewMessage(RoleAssistant)
	m.Content = content
	m.ToolCalls = calls
	return m
}

// NewToolMessage returns a tool-role message answering the given call id.
func NewToolMessage(callID, content string) *Message {
	m := NewMessage(RoleTool)
	m.ToolCallID = callID
	m.Content = content
	return m
}

// AddText appends text to the message content.
func (m *Message) AddText(text string) *Message {
	m.Content += text
	return m
}

// AddImage attaches a base64 image payload with the given format.
func (m *Message) AddImage(data, format string) error {
	return m.addAttachment(AttachmentImage, data, format, imageMimes)
}

// AddAudio attaches a base64 audio payload with the given format.
func (m *Message) AddAudio(data, format string) error {
	return m.addAttachment(AttachmentAudio, data, format, audioMimes)
}

// AddVideo attaches a base64 video payload with the given format.
func (m *Message) AddVideo(data, format string) error {
	return m.addAttachment(AttachmentVideo, data, format, videoMimes)
}

func (m *Message) addAttachment(kind AttachmentKind, data, format string, allowed map[string]string) error {
	format = strings.ToLower(format)
	if _, ok := allowed[format]; !ok {
		return fmt.Errorf("%w: unsupported %s format %q", ErrInvalidMultimodalPayload, kind, format)
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return fmt.Errorf("%w: %s payload is not valid base64: %v", ErrInvalidMultimodalPayload, kind, err)
	}
	m.Attachments = append(m.Attachments, Attachment{Kind: kind, Format: format, Data: data})
	return nil
}

// Validate rejects messages that carry neither text nor attachments.
func (m *Message) Validate() error {
	if m.Content == "" && len(m.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

// HasMedia reports whether the message carries any non-text attachment.
// The LLM client uses it to restrict endpoint selection to multimodal
// backends.
func (m *Message) HasMedia() bool {
	return len(m.Attachments) > 0
}

// ContentPart is one element of a multimodal backend content list.
type ContentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *ImageURL   `json:"image_url,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
	VideoURL   *VideoURL   `json:"video_url,omitempty"`
}

// ImageURL wraps an image reference; for attachments it is a data: URL.
type ImageURL struct {
	URL string `json:"url"`
}

// InputAudio carries base64 audio with its container format.
type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// VideoURL wraps a video reference; for attachments it is a data: URL.
type VideoURL struct {
	URL string `json:"url"`
}

// ToBackend serializes the message content to the form the chat-completions
// wire accepts: a plain string for text-only messages, or a list of typed
// parts (text first, then one part per attachment) when media is present.
func (m *Message) ToBackend() (any, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if len(m.Attachments) == 0 {
		return m.Content, nil
	}
	parts := make([]ContentPart, 0, len(m.Attachments)+1)
	if m.Content != "" {
		parts = append(parts, ContentPart{Type: "text", Text: m.Content})
	}
	for _, att := range m.Attachments {
		switch att.Kind {
		case AttachmentImage:
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: att.DataURL()}})
		case AttachmentAudio:
			parts = append(parts, ContentPart{Type: "input_audio", InputAudio: &InputAudio{Data: att.Data, Format: att.Format}})
		case AttachmentVideo:
			parts = append(parts, ContentPart{Type: "video_url", VideoURL: &VideoURL{URL: att.DataURL()}})
		default:
			return nil, fmt.Errorf("%w: unknown attachment kind %q", ErrInvalidMultimodalPayload, att.Kind)
		}
	}
	return parts, nil
}
