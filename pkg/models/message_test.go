package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleSystem, "system"},
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_AddText(t *testing.T) {
	m := NewMessage(RoleUser)
	m.AddText("Hello, ").AddText("world.")

	if m.Content != "Hello, world." {
		t.Errorf("Content = %q, want %q", m.Content, "Hello, world.")
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestMessage_AddImage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))

	m := NewMessage(RoleUser)
	if err := m.AddImage(payload, "png"); err != nil {
		t.Fatalf("AddImage error: %v", err)
	}
	if len(m.Attachments) != 1 {
		t.Fatalf("Attachments length = %d, want 1", len(m.Attachments))
	}
	att := m.Attachments[0]
	if att.Kind != AttachmentImage {
		t.Errorf("Kind = %q, want %q", att.Kind, AttachmentImage)
	}
	if att.MimeType() != "image/png" {
		t.Errorf("MimeType() = %q, want %q", att.MimeType(), "image/png")
	}
	if !m.HasMedia() {
		t.Error("HasMedia() = false, want true")
	}
}

func TestMessage_AddImage_FormatNormalized(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("x"))

	m := NewMessage(RoleUser)
	if err := m.AddImage(payload, "JPEG"); err != nil {
		t.Fatalf("AddImage error: %v", err)
	}
	if m.Attachments[0].Format != "jpeg" {
		t.Errorf("Format = %q, want %q", m.Attachments[0].Format, "jpeg")
	}
}

func TestMessage_AddAttachment_Invalid(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString([]byte("x"))

	tests := []struct {
		name string
		add  func(m *Message) error
	}{
		{"bad base64 image", func(m *Message) error { return m.AddImage("not-base64!!!", "png") }},
		{"unknown image format", func(m *Message) error { return m.AddImage(valid, "svg") }},
		{"unknown audio format", func(m *Message) error { return m.AddAudio(valid, "midi") }},
		{"unknown video format", func(m *Message) error { return m.AddVideo(valid, "wmv") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMessage(RoleUser)
			err := tt.add(m)
			if !errors.Is(err, ErrInvalidMultimodalPayload) {
				t.Errorf("error = %v, want ErrInvalidMultimodalPayload", err)
			}
			if len(m.Attachments) != 0 {
				t.Errorf("Attachments length = %d, want 0", len(m.Attachments))
			}
		})
	}
}

func TestMessage_Validate_Empty(t *testing.T) {
	m := NewMessage(RoleUser)
	if err := m.Validate(); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Validate() = %v, want ErrEmptyMessage", err)
	}
}

func TestMessage_ToBackend_TextOnly(t *testing.T) {
	m := NewUserMessage("just text")

	got, err := m.ToBackend()
	if err != nil {
		t.Fatalf("ToBackend error: %v", err)
	}
	s, ok := got.(string)
	if !ok {
		t.Fatalf("ToBackend returned %T, want string", got)
	}
	if s != "just text" {
		t.Errorf("content = %q, want %q", s, "just text")
	}
}

func TestMessage_ToBackend_Multimodal(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("img"))

	m := NewUserMessage("describe this")
	if err := m.AddImage(payload, "jpg"); err != nil {
		t.Fatalf("AddImage error: %v", err)
	}

	got, err := m.ToBackend()
	if err != nil {
		t.Fatalf("ToBackend error: %v", err)
	}
	parts, ok := got.([]ContentPart)
	if !ok {
		t.Fatalf("ToBackend returned %T, want []ContentPart", got)
	}
	if len(parts) != 2 {
		t.Fatalf("parts length = %d, want 2", len(parts))
	}
	if parts[0].Type != "text" || parts[0].Text != "describe this" {
		t.Errorf("parts[0] = %+v, want text part", parts[0])
	}
	if parts[1].Type != "image_url" {
		t.Fatalf("parts[1].Type = %q, want %q", parts[1].Type, "image_url")
	}
	wantURL := "data:image/jpeg;base64," + payload
	if parts[1].ImageURL.URL != wantURL {
		t.Errorf("image URL = %q, want %q", parts[1].ImageURL.URL, wantURL)
	}
}

func TestMessage_ToBackend_AudioPart(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("pcm"))

	m := NewMessage(RoleUser)
	if err := m.AddAudio(payload, "wav"); err != nil {
		t.Fatalf("AddAudio error: %v", err)
	}

	got, err := m.ToBackend()
	if err != nil {
		t.Fatalf("ToBackend error: %v", err)
	}
	parts := got.([]ContentPart)
	if len(parts) != 1 {
		t.Fatalf("parts length = %d, want 1", len(parts))
	}
	if parts[0].Type != "input_audio" {
		t.Errorf("Type = %q, want %q", parts[0].Type, "input_audio")
	}
	if parts[0].InputAudio.Format != "wav" {
		t.Errorf("Format = %q, want %q", parts[0].InputAudio.Format, "wav")
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original := NewAssistantMessage("checking", ToolCall{
		ID:        "c1",
		Name:      "add",
		Arguments: map[string]any{"a": float64(2), "b": float64(3)},
	})

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Role != RoleAssistant {
		t.Errorf("Role = %q, want %q", decoded.Role, RoleAssistant)
	}
	if len(decoded.ToolCalls) != 1 {
		t.Fatalf("ToolCalls length = %d, want 1", len(decoded.ToolCalls))
	}
	if decoded.ToolCalls[0].ID != "c1" {
		t.Errorf("ToolCalls[0].ID = %q, want %q", decoded.ToolCalls[0].ID, "c1")
	}
	if got := decoded.ToolCalls[0].Arguments["a"]; got != float64(2) {
		t.Errorf("Arguments[a] = %v, want 2", got)
	}
	if strings.Contains(string(data), "ArgumentsText") {
		t.Error("raw argument text leaked into the serialized form")
	}
}

func TestToolResult_OK(t *testing.T) {
	tests := []struct {
		status ToolStatus
		want   bool
	}{
		{ToolStatusSuccess, true},
		{ToolStatusError, false},
		{ToolStatusTimeout, false},
		{ToolStatusCancelled, false},
		{ToolStatusNotFound, false},
		{ToolStatusValidationError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r := ToolResult{Status: tt.status}
			if r.OK() != tt.want {
				t.Errorf("OK() = %v, want %v", r.OK(), tt.want)
			}
		})
	}
}

func TestToolDescriptor_Schema(t *testing.T) {
	d := &ToolDescriptor{
		Name:        "add",
		Description: "Adds two integers.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"}}}`),
	}

	s := d.Schema()
	if s.Type != "function" {
		t.Errorf("Type = %q, want %q", s.Type, "function")
	}
	if s.Function.Name != "add" {
		t.Errorf("Function.Name = %q, want %q", s.Function.Name, "add")
	}

	empty := &ToolDescriptor{Name: "noop"}
	if got := string(empty.Schema().Function.Parameters); got != `{"type":"object"}` {
		t.Errorf("empty Parameters = %s, want {\"type\":\"object\"}", got)
	}
}
