package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"google.golang.org/genai"
)

// Session is a server-tracked conversation context. Both backend protocols are decoded into this shape, so callers
// never see protocol specific casing or envelopes. The ID is assigned by the backend and never changes.
type Session struct {
	ID             string
	AppName        string
	UserID         string
	State          map[string]any
	LastUpdateTime float64
	Events         []Event
}

// Event is one append-only entry of a session log, authored by the user or by an agent.
type Event struct {
	ID           string
	Author       string
	InvocationID string
	Content      EventContent
	// Timestamp is the raw numeric timestamp reported by the backend. It is used as-is for ordering.
	Timestamp    float64
	TurnComplete bool
	Partial      bool
	ErrorCode    string
	ErrorMessage string
}

// ContentKind tells which representation an EventContent carries.
type ContentKind int

const (
	// ContentEmpty is an event without content.
	ContentEmpty ContentKind = iota
	// ContentStructured is content decoded into role and parts.
	ContentStructured
	// ContentLiteral is content that arrived as a string that could not be decoded; the string is the text.
	ContentLiteral
)

// EventContent is the single internal representation of event content. Backends send content either as an
// object or as a JSON encoded string; DecodeEventContent settles that once so downstream code sees one shape.
type EventContent struct {
	Kind ContentKind

	// Role and Parts would be filled if Kind is ContentStructured.
	Role  string
	Parts []*genai.Part

	// Literal would be filled if Kind is ContentLiteral.
	Literal string
}

type rawContent struct {
	Role  string            `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

// textPart is the part shape used when a part does not decode as a genai.Part, for example when its binary
// fields carry URL-safe base64.
type textPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought"`
}

// DecodeEventContent decodes the raw "content" field of an event. Objects are decoded directly; strings are
// parsed as JSON content and kept as literal text when parsing fails. Parts are decoded one by one, so a part
// that cannot be decoded never hides the text of the others.
func DecodeEventContent(raw json.RawMessage) EventContent {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return EventContent{Kind: ContentEmpty}
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return EventContent{Kind: ContentLiteral, Literal: string(raw)}
		}
		trimmed := strings.TrimSpace(s)
		if !strings.HasPrefix(trimmed, "{") {
			return EventContent{Kind: ContentLiteral, Literal: s}
		}
		content, ok := decodeStructured([]byte(trimmed))
		if !ok {
			return EventContent{Kind: ContentLiteral, Literal: s}
		}
		return content
	}

	content, ok := decodeStructured(raw)
	if !ok {
		return EventContent{Kind: ContentLiteral, Literal: string(raw)}
	}
	return content
}

func decodeStructured(data []byte) (EventContent, bool) {
	var rc rawContent
	if err := json.Unmarshal(data, &rc); err != nil {
		return EventContent{}, false
	}

	parts := make([]*genai.Part, 0, len(rc.Parts))
	for _, raw := range rc.Parts {
		parts = append(parts, decodePart(raw))
	}
	return EventContent{Kind: ContentStructured, Role: rc.Role, Parts: parts}, true
}

func decodePart(raw json.RawMessage) *genai.Part {
	var p genai.Part
	if err := json.Unmarshal(raw, &p); err == nil {
		return &p
	}

	var tp textPart
	if err := json.Unmarshal(raw, &tp); err != nil {
		return &genai.Part{}
	}
	return &genai.Part{Text: tp.Text, Thought: tp.Thought}
}

// Text returns the interpretable text of the content: the space-joined non-empty text parts for structured
// content, or the literal string. Thought parts, function calls and responses, and inline or file data are
// ignored.
func (c EventContent) Text() string {
	switch c.Kind {
	case ContentLiteral:
		return strings.TrimSpace(c.Literal)
	case ContentStructured:
		texts := make([]string, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p == nil || p.Thought || p.Text == "" {
				continue
			}
			texts = append(texts, p.Text)
		}
		return strings.TrimSpace(strings.Join(texts, " "))
	}
	return ""
}

// Source is a citation collected by the research agents and stored in the session state.
type Source struct {
	ID              string   `json:"id"`
	URL             string   `json:"url"`
	Title           string   `json:"title"`
	Domain          string   `json:"domain"`
	SupportedClaims []string `json:"supportedClaims"`
}

// SessionWithEvents is a session whose events are in canonical order, together with the sources extracted
// from its state.
type SessionWithEvents struct {
	Session      Session
	Sources      map[string]Source
	URLToShortID map[string]string
}
