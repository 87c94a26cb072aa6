package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingMessage is returned for a chat request without message text.
var ErrMissingMessage = errors.New("missing required field: message")

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Valid reports whether r is one of the known message roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation turn as stored in history.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ValidateMessage checks a user-supplied chat message before any backend
// call is made.
func ValidateMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return ErrMissingMessage
	}
	if len(msg) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// ToolInvocation is a structured action selected by the intent classifier.
type ToolInvocation struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// StringParam returns a string parameter, or "" when it is missing or not a
// string.
func (t ToolInvocation) StringParam(name string) string {
	if v, ok := t.Parameters[name].(string); ok {
		return v
	}
	return ""
}

// EventType tags a StreamEvent.
type EventType string

const (
	EventContent   EventType = "content"
	EventToolCall  EventType = "tool_call"
	EventCitations EventType = "citations"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Terminal reports whether the event ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// StreamEvent is one element of the server-push protocol. Only the fields
// belonging to Type are populated.
type StreamEvent struct {
	Type EventType `json:"type"`

	// content
	Text string `json:"text,omitempty"`

	// tool_call
	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// citations
	Data  []Citation `json:"data,omitempty"`
	Count int        `json:"count,omitempty"`

	// done
	TotalLength *int `json:"total_length,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ContentEvent builds a content event.
func ContentEvent(text string) StreamEvent {
	return StreamEvent{Type: EventContent, Text: text}
}

// ToolCallEvent builds a tool_call event.
func ToolCallEvent(inv ToolInvocation) StreamEvent {
	return StreamEvent{Type: EventToolCall, ToolName: inv.ToolName, Parameters: inv.Parameters}
}

// CitationsEvent builds a citations event.
func CitationsEvent(cs []Citation) StreamEvent {
	return StreamEvent{Type: EventCitations, Data: cs, Count: len(cs)}
}

// DoneEvent builds the successful terminal event. totalLength counts runes of
// the full generated text.
func DoneEvent(totalLength int) StreamEvent {
	return StreamEvent{Type: EventDone, TotalLength: &totalLength}
}

// ErrorEvent builds the failure terminal event.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Message: msg}
}

// Citation is a retrieved passage backing a generated answer.
type Citation struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float32 `json:"score,omitempty"`
}

// ModerationResult is the outcome of the moderation gate for one message.
// Content is nil whenever Allowed is false.
type ModerationResult struct {
	Allowed         bool    `json:"allowed"`
	Muted           bool    `json:"muted"`
	Content         *string `json:"content,omitempty"`
	Notice          *string `json:"notice,omitempty"`
	MuteSecondsLeft int     `json:"mute_seconds_left"`
}

// Person is a character a user can chat with or be navigated to.
type Person struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Era             string   `json:"era,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	ExampleQuestion string   `json:"example_question,omitempty"`
	Greeting        string   `json:"greeting,omitempty"`
	Year            *int     `json:"year,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
}

// ActionResult is the JSON body returned when the router resolves a message
// to a structured tool action instead of generated text.
type ActionResult struct {
	Type     string         `json:"type"`
	Action   string         `json:"action,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Person   *Person        `json:"person,omitempty"`
	Resolved *bool          `json:"resolved,omitempty"`
	Message  string         `json:"message,omitempty"`
}
