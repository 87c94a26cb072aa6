package haigate

import (
	"encoding/json"
	"time"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Citation is a retrieved passage backing a generated answer.
type Citation struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float32 `json:"score,omitempty"`
}

// Event types of the streaming protocol.
const (
	EventContent   = "content"
	EventToolCall  = "tool_call"
	EventCitations = "citations"
	EventDone      = "done"
	EventError     = "error"
)

// Event is one server-sent event. Only the fields belonging to Type are
// populated.
type Event struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	Data  []Citation `json:"data,omitempty"`
	Count int        `json:"count,omitempty"`

	TotalLength *int `json:"total_length,omitempty"`

	Message string `json:"message,omitempty"`
}

// Person is a historical figure in the directory.
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

// Action is a structured tool result returned by the agent endpoint.
// Type is "tool_call" or "error".
type Action struct {
	Type     string         `json:"type"`
	Action   string         `json:"action,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Person   *Person        `json:"person,omitempty"`
	Resolved *bool          `json:"resolved,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// Reply is a collected generated answer from the agent endpoint.
type Reply struct {
	Type      string     `json:"type"`
	Action    *Action    `json:"action,omitempty"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
}

// AgentResult is the answer of AgentChat. Exactly one of Action and Reply
// is set.
type AgentResult struct {
	Action *Action
	Reply  *Reply
}

// DirectRequest is the input of DirectChat.
type DirectRequest struct {
	Message     string    `json:"message"`
	Messages    []Message `json:"messages,omitempty"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ModerationResult is the moderation verdict for a message.
type ModerationResult struct {
	Allowed         bool    `json:"allowed"`
	Muted           bool    `json:"muted"`
	Content         *string `json:"content,omitempty"`
	Notice          *string `json:"notice,omitempty"`
	MuteSecondsLeft int     `json:"mute_seconds_left"`
}

// History is a stored conversation.
type History struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
}

// DebateSummary is the judged summary of a debate room. Result is set when
// the judge answered with a JSON object, Text otherwise.
type DebateSummary struct {
	RoomID           string          `json:"room_id"`
	Topic            string          `json:"topic"`
	UsedMessageCount int             `json:"used_message_count"`
	Result           json.RawMessage `json:"result,omitempty"`
	Text             string          `json:"text,omitempty"`
}

// Health is the response of GET /health.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Redis    string `json:"redis"`
	Persons  string `json:"persons,omitempty"`
	Qdrant   string `json:"qdrant,omitempty"`
	Patterns string `json:"moderation_patterns"`
	Uptime   int64  `json:"uptime_seconds"`
}

type chatBody struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
}

type debateBody struct {
	Topic string `json:"topic"`
}

type knowledgeBody struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type purgeResponse struct {
	Deleted int `json:"deleted"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
