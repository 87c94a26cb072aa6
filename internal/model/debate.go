package model

import (
	"encoding/json"
	"strings"
)

// DebateChat is the entry type of a spoken debate turn. Other types mark
// room events such as joins and leaves.
const DebateChat = "CHAT"

// DebateMessage is one entry of a debate room transcript.
type DebateMessage struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// Usable reports whether m is a spoken turn with text.
func (m DebateMessage) Usable() bool {
	return strings.EqualFold(m.Type, DebateChat) && strings.TrimSpace(m.Message) != ""
}

// DebateSummaryRequest is the request body for
// POST /v1/debate/{room_id}/summary.
type DebateSummaryRequest struct {
	Topic string `json:"topic"`
}

// DebateSummary is the judged summary of a debate room. Result holds the
// model's answer when it is a JSON object, Text otherwise.
type DebateSummary struct {
	RoomID           string          `json:"room_id"`
	Topic            string          `json:"topic"`
	UsedMessageCount int             `json:"used_message_count"`
	Result           json.RawMessage `json:"result,omitempty"`
	Text             string          `json:"text,omitempty"`
}
