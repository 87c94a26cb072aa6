package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
)

var (
	// ErrMissingTopic is returned when a debate summary has no topic.
	ErrMissingTopic = errors.New("missing required field: topic")
	// ErrNoDebateMessages is returned when a room transcript is empty.
	ErrNoDebateMessages = errors.New("no debate messages for this room")
	// ErrNoUsableDebateMessages is returned when every transcript entry was
	// filtered out.
	ErrNoUsableDebateMessages = errors.New("no usable chat messages in this room")
)

// DebateSystemPrompt instructs the model to judge a debate transcript.
const DebateSystemPrompt = `You judge student debates in a history class.
You receive the debate topic and the transcript, one JSON object per line
with the speaker and what they said. Answer with a single JSON object and
nothing else, using these fields:
  "summary": a short neutral summary of the debate,
  "sides": an array of {"sender", "position", "strengths", "weaknesses"},
  "winner": the sender who argued best, or "" for a draw,
  "reason": why, in two or three sentences.
Write the text in the language of the transcript.`

// DebateSummary judges the transcript of roomID on topic. The model's
// answer is returned as Result when it parses as a JSON object and as Text
// otherwise.
func (s *Service) DebateSummary(ctx context.Context, roomID, topic string) (model.DebateSummary, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return model.DebateSummary{}, ErrMissingTopic
	}
	key, err := history.DebateKey(roomID)
	if err != nil {
		return model.DebateSummary{}, err
	}
	msgs, err := s.history.GetDebate(ctx, key)
	if err != nil {
		return model.DebateSummary{}, unavailable("debate", err)
	}
	if len(msgs) == 0 {
		return model.DebateSummary{}, ErrNoDebateMessages
	}
	lines, used, err := debateLines(msgs)
	if err != nil {
		return model.DebateSummary{}, err
	}
	if used == 0 {
		return model.DebateSummary{}, ErrNoUsableDebateMessages
	}
	s.logger.Info("chat: debate summary", "room_id", roomID, "total", len(msgs), "used", used)

	text, err := s.generate(ctx, llm.GenerateRequest{
		System: DebateSystemPrompt,
		Messages: []model.Message{{
			Role:    model.RoleUser,
			Content: "Topic: " + topic + "\n\nTranscript:\n" + lines,
		}},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return model.DebateSummary{}, &UpstreamError{Message: "debate summary generation failed", Err: err}
	}

	out := model.DebateSummary{RoomID: roomID, Topic: topic, UsedMessageCount: used}
	if obj := jsonObject(text); obj != nil {
		out.Result = obj
	} else {
		out.Text = text
	}
	return out, nil
}

// debateLines renders the usable entries of msgs as JSON lines.
func debateLines(msgs []model.DebateMessage) (string, int, error) {
	var b strings.Builder
	used := 0
	for _, m := range msgs {
		if !m.Usable() {
			continue
		}
		line, err := json.Marshal(struct {
			Sender  string `json:"sender"`
			Message string `json:"message"`
		}{m.Sender, strings.TrimSpace(m.Message)})
		if err != nil {
			return "", 0, fmt.Errorf("chat: encode debate line: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
		used++
	}
	return b.String(), used, nil
}

// generate collects a whole completion.
func (s *Service) generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	it, err := s.generator.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer it.Close()

	var b strings.Builder
	for {
		c, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if c.Kind == llm.ChunkStop {
			break
		}
		if c.Kind == llm.ChunkText {
			b.WriteString(c.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// jsonObject returns text as compact JSON when it is a JSON object,
// optionally inside a Markdown code fence. Anything else yields nil.
func jsonObject(text string) json.RawMessage {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		body = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "```"))
	}
	if !strings.HasPrefix(body, "{") || !json.Valid([]byte(body)) {
		return nil
	}
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(body)); err != nil {
		return nil
	}
	return out.Bytes()
}
