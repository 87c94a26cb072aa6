package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/chat"
	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/llm"
)

const debateKey = "debate:room:r1:messages"

func seedDebate(t *testing.T, f *fixture, entries ...string) {
	t.Helper()
	_, err := f.mr.Push(debateKey, entries...)
	require.NoError(t, err)
}

func TestDebateSummaryRequiresTopic(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	seedDebate(t, f, `{"type":"CHAT","sender":"kim","message":"Hangul freed the people."}`)

	_, err := f.svc.DebateSummary(context.Background(), "r1", "  ")
	assert.ErrorIs(t, err, chat.ErrMissingTopic)
	assert.Empty(t, f.gen.reqs)
}

func TestDebateSummaryRejectsBadRoom(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	_, err := f.svc.DebateSummary(context.Background(), "r*", "Hangul")
	assert.ErrorIs(t, err, history.ErrInvalidKey)
}

func TestDebateSummaryEmptyRoom(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	_, err := f.svc.DebateSummary(context.Background(), "r1", "Hangul")
	assert.ErrorIs(t, err, chat.ErrNoDebateMessages)

	seedDebate(t, f, "{broken", "not json")
	_, err = f.svc.DebateSummary(context.Background(), "r1", "Hangul")
	assert.ErrorIs(t, err, chat.ErrNoDebateMessages)
	assert.Empty(t, f.gen.reqs)
}

func TestDebateSummaryNoUsableMessages(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	seedDebate(t, f,
		`{"type":"ENTER","sender":"kim","message":"kim joined"}`,
		`{"type":"CHAT","sender":"lee","message":"   "}`,
		`{"type":"LEAVE","sender":"kim","message":"kim left"}`,
	)

	_, err := f.svc.DebateSummary(context.Background(), "r1", "Hangul")
	assert.ErrorIs(t, err, chat.ErrNoUsableDebateMessages)
	assert.Empty(t, f.gen.reqs)
}

func TestDebateSummaryJSONResult(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	f.gen.chunks = []llm.Chunk{
		llm.Text("```json\n{\"winner\": \"kim\",\n"),
		llm.Text(" \"reason\": \"clearer evidence\"}\n```"),
		llm.Stop(),
	}
	seedDebate(t, f,
		`{"type":"ENTER","sender":"kim","message":"kim joined"}`,
		`{"type":"CHAT","sender":"kim","message":"Hangul freed the people."}`,
		"{broken",
		`{"type":"chat","sender":"lee","message":"Scholars resisted it."}`,
	)

	got, err := f.svc.DebateSummary(context.Background(), "r1", " Hangul ")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RoomID)
	assert.Equal(t, "Hangul", got.Topic)
	assert.Equal(t, 2, got.UsedMessageCount)
	assert.JSONEq(t, `{"winner":"kim","reason":"clearer evidence"}`, string(got.Result))
	assert.Empty(t, got.Text)

	require.Len(t, f.gen.reqs, 1)
	req := f.gen.reqs[0]
	assert.Equal(t, chat.DebateSystemPrompt, req.System)
	require.Len(t, req.Messages, 1)
	prompt := req.Messages[0].Content
	assert.True(t, strings.HasPrefix(prompt, "Topic: Hangul\n"))
	assert.Contains(t, prompt, `{"sender":"kim","message":"Hangul freed the people."}`+"\n"+`{"sender":"lee","message":"Scholars resisted it."}`)
	assert.NotContains(t, prompt, "joined")
}

func TestDebateSummaryRawText(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	seedDebate(t, f, `{"type":"CHAT","sender":"kim","message":"Hangul freed the people."}`)

	got, err := f.svc.DebateSummary(context.Background(), "r1", "Hangul")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedMessageCount)
	assert.Nil(t, got.Result)
	assert.Equal(t, "Greetings, young scholar.", got.Text)
}

func TestDebateSummaryJSONArrayStaysText(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	f.gen.chunks = []llm.Chunk{llm.Text(`["kim","lee"]`), llm.Stop()}
	seedDebate(t, f, `{"type":"CHAT","sender":"kim","message":"Hangul freed the people."}`)

	got, err := f.svc.DebateSummary(context.Background(), "r1", "Hangul")
	require.NoError(t, err)
	assert.Nil(t, got.Result)
	assert.Equal(t, `["kim","lee"]`, got.Text)
}

func TestDebateSummaryUpstreamFailure(t *testing.T) {
	f := newFixture(t, llm.Classification{})
	f.gen.err = errors.New("bedrock down")
	seedDebate(t, f, `{"type":"CHAT","sender":"kim","message":"Hangul freed the people."}`)

	_, err := f.svc.DebateSummary(context.Background(), "r1", "Hangul")
	var upstream *chat.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "debate summary generation failed", upstream.Message)
}
