package stream_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/stream"
)

func TestSSEWriterFrames(t *testing.T) {
	w := httptest.NewRecorder()
	sse, err := stream.NewSSEWriter(w)
	require.NoError(t, err)
	w.Header().Set("X-Moderation-Notice", "masked")

	require.NoError(t, sse.Emit(model.ToolCallEvent(model.ToolInvocation{
		ToolName:   "recommend_person",
		Parameters: map[string]any{"person_name": "Sejong"},
	})))
	require.NoError(t, sse.Emit(model.ContentEvent("<b>세종</b> & co")))
	require.NoError(t, sse.Emit(model.DoneEvent(0)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "masked", w.Header().Get("X-Moderation-Notice"))
	assert.True(t, w.Flushed)

	want := `data: {"type":"tool_call","tool_name":"recommend_person","parameters":{"person_name":"Sejong"}}` + "\n\n" +
		`data: {"type":"content","text":"<b>세종</b> & co"}` + "\n\n" +
		`data: {"type":"done","total_length":0}` + "\n\n"
	assert.Equal(t, want, w.Body.String())
}

func TestSSEWriterErrorEvent(t *testing.T) {
	w := httptest.NewRecorder()
	sse, err := stream.NewSSEWriter(w)
	require.NoError(t, err)
	assert.False(t, sse.Started())

	require.NoError(t, sse.Emit(model.ErrorEvent("generation failed")))
	assert.True(t, sse.Started())
	assert.Equal(t, `data: {"type":"error","message":"generation failed"}`+"\n\n", w.Body.String())
}

type noFlush struct{ http.ResponseWriter }

func TestSSEWriterRequiresFlusher(t *testing.T) {
	_, err := stream.NewSSEWriter(noFlush{httptest.NewRecorder()})
	assert.ErrorIs(t, err, stream.ErrStreamingUnsupported)
}
