package model_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/model"
)

func TestValidateMessage(t *testing.T) {
	assert.ErrorIs(t, model.ValidateMessage(""), model.ErrMissingMessage)
	assert.ErrorIs(t, model.ValidateMessage("   \n"), model.ErrMissingMessage)
	assert.Error(t, model.ValidateMessage(strings.Repeat("a", model.MaxMessageLen+1)))
	assert.NoError(t, model.ValidateMessage("hello"))
}

func TestAccessRank(t *testing.T) {
	assert.True(t, model.AccessAtLeast(model.AccessAdmin, model.AccessUser))
	assert.True(t, model.AccessAtLeast(model.AccessUser, model.AccessUser))
	assert.False(t, model.AccessAtLeast(model.AccessUser, model.AccessAdmin))
	assert.False(t, model.AccessAtLeast(model.AccessRole("ghost"), model.AccessRole("")))
}

func TestStreamEventWireShape(t *testing.T) {
	t.Run("done carries zero length", func(t *testing.T) {
		b, err := json.Marshal(model.DoneEvent(0))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"done","total_length":0}`, string(b))
	})

	t.Run("content", func(t *testing.T) {
		b, err := json.Marshal(model.ContentEvent("hi"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"content","text":"hi"}`, string(b))
	})

	t.Run("citations", func(t *testing.T) {
		b, err := json.Marshal(model.CitationsEvent([]model.Citation{{Text: "a", Source: "s3://kb/a"}}))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"citations","data":[{"text":"a","source":"s3://kb/a"}],"count":1}`, string(b))
	})

	t.Run("tool call", func(t *testing.T) {
		inv := model.ToolInvocation{ToolName: "navigate_to_person", Parameters: map[string]any{"person_name": "Yi Sun-sin"}}
		b, err := json.Marshal(model.ToolCallEvent(inv))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"tool_call","tool_name":"navigate_to_person","parameters":{"person_name":"Yi Sun-sin"}}`, string(b))
	})
}

func TestTerminalEvents(t *testing.T) {
	assert.True(t, model.EventDone.Terminal())
	assert.True(t, model.EventError.Terminal())
	assert.False(t, model.EventContent.Terminal())
	assert.False(t, model.EventCitations.Terminal())
}

func TestToolInvocationStringParam(t *testing.T) {
	inv := model.ToolInvocation{Parameters: map[string]any{"person_name": "Sejong", "n": 3}}
	assert.Equal(t, "Sejong", inv.StringParam("person_name"))
	assert.Empty(t, inv.StringParam("n"))
	assert.Empty(t, inv.StringParam("missing"))
}
