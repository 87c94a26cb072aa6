package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/model"
)

func msgs(roles ...model.MessageRole) []model.Message {
	out := make([]model.Message, len(roles))
	for i, r := range roles {
		out[i] = model.Message{Role: r, Content: string(r)}
	}
	return out
}

func TestContextWindowStartsWithUser(t *testing.T) {
	u, a := model.RoleUser, model.RoleAssistant

	got := contextWindow(msgs(u, a, u, a, u, a), 3)
	assert.Equal(t, msgs(u, a), got, "leading assistant turn is dropped")

	got = contextWindow(msgs(u, a), 10)
	assert.Equal(t, msgs(u, a), got)

	got = contextWindow(nil, 10)
	assert.Empty(t, got)

	got = contextWindow(msgs(u, model.RoleSystem, a), 10)
	assert.Equal(t, msgs(u, a), got)
}

func TestPersonaPrompt(t *testing.T) {
	p := PersonaPrompt(model.Person{Name: "Yi Sun-sin", Era: "Joseon", Summary: "Admiral."})
	assert.Contains(t, p, "You are Yi Sun-sin, a historical figure of the Joseon era.")
	assert.Contains(t, p, "About you: Admiral.")

	p = PersonaPrompt(model.Person{Name: "Dangun"})
	assert.Contains(t, p, "You are Dangun. Stay in character")
	assert.NotContains(t, p, "About you")
}

func TestDirectPromptFoldsSystemTurns(t *testing.T) {
	u, a, s := model.RoleUser, model.RoleAssistant, model.RoleSystem

	system, turns, err := directPrompt(DirectOptions{System: "be brief", Context: msgs(s, u, a, s)})
	require.NoError(t, err)
	assert.Equal(t, "be brief\n\nsystem\n\nsystem", system)
	assert.Equal(t, msgs(u, a), turns)

	system, turns, err = directPrompt(DirectOptions{})
	require.NoError(t, err)
	assert.Empty(t, system)
	assert.Empty(t, turns)
}

func TestDirectPromptRejectsBrokenTurns(t *testing.T) {
	u, a := model.RoleUser, model.RoleAssistant
	tests := []struct {
		name string
		ctx  []model.Message
	}{
		{"starts with assistant", msgs(a, u, a)},
		{"repeated user", msgs(u, u, a)},
		{"ends with user", msgs(u, a, u)},
		{"unknown role", msgs(u, "tool")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDirect(DirectOptions{Context: tt.ctx})
			assert.ErrorIs(t, err, ErrInvalidContext)
		})
	}
}
