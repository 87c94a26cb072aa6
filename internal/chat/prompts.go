package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/hai-labs/haigate/internal/model"
)

// ChatbotSystemPrompt is the instruction for the generic assistant.
const ChatbotSystemPrompt = `You are the friendly study assistant of a history textbook app.
Answer questions about history clearly and accurately, in the language of
the user's message. Keep answers short unless the user asks for detail. If
you are not sure about a fact, say so.`

// Persona is the generation setup for a conversation with one person.
type Persona struct {
	Person model.Person
	System string
}

// PromptSource resolves the persona for a person id. Unknown ids return an
// error matching storage.ErrNotFound.
type PromptSource interface {
	Persona(ctx context.Context, personID string) (Persona, error)
}

// PersonGetter is the slice of the person directory a StaticPromptSource
// needs.
type PersonGetter interface {
	Get(ctx context.Context, id string) (model.Person, error)
}

// StaticPromptSource builds role-play instructions from directory rows.
type StaticPromptSource struct {
	Directory PersonGetter
}

// Persona implements PromptSource.
func (s StaticPromptSource) Persona(ctx context.Context, personID string) (Persona, error) {
	p, err := s.Directory.Get(ctx, personID)
	if err != nil {
		return Persona{}, fmt.Errorf("chat: persona %s: %w", personID, err)
	}
	return Persona{Person: p, System: PersonaPrompt(p)}, nil
}

// PersonaPrompt renders the role-play instruction for p.
func PersonaPrompt(p model.Person) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Name)
	if p.Era != "" {
		fmt.Fprintf(&b, ", a historical figure of the %s era", p.Era)
	}
	b.WriteString(". Stay in character and speak in the first person, as ")
	b.WriteString(p.Name)
	b.WriteString(" would, in the language of the user's message. ")
	b.WriteString("You are talking with a student; keep answers to a few short paragraphs ")
	b.WriteString("and do not invent events that happened after your lifetime.")
	if p.Summary != "" {
		b.WriteString("\n\nAbout you: ")
		b.WriteString(p.Summary)
	}
	return b.String()
}
