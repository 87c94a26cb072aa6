package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/storage"
)

// Tool names.
const (
	ToolNavigateToPerson = "navigate_to_person"
	ToolRecommendPerson  = "recommend_person"
)

// SystemPrompt is the fixed classification instruction.
const SystemPrompt = `You are the assistant of a history textbook app.

Use the navigate_to_person tool when the user asks to talk to, message or
chat with a specific historical figure, for example "let me talk to King
Sejong" or "send a message to Yi Sun-sin".

Use the recommend_person tool when the user asks which historical figure
they should talk to about a topic, for example "who should I ask about the
invention of Hangul?". Pick the single best figure.

Do not use a tool for requests for information ("tell me about King Sejong",
"what happened in 1592?") or for general history questions. In that case
reply only "I will search the knowledge base."`

// PersonDirectory resolves free-text names to people. Lookups that find
// nothing return an error matching storage.ErrNotFound.
type PersonDirectory interface {
	FindExact(ctx context.Context, name string) (model.Person, error)
	FindContaining(ctx context.Context, name string) (model.Person, error)
}

// ResolvePerson looks name up by exact match and then by substring. found
// is false when neither matches.
func ResolvePerson(ctx context.Context, dir PersonDirectory, name string) (p model.Person, found bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Person{}, false, nil
	}
	p, err = dir.FindExact(ctx, name)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Person{}, false, fmt.Errorf("router: resolve %q: %w", name, err)
	}
	p, err = dir.FindContaining(ctx, name)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Person{}, false, fmt.Errorf("router: resolve %q: %w", name, err)
	}
	return model.Person{}, false, nil
}

func actionFor(inv model.ToolInvocation, p model.Person, found bool) model.ActionResult {
	res := model.ActionResult{
		Type:     "tool_call",
		Action:   inv.ToolName,
		Input:    inv.Parameters,
		Resolved: &found,
	}
	if found {
		res.Person = &p
	}
	return res
}

// NavigateToPerson sends the user to a chat with a named figure.
type NavigateToPerson struct {
	Directory PersonDirectory
}

// Spec implements Handler.
func (NavigateToPerson) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name: ToolNavigateToPerson,
		Description: "Opens the chat page of a historical figure. Use when the user asks to talk to, " +
			"message or chat with a specific figure, e.g. 'I want to talk to Yi Sun-sin'.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"person_name": map[string]any{
					"type":        "string",
					"description": "Name of the historical figure, e.g. Yi Sun-sin, King Sejong, Gwanggaeto the Great.",
				},
			},
			"required": []string{"person_name"},
		},
	}
}

// Handle implements Handler. An unresolved name still yields the action,
// with resolved=false and no person.
func (h NavigateToPerson) Handle(ctx context.Context, inv model.ToolInvocation) (Outcome, error) {
	p, found, err := ResolvePerson(ctx, h.Directory, inv.StringParam("person_name"))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: actionFor(inv, p, found)}, nil
}

// RecommendPerson suggests a figure for a topic and streams an explanation
// of the choice after the structured action.
type RecommendPerson struct {
	Directory PersonDirectory
	MaxTokens int
}

// Spec implements Handler.
func (RecommendPerson) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name: ToolRecommendPerson,
		Description: "Recommends the historical figure best suited to discuss a topic. Use when the " +
			"user asks who they should talk to about something.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"person_name": map[string]any{
					"type":        "string",
					"description": "Name of the recommended historical figure.",
				},
				"topic": map[string]any{
					"type":        "string",
					"description": "The topic the user wants to discuss.",
				},
			},
			"required": []string{"person_name", "topic"},
		},
	}
}

// Handle implements Handler.
func (h RecommendPerson) Handle(ctx context.Context, inv model.ToolInvocation) (Outcome, error) {
	name := inv.StringParam("person_name")
	p, found, err := ResolvePerson(ctx, h.Directory, name)
	if err != nil {
		return Outcome{}, err
	}

	who := name
	if found {
		who = p.Name
	}
	topic := inv.StringParam("topic")
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "In three or four sentences, explain why %s is a good person to talk to about %q.", who, topic)
	if found && p.Summary != "" {
		fmt.Fprintf(&prompt, " Background: %s", p.Summary)
	}

	return Outcome{
		Action: actionFor(inv, p, found),
		Explain: &llm.GenerateRequest{
			System:    "You are a friendly history guide.",
			Messages:  []model.Message{{Role: model.RoleUser, Content: prompt.String()}},
			MaxTokens: h.MaxTokens,
		},
	}, nil
}
