package mcp

import (
	"github.com/hai-labs/haigate/internal/model"
)

const maxCompactSummary = 200

// compactPerson returns the fields an MCP client acts on. Long summaries
// are truncated; the full record is on the persons/{id} resource.
func compactPerson(p model.Person) map[string]any {
	m := map[string]any{
		"id":   p.ID,
		"name": p.Name,
	}
	if p.Era != "" {
		m["era"] = p.Era
	}
	if p.Year != nil {
		m["year"] = *p.Year
	}
	if p.Summary != "" {
		m["summary"] = truncate(p.Summary, maxCompactSummary)
	}
	if p.ExampleQuestion != "" {
		m["example_question"] = p.ExampleQuestion
	}
	return m
}

// compactAction flattens a tool action for MCP responses.
func compactAction(a model.ActionResult) map[string]any {
	m := map[string]any{
		"action":   a.Action,
		"input":    a.Input,
		"resolved": a.Resolved != nil && *a.Resolved,
	}
	if a.Person != nil {
		m["person"] = compactPerson(*a.Person)
	}
	return m
}

func compactMessages(msgs []model.Message) []map[string]string {
	out := make([]map[string]string, len(msgs))
	for i, msg := range msgs {
		out[i] = map[string]string{"role": string(msg.Role), "content": msg.Content}
	}
	return out
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
