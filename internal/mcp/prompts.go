package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// find-person: pick a figure for a topic, then open the conversation.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("find-person",
			mcplib.WithPromptDescription("Find the right historical figure to talk to about a topic"),
			mcplib.WithArgument("topic",
				mcplib.ArgumentDescription("What you want to learn about (e.g. the invention of Hangul)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleFindPersonPrompt,
	)
}

func (s *Server) handleFindPersonPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	topic := request.Params.Arguments["topic"]
	if topic == "" {
		return nil, fmt.Errorf("topic argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Find a historical figure for %q", topic),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`I want to learn about %s.

1. READ haigate://persons and pick the figure best placed to talk about it.
2. CALL recommend_person with person_name set to that figure and topic="%s".
3. If the result has resolved=true, CALL conversation_history with the
   person's id to see whether we have talked before.`, topic, topic),
				},
			},
		},
	}, nil
}
