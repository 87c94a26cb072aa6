package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/hai-labs/haigate/internal/ctxutil"
	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/model"
)

// ToolConversationHistory is the name of the history tool.
const ToolConversationHistory = "conversation_history"

const defaultHistoryLimit = 20

func (s *Server) registerTools() {
	// Router tools keep the schema the classifier sees. Only the structured
	// part of a tool's outcome is returned; explanations stream on the
	// chat endpoints.
	for _, spec := range s.registry.Specs() {
		schema, err := json.Marshal(spec.InputSchema)
		if err != nil {
			s.logger.Error("mcp: skip tool with invalid schema", "tool", spec.Name, "error", err)
			continue
		}
		tool := mcplib.NewToolWithRawSchema(spec.Name, spec.Description, schema)
		s.mcpServer.AddTool(tool, s.routerTool(spec.Name))
	}

	s.mcpServer.AddTool(
		mcplib.NewTool(ToolConversationHistory,
			mcplib.WithDescription(`Read your conversation with a historical figure.

Returns the most recent messages, oldest first. Use the person id from the
haigate://persons resource or from a navigate_to_person result.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("person_id",
				mcplib.Description("Id of the historical figure"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of messages to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(defaultHistoryLimit),
			),
		),
		s.handleConversationHistory,
	)
}

func (s *Server) routerTool(name string) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		h, ok := s.registry.Lookup(name)
		if !ok {
			return errorResult(fmt.Sprintf("unknown tool %q", name)), nil
		}
		inv := model.ToolInvocation{ToolName: name, Parameters: request.GetArguments()}
		if inv.StringParam("person_name") == "" {
			return errorResult("person_name is required"), nil
		}

		out, err := h.Handle(ctx, inv)
		if err != nil {
			s.logger.Error("mcp: tool failed", "tool", name, "error", err)
			return errorResult("person directory unavailable"), nil
		}

		data, err := json.MarshalIndent(compactAction(out.Action), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal action: %w", err)
		}
		return textResult(string(data)), nil
	}
}

func (s *Server) handleConversationHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := ctxutil.UserID(ctx)
	if userID == "" {
		return errorResult("authentication required"), nil
	}
	personID := request.GetString("person_id", "")
	if personID == "" {
		return errorResult("person_id is required"), nil
	}
	limit := request.GetInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	key, msgs, err := s.history.History(ctx, userID, personID)
	if errors.Is(err, history.ErrInvalidKey) {
		return errorResult(fmt.Sprintf("invalid person_id %q", personID)), nil
	}
	if err != nil {
		s.logger.Error("mcp: read history", "person_id", personID, "error", err)
		return errorResult("history store unavailable"), nil
	}

	total := len(msgs)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	data, err := json.MarshalIndent(map[string]any{
		"conversation": key.String(),
		"messages":     compactMessages(msgs),
		"total":        total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal history: %w", err)
	}
	return textResult(string(data)), nil
}
