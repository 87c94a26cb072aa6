// Package mcp exposes the gateway's structured tools over the Model Context
// Protocol, so MCP clients can navigate to historical figures and read
// conversation history without going through the chat endpoints.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/router"
)

// HistoryReader returns a caller's conversation with a person.
type HistoryReader interface {
	History(ctx context.Context, userID, personID string) (history.Key, []model.Message, error)
}

// PersonLister lists and fetches directory entries.
type PersonLister interface {
	List(ctx context.Context) ([]model.Person, error)
	Get(ctx context.Context, id string) (model.Person, error)
}

// Server wraps the MCP server.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *router.Registry
	history   HistoryReader
	persons   PersonLister
	logger    *slog.Logger
}

// New creates an MCP server exposing the tools in registry together with
// the history tool and the person resources.
func New(registry *router.Registry, hist HistoryReader, persons PersonLister, logger *slog.Logger, version string) *Server {
	s := &Server{
		registry: registry,
		history:  hist,
		persons:  persons,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"haigate",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
