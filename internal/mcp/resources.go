package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/hai-labs/haigate/internal/storage"
)

const (
	personsURI      = "haigate://persons"
	personURIPrefix = "haigate://persons/"
)

func (s *Server) registerResources() {
	// haigate://persons: every figure a user can chat with.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			personsURI,
			"Historical Figures",
			mcplib.WithResourceDescription("Every historical figure available for chat"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePersons,
	)

	// haigate://persons/{id}: one figure's full record.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			personURIPrefix+"{id}",
			"Historical Figure",
			mcplib.WithTemplateDescription("Full record of one historical figure"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handlePerson,
	)
}

func (s *Server) handlePersons(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	persons, err := s.persons.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list persons: %w", err)
	}
	out := make([]map[string]any, len(persons))
	for i, p := range persons {
		out[i] = compactPerson(p)
	}
	return jsonResource(personsURI, out)
}

func (s *Server) handlePerson(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, ok := strings.CutPrefix(uri, personURIPrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("mcp: invalid person URI: %s", uri)
	}
	p, err := s.persons.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("mcp: person %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: get person: %w", err)
	}
	return jsonResource(uri, p)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
