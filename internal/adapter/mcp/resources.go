package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const activeRunsURI = "runstream://runs/active"

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			activeRunsURI,
			"Active Runs",
			mcplib.WithResourceDescription("Number of runs currently streaming"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveRunsResource,
	)
}

func (s *Server) handleActiveRunsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	text := `{"error":"run reader not configured"}`
	if s.deps.Runs != nil {
		text = fmt.Sprintf(`{"active":%d}`, s.deps.Runs.Active())
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}
