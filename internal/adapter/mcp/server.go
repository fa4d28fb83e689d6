// Package mcp connects runstream to the Model Context Protocol in both
// directions: a client-backed tool registry for tools offered by an MCP
// server, and an MCP server exposing run inspection to other agents.
package mcp

import (
	"context"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
)

// RunReader is the slice of the run service the MCP server exposes.
type RunReader interface {
	Summary(ctx context.Context, runID string) (*run.Run, error)
	Events(ctx context.Context, runID string) ([]event.Record, error)
	Cancel(runID string) bool
	Active() int
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Name    string
	Version string
	APIKey  func() string // nil or "" disables auth
}

// ServerDeps holds the services the MCP tools read from. Nil fields make the
// corresponding tools report an error.
type ServerDeps struct {
	Runs RunReader
}

// Server exposes runstream tools and resources over MCP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
}

// NewServer creates a Server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler serves the MCP streamable HTTP transport behind AuthMiddleware.
func (s *Server) Handler() http.Handler {
	return AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// toolResultJSON wraps a JSON document as a text tool result.
func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
