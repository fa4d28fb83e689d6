package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/runstream/internal/domain"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.getRunTool(),
		s.listRunEventsTool(),
		s.cancelRunTool(),
	)
}

func runIDParam() mcplib.ToolOption {
	return mcplib.WithString("run_id",
		mcplib.Required(),
		mcplib.Description("The run ID"),
	)
}

func (s *Server) getRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run",
		mcplib.WithDescription("Get the summary of a run: status, outcome, error and event count"),
		runIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRun}
}

func (s *Server) listRunEventsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_run_events",
		mcplib.WithDescription("List the stored protocol events of a run in emission order"),
		runIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListRunEvents}
}

func (s *Server) cancelRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_run",
		mcplib.WithDescription("Cancel an in-flight run"),
		mcplib.WithDestructiveHintAnnotation(true),
		runIDParam(),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCancelRun}
}

// runID extracts the required run_id argument.
func runID(req mcplib.CallToolRequest) (string, *mcplib.CallToolResult) { //nolint:gocritic // hugeParam: mcp-go handler signature
	id, ok := req.GetArguments()["run_id"].(string)
	if !ok || id == "" {
		return "", mcplib.NewToolResultError("run_id is required")
	}
	return id, nil
}

func (s *Server) handleGetRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	id, errResult := runID(req)
	if errResult != nil {
		return errResult, nil
	}
	r, err := s.deps.Runs.Summary(ctx, id)
	if err != nil {
		return notFoundOr(err, "run %s", id), nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListRunEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	id, errResult := runID(req)
	if errResult != nil {
		return errResult, nil
	}
	recs, err := s.deps.Runs.Events(ctx, id)
	if err != nil {
		return notFoundOr(err, "events of run %s", id), nil
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal events", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleCancelRun(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	id, errResult := runID(req)
	if errResult != nil {
		return errResult, nil
	}
	if !s.deps.Runs.Cancel(id) {
		return mcplib.NewToolResultError(fmt.Sprintf("run %s is not active", id)), nil
	}
	return toolResultJSON(fmt.Sprintf(`{"run_id":%q,"cancelled":true}`, id)), nil
}

func notFoundOr(err error, format string, args ...any) *mcplib.CallToolResult {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, domain.ErrNotFound) {
		return mcplib.NewToolResultError(what + " not found")
	}
	return mcplib.NewToolResultErrorFromErr("failed to get "+what, err)
}
