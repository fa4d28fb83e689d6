package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/toolregistry"
	"github.com/Strob0t/runstream/internal/resilience"
)

// Transports supported by Dial.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// ClientConfig describes the MCP server whose tools a Registry offers.
type ClientConfig struct {
	Name      string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
	// ApprovalRequired names tools that pause for approval before running.
	ApprovalRequired []string
}

// toolClient is the part of an MCP client the registry uses.
type toolClient interface {
	ListTools(ctx context.Context, req mcplib.ListToolsRequest) (*mcplib.ListToolsResult, error)
	CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
	Close() error
}

// Registry is a toolregistry.Registry backed by the tools of one MCP
// server. Remote calls go through a circuit breaker.
type Registry struct {
	name    string
	client  toolClient
	breaker *resilience.Breaker
	approve map[string]bool

	mu    sync.RWMutex
	tools map[string]mcplib.Tool
}

var (
	_ toolregistry.Registry  = (*Registry)(nil)
	_ toolregistry.Lister    = (*Registry)(nil)
	_ toolregistry.Describer = (*Registry)(nil)
)

// Dial connects to the configured MCP server, performs the handshake and
// loads its tool list.
func Dial(ctx context.Context, cfg ClientConfig, breaker *resilience.Breaker) (*Registry, error) {
	client, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", cfg.Name, err)
	}
	if cfg.Transport != TransportStdio {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("mcp %s: start: %w", cfg.Name, err)
		}
	}

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "runstream", Version: "1.0.0"}
	info, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp %s: initialize: %w", cfg.Name, err)
	}
	slog.Info("mcp server connected", "mcp_server", cfg.Name, "server_name", info.ServerInfo.Name, "server_version", info.ServerInfo.Version)

	r := newRegistry(cfg.Name, client, breaker, cfg.ApprovalRequired)
	if err := r.Refresh(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

func newRegistry(name string, client toolClient, breaker *resilience.Breaker, approvalRequired []string) *Registry {
	approve := make(map[string]bool, len(approvalRequired))
	for _, n := range approvalRequired {
		approve[n] = true
	}
	return &Registry{
		name:    name,
		client:  client,
		breaker: breaker,
		approve: approve,
		tools:   make(map[string]mcplib.Tool),
	}
}

// createClient builds an mcp-go Client for the given server definition.
func createClient(cfg ClientConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		return mcpclient.NewStdioMCPClient(cfg.Command, envMapToSlice(cfg.Env), cfg.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Refresh reloads the tool list from the server.
func (r *Registry) Refresh(ctx context.Context) error {
	var res *mcplib.ListToolsResult
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.client.ListTools(ctx, mcplib.ListToolsRequest{})
		return err
	})
	if err != nil {
		return fmt.Errorf("mcp %s: list tools: %w", r.name, err)
	}

	tools := make(map[string]mcplib.Tool, len(res.Tools))
	for _, t := range res.Tools {
		tools[t.Name] = t
	}
	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()

	slog.Info("mcp tools loaded", "mcp_server", r.name, "tools", len(tools))
	return nil
}

// Manifest describes name if the server offers it.
func (r *Registry) Manifest(_ context.Context, name string) (toolregistry.Manifest, bool) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return toolregistry.Manifest{}, false
	}

	m := toolregistry.Manifest{
		Name:   name,
		Label:  tool.Annotations.Title,
		HasAPI: true,
	}
	if r.approve[name] {
		m.Approval = &toolregistry.ApprovalConfig{
			Config: map[string]any{
				"mcpServer":   r.name,
				"description": tool.Description,
			},
		}
	}
	return m, true
}

// LoadAPI returns an API that calls name on the server.
func (r *Registry) LoadAPI(ctx context.Context, name string) (toolregistry.API, error) {
	if _, ok := r.Manifest(ctx, name); !ok {
		return nil, fmt.Errorf("mcp %s: load %s: %w", r.name, name, toolregistry.ErrNoAPI)
	}
	return toolregistry.APIFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return r.call(ctx, name, args)
	}), nil
}

// Names lists the server's tools in name order.
func (r *Registry) Names(_ context.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Describe returns the server's tools with their input schemas, in name order.
func (r *Registry) Describe(ctx context.Context) []run.Tool {
	names := r.Names(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]run.Tool, 0, len(names))
	for _, n := range names {
		tool := r.tools[n]
		schema := tool.RawInputSchema
		if len(schema) == 0 {
			data, err := json.Marshal(tool.InputSchema)
			if err != nil {
				slog.Warn("mcp tool schema not encodable", "mcp_server", r.name, "tool", n, "error", err)
				continue
			}
			schema = data
		}
		out = append(out, run.Tool{Name: n, Description: tool.Description, Parameters: schema})
	}
	return out
}

// Close disconnects from the server.
func (r *Registry) Close() error {
	return r.client.Close()
}

func (r *Registry) call(ctx context.Context, name string, args map[string]any) (any, error) {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = remoteArgs(args)

	var res *mcplib.CallToolResult
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.client.CallTool(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mcp %s: call %s: %w", r.name, name, err)
	}
	if res.IsError {
		msg := resultText(res)
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, errors.New(msg)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	text := resultText(res)
	var decoded any
	if json.Unmarshal([]byte(text), &decoded) == nil {
		return decoded, nil
	}
	return text, nil
}

func (r *Registry) execute(ctx context.Context, fn func(context.Context) error) error {
	if r.breaker == nil {
		return fn(ctx)
	}
	return r.breaker.Execute(ctx, fn)
}

// remoteArgs drops local bookkeeping keys (double underscore prefix) that
// the remote schema does not know.
func remoteArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if !strings.HasPrefix(k, "__") {
			out[k] = v
		}
	}
	return out
}

// resultText joins the text parts of a tool result.
func resultText(res *mcplib.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcplib.TextContent:
			parts = append(parts, tc.Text)
		case *mcplib.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
