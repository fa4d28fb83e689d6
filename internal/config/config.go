// Package config provides hierarchical configuration loading for runstream.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the runstream server and client.
type Config struct {
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	NATS     NATS     `yaml:"nats"`
	OTEL     OTEL     `yaml:"otel"`
	Breaker  Breaker  `yaml:"breaker"`
	Stream   Stream   `yaml:"stream"`
	Approval Approval `yaml:"approval"`
	Tools    Tools    `yaml:"tools"`
	Client   Client   `yaml:"client"`

	MCPServer MCPServer `yaml:"mcp_server"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RunRate         float64       `yaml:"run_rate"`  // run starts per second per client, 0 disables limiting
	RunBurst        int           `yaml:"run_burst"` // run starts allowed in a burst
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Postgres holds PostgreSQL connection configuration. An empty DSN keeps
// run events in memory.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables event
// publishing and selects the scripted generation source.
type NATS struct {
	URL         string        `yaml:"url"`
	FactTimeout time.Duration `yaml:"fact_timeout"` // max silence between generation facts
}

// OTEL holds OpenTelemetry export configuration.
type OTEL struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Breaker holds circuit breaker configuration for remote tool calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Stream holds SSE streaming configuration.
type Stream struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 0 disables heartbeats
	ScriptFile        string        `yaml:"script_file"`        // YAML script for the scripted source
	SummaryTTL        time.Duration `yaml:"summary_ttl"`        // how long run summaries stay queryable
	SummaryCacheSize  int64         `yaml:"summary_cache_size"` // in-process summary entries
}

// Approval holds human-in-the-loop configuration.
type Approval struct {
	Timeout time.Duration `yaml:"timeout"` // 0 waits until the run is torn down
}

// Tools holds client-side tool configuration.
type Tools struct {
	CacheSize        int64         `yaml:"cache_size"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	ApprovalRequired []string      `yaml:"approval_required"`
	NotesDir         string        `yaml:"notes_dir"`
	MCP              MCP           `yaml:"mcp"`
}

// MCP describes one MCP server whose tools are offered to runs.
type MCP struct {
	Transport string            `yaml:"transport"` // "" (disabled), "stdio", "sse", "streamable_http"
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// MCPServer controls the MCP endpoint that exposes run inspection tools.
type MCPServer struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"` // empty disables authentication; re-read on SIGHUP
}

// Client holds runstream-client configuration.
type Client struct {
	ServerURL string `yaml:"server_url"`
	ThreadID  string `yaml:"thread_id"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 10 * time.Second,
			RunBurst:        10,
		},
		Logging: Logging{
			Level:   "info",
			Service: "runstream",
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			FactTimeout: 2 * time.Minute,
		},
		OTEL: OTEL{
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Stream: Stream{
			HeartbeatInterval: 15 * time.Second,
			SummaryTTL:        24 * time.Hour,
			SummaryCacheSize:  10_000,
		},
		Approval: Approval{
			Timeout: 10 * time.Minute,
		},
		Tools: Tools{
			CacheSize: 256,
			CacheTTL:  30 * time.Minute,
			NotesDir:  "notes",
		},
		Client: Client{
			ServerURL: "http://localhost:8080",
		},
	}
}
