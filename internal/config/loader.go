package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "runstream.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RUNSTREAM_PORT")
	setString(&cfg.Server.CORSOrigin, "RUNSTREAM_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "RUNSTREAM_SHUTDOWN_TIMEOUT")
	setFloat64(&cfg.Server.RunRate, "RUNSTREAM_RUN_RATE")
	setInt(&cfg.Server.RunBurst, "RUNSTREAM_RUN_BURST")

	setString(&cfg.Logging.Level, "RUNSTREAM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RUNSTREAM_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "RUNSTREAM_LOG_ASYNC")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RUNSTREAM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RUNSTREAM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RUNSTREAM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RUNSTREAM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RUNSTREAM_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setDuration(&cfg.NATS.FactTimeout, "RUNSTREAM_NATS_FACT_TIMEOUT")

	setBool(&cfg.OTEL.Enabled, "RUNSTREAM_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "RUNSTREAM_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "RUNSTREAM_OTEL_SAMPLE_RATE")

	setInt(&cfg.Breaker.MaxFailures, "RUNSTREAM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RUNSTREAM_BREAKER_TIMEOUT")

	setDuration(&cfg.Stream.HeartbeatInterval, "RUNSTREAM_HEARTBEAT_INTERVAL")
	setString(&cfg.Stream.ScriptFile, "RUNSTREAM_SCRIPT_FILE")
	setDuration(&cfg.Stream.SummaryTTL, "RUNSTREAM_SUMMARY_TTL")
	setInt64(&cfg.Stream.SummaryCacheSize, "RUNSTREAM_SUMMARY_CACHE_SIZE")

	setDuration(&cfg.Approval.Timeout, "RUNSTREAM_APPROVAL_TIMEOUT")

	setInt64(&cfg.Tools.CacheSize, "RUNSTREAM_TOOLS_CACHE_SIZE")
	setDuration(&cfg.Tools.CacheTTL, "RUNSTREAM_TOOLS_CACHE_TTL")
	setList(&cfg.Tools.ApprovalRequired, "RUNSTREAM_TOOLS_APPROVAL_REQUIRED")
	setString(&cfg.Tools.NotesDir, "RUNSTREAM_NOTES_DIR")
	setString(&cfg.Tools.MCP.Transport, "RUNSTREAM_MCP_TRANSPORT")
	setString(&cfg.Tools.MCP.Command, "RUNSTREAM_MCP_COMMAND")
	setString(&cfg.Tools.MCP.URL, "RUNSTREAM_MCP_URL")

	setBool(&cfg.MCPServer.Enabled, "RUNSTREAM_MCP_SERVER_ENABLED")
	setString(&cfg.MCPServer.APIKey, "RUNSTREAM_MCP_SERVER_API_KEY")

	setString(&cfg.Client.ServerURL, "RUNSTREAM_SERVER_URL")
	setString(&cfg.Client.ThreadID, "RUNSTREAM_THREAD_ID")
}

// validate checks that required fields are set and values are possible.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Server.RunRate < 0 {
		return errors.New("server.run_rate must be >= 0")
	}
	if cfg.Server.RunRate > 0 && cfg.Server.RunBurst < 1 {
		return errors.New("server.run_burst must be >= 1 when run_rate is set")
	}
	if cfg.Stream.SummaryCacheSize < 1 {
		return errors.New("stream.summary_cache_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Stream.HeartbeatInterval < 0 {
		return errors.New("stream.heartbeat_interval must be >= 0")
	}
	if cfg.Approval.Timeout < 0 {
		return errors.New("approval.timeout must be >= 0")
	}
	if cfg.Tools.CacheSize < 1 {
		return errors.New("tools.cache_size must be >= 1")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	switch cfg.Tools.MCP.Transport {
	case "":
	case "stdio":
		if cfg.Tools.MCP.Command == "" {
			return errors.New("tools.mcp.command is required for stdio transport")
		}
	case "sse", "streamable_http":
		if cfg.Tools.MCP.URL == "" {
			return errors.New("tools.mcp.url is required for " + cfg.Tools.MCP.Transport + " transport")
		}
	default:
		return fmt.Errorf("tools.mcp.transport %q is not supported", cfg.Tools.MCP.Transport)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setList splits a comma-separated value, dropping empty entries.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
