package config

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// CLIFlags holds command-line overrides. Nil fields were not given.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	ServerURL  *string
}

// AddFlags registers the override flags on fs. The returned function
// collects the flags that were set once fs is parsed.
func AddFlags(fs *pflag.FlagSet) func() CLIFlags {
	var v struct {
		configPath, port, logLevel, dsn, natsURL, serverURL string
	}
	fs.StringVarP(&v.configPath, "config", "c", "", "path to YAML config file (default "+DefaultConfigFile+")")
	fs.StringVarP(&v.port, "port", "p", "", "HTTP listen port")
	fs.StringVar(&v.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&v.dsn, "dsn", "", "PostgreSQL DSN for the event store")
	fs.StringVar(&v.natsURL, "nats-url", "", "NATS server URL")
	fs.StringVar(&v.serverURL, "server", "", "runstream server URL (client)")

	return func() CLIFlags {
		var f CLIFlags
		pick := func(name string, val *string) *string {
			if fs.Changed(name) {
				return val
			}
			return nil
		}
		f.ConfigPath = pick("config", &v.configPath)
		f.Port = pick("port", &v.port)
		f.LogLevel = pick("log-level", &v.logLevel)
		f.DSN = pick("dsn", &v.dsn)
		f.NatsURL = pick("nats-url", &v.natsURL)
		f.ServerURL = pick("server", &v.serverURL)
		return f
	}
}

// ParseFlags parses args into CLIFlags.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := pflag.NewFlagSet("runstream", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	collect := AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}
	return collect(), nil
}

// LoadWithCLI loads configuration with CLI flags on top:
// defaults < YAML < ENV < CLI. It returns the YAML path that was used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.NatsURL != nil {
		cfg.NATS.URL = *f.NatsURL
	}
	if f.ServerURL != nil {
		cfg.Client.ServerURL = *f.ServerURL
	}
}
