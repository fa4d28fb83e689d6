// Command runstream serves AG-UI style run streams over HTTP.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic // exitAfterDefer: stop already called
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "runstream",
		Short:         "Stream agent runs as AG-UI events",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	collect := config.AddFlags(root.PersistentFlags())

	// setup loads configuration and installs the logger before any command.
	setup := func(*cobra.Command) (*config.Config, func(), error) {
		cfg, path, err := config.LoadWithCLI(collect())
		if err != nil {
			return nil, nil, err
		}
		log, closer := logger.New(cfg.Logging)
		slog.SetDefault(log)
		slog.Info("config loaded", "path", path, "port", cfg.Server.Port, "log_level", cfg.Logging.Level)
		return cfg, closer.Close, nil
	}

	load := func() (*config.Config, error) {
		cfg, _, err := config.LoadWithCLI(collect())
		return cfg, err
	}

	root.AddCommand(
		newServeCmd(setup, load),
		newWorkerCmd(setup),
		newMigrateCmd(setup),
	)
	return root
}

// setupFunc loads configuration for a subcommand. The returned function
// flushes the logger.
type setupFunc func(cmd *cobra.Command) (*config.Config, func(), error)

// loadFunc reloads configuration without touching the logger.
type loadFunc func() (*config.Config, error)
