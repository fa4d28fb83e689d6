package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	rsnats "github.com/Strob0t/runstream/internal/adapter/nats"
	"github.com/Strob0t/runstream/internal/adapter/scripted"
)

func newWorkerCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Answer runs.start requests over NATS with the scripted source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := setup(cmd)
			if err != nil {
				return err
			}
			defer flush()
			if cfg.NATS.URL == "" {
				return errors.New("worker: nats.url is required")
			}

			script, err := scripted.Load(cfg.Stream.ScriptFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			queue, err := rsnats.Connect(ctx, cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			defer func() { _ = queue.Drain() }()

			slog.Info("worker ready", "script", cfg.Stream.ScriptFile)
			return rsnats.NewWorker(queue, scripted.NewSource(script)).Run(ctx)
		},
	}
}
