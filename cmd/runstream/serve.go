package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	rshttp "github.com/Strob0t/runstream/internal/adapter/http"
	rsmcp "github.com/Strob0t/runstream/internal/adapter/mcp"
	"github.com/Strob0t/runstream/internal/adapter/memory"
	rsnats "github.com/Strob0t/runstream/internal/adapter/nats"
	"github.com/Strob0t/runstream/internal/adapter/natskv"
	rsotel "github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/adapter/postgres"
	"github.com/Strob0t/runstream/internal/adapter/ristretto"
	"github.com/Strob0t/runstream/internal/adapter/scripted"
	"github.com/Strob0t/runstream/internal/adapter/tiered"
	"github.com/Strob0t/runstream/internal/adapter/ws"
	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/middleware"
	"github.com/Strob0t/runstream/internal/port/cache"
	"github.com/Strob0t/runstream/internal/port/generation"
	"github.com/Strob0t/runstream/internal/secrets"
	"github.com/Strob0t/runstream/internal/service"
)

const (
	summaryBucket   = "run_summaries"
	summaryL1Expire = 5 * time.Minute
	limiterIdleTTL  = 10 * time.Minute

	mcpAPIKey = "mcp_api_key"
)

func newServeCmd(setup setupFunc, load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := setup(cmd)
			if err != nil {
				return err
			}
			defer flush()
			return serve(cmd.Context(), cfg, load)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, load loadFunc) error {
	shutdownOtel, err := rsotel.Setup(ctx, rsotel.Options{
		Enabled:     cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		Insecure:    cfg.OTEL.Insecure,
		ServiceName: cfg.Logging.Service,
		SampleRate:  cfg.OTEL.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := rsotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	hub := ws.NewHub()
	checks := make(map[string]rshttp.HealthCheck)
	opts := []service.RunOption{
		service.WithRunMetrics(metrics),
		service.WithBroadcaster(hub),
	}

	// --- Event store ---

	if cfg.Postgres.DSN != "" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, service.WithEventStore(postgres.NewEventStore(pool)))
		checks["postgres"] = pool.Ping
		slog.Info("event store: postgres")
	} else {
		opts = append(opts, service.WithEventStore(memory.NewEventStore()))
		slog.Info("event store: memory")
	}

	// --- Generation source and run summaries ---

	l1, err := ristretto.New[[]byte](cfg.Stream.SummaryCacheSize)
	if err != nil {
		return fmt.Errorf("summary cache: %w", err)
	}
	defer l1.Close()

	var (
		source generation.Source
		l2     cache.Bytes
	)
	if cfg.NATS.URL != "" {
		queue, err := rsnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Drain() }()

		kv, err := queue.KeyValue(ctx, summaryBucket, cfg.Stream.SummaryTTL)
		if err != nil {
			return fmt.Errorf("summary bucket: %w", err)
		}
		l2 = natskv.New(kv)
		source = rsnats.NewSource(queue, cfg.NATS.FactTimeout)
		opts = append(opts, service.WithEventPublisher(queue))
		checks["nats"] = func(context.Context) error {
			if !queue.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
		slog.Info("generation source: nats workers")
	} else {
		script, err := scripted.Load(cfg.Stream.ScriptFile)
		if err != nil {
			return err
		}
		source = scripted.NewSource(script)
		slog.Info("generation source: scripted", "script", cfg.Stream.ScriptFile)
	}
	opts = append(opts, service.WithRunSummaries(tiered.New(l1, l2, summaryL1Expire), cfg.Stream.SummaryTTL))

	runs := service.NewRunService(source, opts...)

	// --- HTTP ---

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(rshttp.SecurityHeaders)
	r.Use(rshttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rshttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(rsotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/health", rshttp.Health(checks))
	r.Get("/ws", hub.HandleWS)

	var startMW []func(http.Handler) http.Handler
	if cfg.Server.RunRate > 0 {
		limiter, err := middleware.NewRateLimiter(cfg.Server.RunRate, cfg.Server.RunBurst, limiterIdleTTL)
		if err != nil {
			return err
		}
		defer limiter.Close()
		startMW = append(startMW, limiter.Handler)
	}
	rshttp.MountRoutes(r, &rshttp.Handlers{Runs: runs, Heartbeat: cfg.Stream.HeartbeatInterval}, startMW...)

	var keys *secrets.Vault
	if cfg.MCPServer.Enabled {
		keys, err = secrets.NewVault(mcpKeyLoader(cfg, load))
		if err != nil {
			return err
		}
		mcpSrv := rsmcp.NewServer(
			rsmcp.ServerConfig{Name: "runstream", Version: version, APIKey: keys.Getter(mcpAPIKey)},
			rsmcp.ServerDeps{Runs: runs},
		)
		r.Handle("/mcp", mcpSrv.Handler())
		slog.Info("mcp server enabled", "path", "/mcp", "api_key", keys.Redacted(mcpAPIKey))
	}

	addr := ":" + cfg.Server.Port
	// No WriteTimeout: run streams stay open for the whole run.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if keys != nil {
		g.Go(func() error {
			reloadOnHangup(gctx, keys)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// mcpKeyLoader serves the MCP API key from cfg first and from a fresh
// configuration load on every reload.
func mcpKeyLoader(cfg *config.Config, load loadFunc) secrets.Loader {
	loaded := false
	return func() (map[string]string, error) {
		if loaded {
			next, err := load()
			if err != nil {
				return nil, err
			}
			cfg = next
		}
		loaded = true
		return secrets.StaticLoader(map[string]string{mcpAPIKey: cfg.MCPServer.APIKey})()
	}
}

// reloadOnHangup reloads keys on SIGHUP until ctx ends. A failed reload
// keeps the previous values.
func reloadOnHangup(ctx context.Context, keys *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := keys.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "mcp_api_key", keys.Redacted(mcpAPIKey))
		}
	}
}
