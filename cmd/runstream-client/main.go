// Command runstream-client starts runs on a runstream server, executes the
// frontend tools they request and asks the user for approvals.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Strob0t/runstream/internal/adapter/builtin"
	rsmcp "github.com/Strob0t/runstream/internal/adapter/mcp"
	rsotel "github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/adapter/ristretto"
	"github.com/Strob0t/runstream/internal/adapter/runclient"
	"github.com/Strob0t/runstream/internal/adapter/terminal"
	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/port/toolregistry"
	"github.com/Strob0t/runstream/internal/resilience"
	"github.com/Strob0t/runstream/internal/service"
)

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
	var threadID string
	cmd := &cobra.Command{
		Use:           "runstream-client [prompt...]",
		Short:         "Chat with a runstream server, running its frontend tools locally",
		Long:          "With a prompt argument one message is sent and the client exits. Without one, prompts are read line by line from stdin.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	collect := config.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id to continue (default: new thread)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, err := config.LoadWithCLI(collect())
		if err != nil {
			return err
		}
		if threadID != "" {
			cfg.Client.ThreadID = threadID
		}
		log, closer := logger.NewWithWriter(os.Stderr, cfg.Logging)
		defer closer.Close()
		slog.SetDefault(log)

		return runClient(cmd.Context(), cfg, args)
	}
	return cmd
}

func runClient(ctx context.Context, cfg *config.Config, args []string) error {
	shutdownOtel, err := rsotel.Setup(ctx, rsotel.Options{
		Enabled:     cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		Insecure:    cfg.OTEL.Insecure,
		ServiceName: cfg.Logging.Service + "-client",
		SampleRate:  cfg.OTEL.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()
	metrics, err := rsotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Tools ---

	tools := toolregistry.Multi{builtin.NewRegistry(cfg.Tools.NotesDir)}
	if mcpCfg := cfg.Tools.MCP; mcpCfg.Transport != "" {
		reg, err := rsmcp.Dial(ctx, rsmcp.ClientConfig{
			Name:             "mcp",
			Transport:        mcpCfg.Transport,
			Command:          mcpCfg.Command,
			Args:             mcpCfg.Args,
			Env:              mcpCfg.Env,
			URL:              mcpCfg.URL,
			Headers:          mcpCfg.Headers,
			ApprovalRequired: cfg.Tools.ApprovalRequired,
		}, resilience.NewBreaker("mcp", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()
		tools = append(tools, reg)
	}

	apis, err := ristretto.New[toolregistry.API](cfg.Tools.CacheSize)
	if err != nil {
		return fmt.Errorf("tool cache: %w", err)
	}
	defer apis.Close()
	manager := service.NewToolManager(tools, apis, cfg.Tools.CacheTTL)

	// --- Terminal and HITL ---

	console := terminal.NewConsole(os.Stdout)
	renderer := terminal.NewRenderer(console)
	interactive := terminal.IsInteractive(os.Stdin)
	var lines *terminal.Lines
	if interactive {
		if lines, err = terminal.EditLines(); err != nil {
			return err
		}
	} else {
		lines = terminal.ReadLines(os.Stdin)
	}
	defer func() { _ = lines.Close() }()

	hitl := service.NewHITLContext()
	prompter := terminal.NewPrompter(hitl, console, lines, interactive)
	defer prompter.Wait()

	// Executor updates land in the transcript of the run being consumed.
	var current atomic.Pointer[service.Transcript]
	exec := service.NewToolExecutor(manager, hitl,
		service.WithApprovalTimeout(cfg.Approval.Timeout),
		service.WithExecutorMetrics(metrics),
		service.WithUpdateHandler(renderer.Update),
		service.WithUpdateHandler(func(u toolcall.Update) {
			if t := current.Load(); t != nil {
				t.ApplyUpdate(u)
			}
		}),
	)

	interrupts := service.NewInterruptRegistry()
	if _, err := interrupts.Register(service.NewToolExecutionHandler(exec)); err != nil {
		return err
	}

	// --- Conversation ---

	threadID := cfg.Client.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	client := runclient.New(cfg.Client.ServerURL,
		runclient.WithBreaker(resilience.NewBreaker("runstream", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)))
	conv := service.NewConversation(client, interrupts, threadID, tools.Describe(ctx),
		service.WithConversationObserver(renderer.Event),
		service.WithTranscriptHook(current.Store),
	)
	slog.Info("client ready", "server", cfg.Client.ServerURL, "thread_id", threadID, "tools", tools.Names(ctx))

	send := func(text string) error {
		res, err := conv.Send(ctx, text)
		if err != nil {
			return err
		}
		if res.Interrupt != nil && !res.Handled {
			console.Printf("run paused: %s (%s)\n", res.Interrupt.Title, res.Interrupt.Reason)
		}
		return nil
	}

	if len(args) > 0 {
		return send(strings.Join(args, " "))
	}

	if interactive {
		console.Printf("thread %s, Ctrl-D to quit\n", threadID)
	}
	for {
		line, ok := lines.Ask(ctx, "you> ")
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := send(line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			console.Printf("error: %v\n", err)
		}
	}
}
