package terminal

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
	"github.com/Strob0t/runstream/internal/service"
)

// Prompter answers HITL interrupts from terminal input. Without a terminal
// every interrupt is denied.
type Prompter struct {
	hitl        *service.HITLContext
	console     *Console
	lines       *Lines
	interactive bool

	mu      sync.Mutex
	waiting map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPrompter creates a Prompter and subscribes it to hitl.
func NewPrompter(hitl *service.HITLContext, console *Console, lines *Lines, interactive bool) *Prompter {
	p := &Prompter{
		hitl:        hitl,
		console:     console,
		lines:       lines,
		interactive: interactive,
		waiting:     make(map[string]context.CancelFunc),
	}
	hitl.OnInterrupt(p.onInterrupt)
	hitl.OnWithdrawn(p.onWithdrawn)
	return p
}

// Wait blocks until every open prompt has been answered or abandoned.
func (p *Prompter) Wait() {
	p.wg.Wait()
}

func (p *Prompter) onInterrupt(pa interrupt.PendingApproval) {
	intr := pa.Interrupt
	p.render(intr)

	if !p.interactive {
		p.console.Printf("  (no terminal, denying)\n")
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.respond(intr.ID, interrupt.DenyResponse)
		}()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.waiting[intr.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.forget(intr.ID)
		p.ask(ctx, intr)
	}()
}

func (p *Prompter) onWithdrawn(intr interrupt.Interrupt) {
	p.mu.Lock()
	cancel, ok := p.waiting[intr.ID]
	p.mu.Unlock()
	if ok {
		cancel()
		p.console.Printf("  (%s expired)\n", label(intr))
	}
}

func (p *Prompter) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.waiting[id]; ok {
		cancel()
		delete(p.waiting, id)
	}
}

func (p *Prompter) render(intr interrupt.Interrupt) {
	p.console.Printf("\n? %s\n", label(intr))
	if intr.Message != "" {
		p.console.Printf("  %s\n", intr.Message)
	}
	if args, ok := intr.Payload["args"].(map[string]any); ok && len(args) > 0 {
		for _, k := range sortedKeys(args) {
			p.console.Printf("    %s: %v\n", k, args[k])
		}
	}
	for i, o := range intr.Options {
		p.console.Printf("  [%d] %s\n", i+1, o.Label)
	}
}

// ask reads lines until one selects an option. End of input denies.
func (p *Prompter) ask(ctx context.Context, intr interrupt.Interrupt) {
	for {
		line, ok := p.lines.Ask(ctx, "> ")
		if !ok {
			if ctx.Err() == nil {
				p.respond(intr.ID, interrupt.DenyResponse)
			}
			return
		}
		response, ok := choose(intr.Options, line)
		if !ok {
			p.console.Printf("  choose 1-%d\n", len(intr.Options))
			continue
		}
		p.respond(intr.ID, response)
		return
	}
}

func (p *Prompter) respond(id string, response any) {
	err := p.hitl.RespondTo(id, response)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("interrupt already gone", "interrupt_id", id)
		return
	}
	if err != nil {
		slog.Warn("answer interrupt failed", "interrupt_id", id, "error", err)
	}
}

// choose maps input to an option id by number, id or label. Without options
// any non-empty line is the answer.
func choose(opts []interrupt.Option, line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if len(opts) == 0 {
		return line, true
	}
	if n, err := strconv.Atoi(line); err == nil {
		if n >= 1 && n <= len(opts) {
			return opts[n-1].ID, true
		}
		return "", false
	}
	for _, o := range opts {
		if strings.EqualFold(line, o.ID) || strings.EqualFold(line, o.Label) {
			return o.ID, true
		}
	}
	return "", false
}

func label(intr interrupt.Interrupt) string {
	if intr.Title != "" {
		return intr.Title
	}
	return string(intr.Reason)
}
