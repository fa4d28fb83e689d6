package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	rsotel "github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
)

// InterruptContext is what a handler needs to act on an interrupt raised at
// the end of a run.
type InterruptContext struct {
	ThreadID        string
	RunID           string
	TargetMessageID string
	// ToolCalls holds the frontend tool calls of the run, in stream order.
	ToolCalls []toolcall.ToolCall
	// Resume continues the conversation with response as new input. May be nil.
	Resume func(ctx context.Context, response any) error
}

// InterruptHandler handles interrupts of one reason.
type InterruptHandler interface {
	Reason() interrupt.Reason
	Handle(ctx context.Context, intr interrupt.Interrupt, ictx InterruptContext) error
}

type interruptHandlerFunc struct {
	reason interrupt.Reason
	fn     func(context.Context, interrupt.Interrupt, InterruptContext) error
}

func (h interruptHandlerFunc) Reason() interrupt.Reason { return h.reason }

func (h interruptHandlerFunc) Handle(ctx context.Context, intr interrupt.Interrupt, ictx InterruptContext) error {
	return h.fn(ctx, intr, ictx)
}

// NewInterruptHandler adapts a function to InterruptHandler.
func NewInterruptHandler(reason interrupt.Reason, fn func(context.Context, interrupt.Interrupt, InterruptContext) error) InterruptHandler {
	return interruptHandlerFunc{reason: reason, fn: fn}
}

// InterruptRegistry routes interrupts to handlers by reason. A later
// registration for the same reason replaces the earlier one.
type InterruptRegistry struct {
	mu       sync.RWMutex
	handlers map[interrupt.Reason]InterruptHandler
}

// NewInterruptRegistry creates an empty registry.
func NewInterruptRegistry() *InterruptRegistry {
	return &InterruptRegistry{handlers: make(map[interrupt.Reason]InterruptHandler)}
}

// Register installs h for its reason and reports whether it replaced one.
// A reason outside the closed set could never be dispatched, so it is
// rejected; register ReasonUnknown to catch foreign reasons.
func (r *InterruptRegistry) Register(h InterruptHandler) (replaced bool, err error) {
	raw := h.Reason()
	reason := interrupt.ParseReason(string(raw))
	if reason == interrupt.ReasonUnknown && strings.TrimSpace(string(raw)) != string(interrupt.ReasonUnknown) {
		return false, fmt.Errorf("interrupt handler reason %q: %w", raw, domain.ErrValidation)
	}

	r.mu.Lock()
	_, replaced = r.handlers[reason]
	r.handlers[reason] = h
	r.mu.Unlock()

	if replaced {
		slog.Warn("interrupt handler replaced", "reason", reason)
	}
	return replaced, nil
}

// RegisterAll registers hs in order and stops at the first rejected handler.
func (r *InterruptRegistry) RegisterAll(hs ...InterruptHandler) error {
	for _, h := range hs {
		if _, err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Handle dispatches intr to the handler for its reason. It reports false
// when no handler is registered, leaving fallback handling to the caller.
func (r *InterruptRegistry) Handle(ctx context.Context, intr interrupt.Interrupt, ictx InterruptContext) (bool, error) {
	reason := interrupt.ParseReason(string(intr.Reason))

	r.mu.RLock()
	h, ok := r.handlers[reason]
	r.mu.RUnlock()
	if !ok {
		slog.Info("interrupt not handled", "interrupt_id", intr.ID, "reason", reason, "raw_reason", intr.RawReason)
		return false, nil
	}

	ctx, span := rsotel.StartInterruptSpan(ctx, intr.ID, string(reason))
	defer span.End()

	if err := h.Handle(ctx, intr, ictx); err != nil {
		span.RecordError(err)
		return true, err
	}
	return true, nil
}

// Clear removes every handler.
func (r *InterruptRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.handlers)
}

// Len returns the number of registered reasons.
func (r *InterruptRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
