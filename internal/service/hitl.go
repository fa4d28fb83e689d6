package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
)

// --- HITL (Human-in-the-Loop) interrupts ---

// Resumer continues whatever paused for an interrupt once it is answered.
type Resumer interface {
	Resume(response any)
}

// ResumeFunc adapts a function to Resumer.
type ResumeFunc func(response any)

// Resume calls f.
func (f ResumeFunc) Resume(response any) { f(response) }

// HITLContext is the single-slot rendezvous between the code that needs a
// human answer and the UI that collects it. At most one interrupt is
// pending at a time.
type HITLContext struct {
	mu      sync.Mutex
	pending *interrupt.PendingApproval
	resumer Resumer

	onInterrupt []func(interrupt.PendingApproval)
	onResolved  []func(interrupt.Interrupt, any)
	onWithdrawn []func(interrupt.Interrupt)
}

// NewHITLContext creates an empty HITLContext.
func NewHITLContext() *HITLContext {
	return &HITLContext{}
}

// OnInterrupt registers fn to be called each time an interrupt is published.
// Listeners run on the publishing goroutine and must not block.
func (h *HITLContext) OnInterrupt(fn func(interrupt.PendingApproval)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onInterrupt = append(h.onInterrupt, fn)
}

// OnResolved registers fn to be called after an interrupt is answered.
func (h *HITLContext) OnResolved(fn func(interrupt.Interrupt, any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResolved = append(h.onResolved, fn)
}

// OnWithdrawn registers fn to be called when a pending interrupt is given
// up without an answer.
func (h *HITLContext) OnWithdrawn(fn func(interrupt.Interrupt)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onWithdrawn = append(h.onWithdrawn, fn)
}

// SetInterrupt publishes intr for rendering under targetMessageID. The
// resumer is called with the response when Respond is invoked. Publishing
// while another interrupt is pending is a caller error.
func (h *HITLContext) SetInterrupt(intr interrupt.Interrupt, targetMessageID string, resumer Resumer) error {
	if err := intr.Validate(); err != nil {
		return err
	}
	if resumer == nil {
		return fmt.Errorf("interrupt %s: resumer is required: %w", intr.ID, domain.ErrValidation)
	}

	h.mu.Lock()
	if h.pending != nil {
		current := h.pending.Interrupt.ID
		h.mu.Unlock()
		return fmt.Errorf("publish %s while %s is pending: %w", intr.ID, current, domain.ErrInterruptPending)
	}
	pa := interrupt.PendingApproval{Interrupt: intr, TargetMessageID: targetMessageID}
	h.pending = &pa
	h.resumer = resumer
	listeners := append([]func(interrupt.PendingApproval){}, h.onInterrupt...)
	h.mu.Unlock()

	slog.Info("interrupt pending",
		"interrupt_id", intr.ID,
		"reason", intr.Reason,
		"target_message_id", targetMessageID,
	)
	for _, fn := range listeners {
		fn(pa)
	}
	return nil
}

// Respond answers the pending interrupt. The slot is released before the
// resumer runs, so the resumer may publish the next interrupt.
func (h *HITLContext) Respond(response any) error {
	return h.respond("", response)
}

// RespondTo answers the pending interrupt only if its id matches.
func (h *HITLContext) RespondTo(interruptID string, response any) error {
	if interruptID == "" {
		return fmt.Errorf("respond: interrupt id is required: %w", domain.ErrValidation)
	}
	return h.respond(interruptID, response)
}

// respond releases the slot and resumes. An empty id matches any interrupt.
func (h *HITLContext) respond(interruptID string, response any) error {
	h.mu.Lock()
	if h.pending == nil || (interruptID != "" && h.pending.Interrupt.ID != interruptID) {
		h.mu.Unlock()
		return fmt.Errorf("respond %s: no matching pending interrupt: %w", interruptID, domain.ErrNotFound)
	}
	intr := h.pending.Interrupt
	resumer := h.resumer
	h.pending = nil
	h.resumer = nil
	listeners := append([]func(interrupt.Interrupt, any){}, h.onResolved...)
	h.mu.Unlock()

	resumer.Resume(response)

	slog.Info("interrupt resolved", "interrupt_id", intr.ID, "reason", intr.Reason)
	for _, fn := range listeners {
		fn(intr, response)
	}
	return nil
}

// Withdraw releases the slot without resuming, if interruptID is still the
// pending interrupt. The owner of an abandoned wait uses it after giving up.
func (h *HITLContext) Withdraw(interruptID string) bool {
	h.mu.Lock()
	if h.pending == nil || h.pending.Interrupt.ID != interruptID {
		h.mu.Unlock()
		return false
	}
	intr := h.pending.Interrupt
	h.pending = nil
	h.resumer = nil
	listeners := append([]func(interrupt.Interrupt){}, h.onWithdrawn...)
	h.mu.Unlock()

	slog.Info("interrupt withdrawn", "interrupt_id", interruptID)
	for _, fn := range listeners {
		fn(intr)
	}
	return true
}

// Current returns the pending interrupt, if any.
func (h *HITLContext) Current() (interrupt.PendingApproval, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return interrupt.PendingApproval{}, false
	}
	return *h.pending, true
}
