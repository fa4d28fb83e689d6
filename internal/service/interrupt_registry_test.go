package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
)

func recordingHandler(reason interrupt.Reason, tag string, calls *[]string) InterruptHandler {
	return NewInterruptHandler(reason, func(_ context.Context, intr interrupt.Interrupt, _ InterruptContext) error {
		*calls = append(*calls, tag+":"+intr.ID)
		return nil
	})
}

func TestInterruptRegistry_DispatchByReason(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	var calls []string
	if err := r.RegisterAll(
		recordingHandler(interrupt.ReasonUserInput, "input", &calls),
		recordingHandler(interrupt.ReasonToolExecution, "tools", &calls),
	); err != nil {
		t.Fatal(err)
	}

	handled, err := r.Handle(context.Background(), interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonUserInput}, InterruptContext{})
	if err != nil || !handled {
		t.Fatalf("Handle = %v, %v", handled, err)
	}
	if len(calls) != 1 || calls[0] != "input:i1" {
		t.Errorf("calls = %v", calls)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestInterruptRegistry_Unhandled(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	handled, err := r.Handle(context.Background(), interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonToolApproval}, InterruptContext{})
	if handled || err != nil {
		t.Errorf("Handle = %v, %v; want false, nil", handled, err)
	}
}

func TestInterruptRegistry_LastRegistrationWins(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	var calls []string

	if replaced, err := r.Register(recordingHandler(interrupt.ReasonUserInput, "first", &calls)); err != nil || replaced {
		t.Error("first registration reported a replacement")
	}
	if replaced, err := r.Register(recordingHandler(interrupt.ReasonUserInput, "second", &calls)); err != nil || !replaced {
		t.Error("second registration did not report a replacement")
	}

	_, _ = r.Handle(context.Background(), interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonUserInput}, InterruptContext{})
	if len(calls) != 1 || calls[0] != "second:i1" {
		t.Errorf("calls = %v, want [second:i1]", calls)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestInterruptRegistry_UnknownReason(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	var calls []string
	r.Register(recordingHandler(interrupt.ReasonUserInput, "input", &calls))

	var intr interrupt.Interrupt
	if err := json.Unmarshal([]byte(`{"id":"i9","reason":"custom_review"}`), &intr); err != nil {
		t.Fatal(err)
	}
	if handled, _ := r.Handle(context.Background(), intr, InterruptContext{}); handled {
		t.Fatal("foreign reason must not match a known handler")
	}

	r.Register(recordingHandler(interrupt.ReasonUnknown, "fallback", &calls))
	if handled, _ := r.Handle(context.Background(), intr, InterruptContext{}); !handled {
		t.Fatal("unknown handler did not claim a foreign reason")
	}
	if len(calls) != 1 || calls[0] != "fallback:i9" {
		t.Errorf("calls = %v", calls)
	}
}

func TestInterruptRegistry_RejectsReasonOutsideClosedSet(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	var calls []string

	replaced, err := r.Register(recordingHandler("custom_reason", "custom", &calls))
	if !errors.Is(err, domain.ErrValidation) || replaced {
		t.Fatalf("Register = %v, %v; want ErrValidation", replaced, err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, rejected handler was stored", r.Len())
	}

	err = r.RegisterAll(
		recordingHandler(interrupt.ReasonUserInput, "input", &calls),
		recordingHandler("custom_reason", "custom", &calls),
	)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RegisterAll = %v, want ErrValidation", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestInterruptRegistry_NormalizesReason(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	var calls []string
	if _, err := r.Register(recordingHandler(" user_input ", "input", &calls)); err != nil {
		t.Fatal(err)
	}

	handled, err := r.Handle(context.Background(), interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonUserInput}, InterruptContext{})
	if err != nil || !handled {
		t.Fatalf("Handle = %v, %v", handled, err)
	}
	if len(calls) != 1 || calls[0] != "input:i1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestInterruptRegistry_HandlerErrorIsReturned(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	boom := errors.New("boom")
	r.Register(NewInterruptHandler(interrupt.ReasonUserInput, func(context.Context, interrupt.Interrupt, InterruptContext) error {
		return boom
	}))

	handled, err := r.Handle(context.Background(), interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonUserInput}, InterruptContext{})
	if !handled || !errors.Is(err, boom) {
		t.Errorf("Handle = %v, %v", handled, err)
	}
}

func TestInterruptRegistry_Clear(t *testing.T) {
	t.Parallel()
	r := NewInterruptRegistry()
	var calls []string
	r.Register(recordingHandler(interrupt.ReasonUserInput, "input", &calls))
	r.Clear()

	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d", r.Len())
	}
	if handled, _ := r.Handle(context.Background(), interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonUserInput}, InterruptContext{}); handled {
		t.Error("cleared registry still handled")
	}
}
