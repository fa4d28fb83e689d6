package interrupt

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Strob0t/runstream/internal/domain"
)

func TestParseReason(t *testing.T) {
	tests := []struct {
		in   string
		want Reason
	}{
		{"tool_approval", ReasonToolApproval},
		{"tool_execution", ReasonToolExecution},
		{" user_input ", ReasonUserInput},
		{"unknown", ReasonUnknown},
		{"confirm_payment", ReasonUnknown},
		{"", ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseReason(tt.in); got != tt.want {
				t.Errorf("ParseReason(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnmarshalKeepsRawReason(t *testing.T) {
	var i Interrupt
	if err := json.Unmarshal([]byte(`{"id":"x","reason":"confirm_payment","title":"Pay?"}`), &i); err != nil {
		t.Fatal(err)
	}
	if i.Reason != ReasonUnknown {
		t.Errorf("reason = %s, want unknown", i.Reason)
	}
	if i.RawReason != "confirm_payment" {
		t.Errorf("raw reason = %q", i.RawReason)
	}
	if i.Title != "Pay?" {
		t.Errorf("title = %q", i.Title)
	}
}

func TestIsDenial(t *testing.T) {
	tests := []struct {
		name string
		resp any
		want bool
	}{
		{"nil", nil, true},
		{"deny string", "deny", true},
		{"approve string", "approve", false},
		{"approved false", map[string]any{"approved": false}, true},
		{"approved true", map[string]any{"approved": true}, false},
		{"decision deny", map[string]any{"decision": "deny"}, true},
		{"free-form answer", map[string]any{"comment": "go ahead"}, false},
		{"number", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDenial(tt.resp); got != tt.want {
				t.Errorf("IsDenial(%v) = %v, want %v", tt.resp, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	var nilInterrupt *Interrupt
	if err := nilInterrupt.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("nil interrupt: expected ErrValidation, got %v", err)
	}
	if err := (&Interrupt{Reason: ReasonUserInput}).Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing id: expected ErrValidation, got %v", err)
	}
	if err := (&Interrupt{ID: "a"}).Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing reason: expected ErrValidation, got %v", err)
	}
	if err := (&Interrupt{ID: "a", Reason: ReasonUserInput}).Validate(); err != nil {
		t.Errorf("valid interrupt: %v", err)
	}
}
