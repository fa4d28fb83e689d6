// Package interrupt defines pause requests that need a human or client
// response before a run can continue.
package interrupt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/runstream/internal/domain"
)

// Reason discriminates interrupts. The set is closed; anything else parses
// to ReasonUnknown.
type Reason string

const (
	ReasonToolApproval  Reason = "tool_approval"
	ReasonToolExecution Reason = "tool_execution"
	ReasonUserInput     Reason = "user_input"
	ReasonUnknown       Reason = "unknown"
)

var knownReasons = map[Reason]bool{
	ReasonToolApproval:  true,
	ReasonToolExecution: true,
	ReasonUserInput:     true,
}

// ParseReason maps a wire reason onto the closed set.
func ParseReason(s string) Reason {
	r := Reason(strings.TrimSpace(s))
	if knownReasons[r] {
		return r
	}
	return ReasonUnknown
}

// Option is one discrete response offered to the user.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Interrupt is a pause request.
type Interrupt struct {
	ID      string         `json:"id"`
	Reason  Reason         `json:"reason"`
	Title   string         `json:"title,omitempty"`
	Message string         `json:"message,omitempty"`
	Options []Option       `json:"options,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// RawReason keeps the reason string as received when it parsed to
	// ReasonUnknown.
	RawReason string `json:"-"`
}

// UnmarshalJSON parses the reason through ParseReason so foreign reasons land
// on ReasonUnknown.
func (i *Interrupt) UnmarshalJSON(data []byte) error {
	type alias Interrupt
	aux := struct {
		*alias
		Reason string `json:"reason"`
	}{alias: (*alias)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	i.Reason = ParseReason(aux.Reason)
	if i.Reason == ReasonUnknown {
		i.RawReason = aux.Reason
	}
	return nil
}

// Validate checks that an Interrupt can be published.
func (i *Interrupt) Validate() error {
	if i == nil {
		return fmt.Errorf("interrupt is nil: %w", domain.ErrValidation)
	}
	if i.ID == "" {
		return fmt.Errorf("interrupt id is required: %w", domain.ErrValidation)
	}
	if i.Reason == "" {
		return fmt.Errorf("interrupt reason is required: %w", domain.ErrValidation)
	}
	return nil
}

// PendingApproval anchors an interrupt to the message it is rendered under.
type PendingApproval struct {
	Interrupt       Interrupt `json:"interrupt"`
	TargetMessageID string    `json:"targetMessageId,omitempty"`
}

// DenyResponse is the canonical denial answer.
const DenyResponse = "deny"

// IsDenial reports whether a response cancels the request. A missing
// response, the string "deny", an object with "approved": false, and an
// object with "decision": "deny" all count as denial.
func IsDenial(response any) bool {
	switch v := response.(type) {
	case nil:
		return true
	case string:
		return v == DenyResponse
	case map[string]any:
		if approved, ok := v["approved"].(bool); ok && !approved {
			return true
		}
		if decision, ok := v["decision"].(string); ok && decision == DenyResponse {
			return true
		}
	}
	return false
}
