// Package toolcall defines tool invocation requests, their client-visible
// lifecycle, and the updates published while executing them.
package toolcall

import (
	"fmt"

	"github.com/Strob0t/runstream/internal/domain"
)

// Status is the client-visible lifecycle state of a tool call.
type Status string

const (
	StatusPending          Status = "pending"
	StatusStreaming        Status = "streaming"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusComplete         Status = "complete"
	StatusError            Status = "error"
)

// transitions lists the allowed forward moves. Any non-terminal status may
// also move to StatusError.
var transitions = map[Status][]Status{
	StatusPending:          {StatusStreaming, StatusAwaitingApproval, StatusExecuting},
	StatusStreaming:        {StatusAwaitingApproval, StatusExecuting},
	StatusAwaitingApproval: {StatusExecuting},
	StatusExecuting:        {StatusComplete},
}

// IsTerminal reports whether s ends the lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// CanTransition reports whether a call may move from one status to another.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ToolCall is one invocation request embedded in a run.
type ToolCall struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Arguments       string `json:"arguments"` // JSON-encoded
	ParentMessageID string `json:"parentMessageId,omitempty"`
	IsFrontend      bool   `json:"isFrontend"`
}

// Validate checks that a ToolCall can be executed.
func (c *ToolCall) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("tool call id is required: %w", domain.ErrValidation)
	}
	if c.Name == "" {
		return fmt.Errorf("tool call name is required: %w", domain.ErrValidation)
	}
	return nil
}

// Result is the outcome of one executed tool call. Exactly one of Result and
// Error is meaningful; Error is non-empty on failure.
type Result struct {
	ToolCallID string `json:"toolCallId"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Failed reports whether the result is an error result.
func (r Result) Failed() bool { return r.Error != "" }

// UpdateKind distinguishes status updates from results.
type UpdateKind string

const (
	UpdateStatus UpdateKind = "status"
	UpdateResult UpdateKind = "result"
)

// Update is one entry of the ordered stream an executor publishes.
type Update struct {
	Kind       UpdateKind `json:"kind"`
	ToolCallID string     `json:"toolCallId"`
	Status     Status     `json:"status,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}

// StatusUpdate builds a status Update.
func StatusUpdate(id string, s Status) Update {
	return Update{Kind: UpdateStatus, ToolCallID: id, Status: s}
}

// ResultUpdate builds a result Update.
func ResultUpdate(r Result) Update {
	return Update{Kind: UpdateResult, ToolCallID: r.ToolCallID, Result: &r}
}
