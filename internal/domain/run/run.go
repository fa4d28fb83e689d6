// Package run defines a single streamed execution of an agent turn.
package run

import (
	"encoding/json"
	"time"

	"github.com/Strob0t/runstream/internal/domain/event"
)

// Status represents the current state of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Message is one conversation message sent with a run request.
type Message struct {
	ID         string `json:"id,omitempty"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

// Tool is a tool the client declares it can execute itself. Calls to
// these tools are frontend tool calls.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Input starts a run. It mirrors the AG-UI RunAgentInput.
type Input struct {
	ThreadID       string         `json:"threadId"`
	RunID          string         `json:"runId,omitempty"`
	Messages       []Message      `json:"messages"`
	Tools          []Tool         `json:"tools,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	ForwardedProps map[string]any `json:"forwardedProps,omitempty"`
}

// FrontendTools returns the set of client-declared tool names.
func (in *Input) FrontendTools() map[string]bool {
	out := make(map[string]bool, len(in.Tools))
	for _, t := range in.Tools {
		out[t.Name] = true
	}
	return out
}

// LastUserMessage returns the content of the most recent user message.
func (in *Input) LastUserMessage() string {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" {
			return in.Messages[i].Content
		}
	}
	return ""
}

// Run summarizes one execution after it ends.
type Run struct {
	ID         string        `json:"id"`
	ThreadID   string        `json:"thread_id"`
	Status     Status        `json:"status"`
	Outcome    event.Outcome `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
	EventCount int           `json:"event_count"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}
