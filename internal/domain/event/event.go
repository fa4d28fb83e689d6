// Package event defines the protocol events a run is streamed as.
//
// Every event carries a discriminator and an epoch-millisecond timestamp.
// Field names on the wire follow the AG-UI protocol.
package event

import (
	"time"

	"github.com/Strob0t/runstream/internal/domain/interrupt"
)

// Type identifies the kind of protocol event.
type Type string

const (
	TypeRunStarted       Type = "RUN_STARTED"
	TypeRunFinished      Type = "RUN_FINISHED"
	TypeRunError         Type = "RUN_ERROR"
	TypeTextMessageChunk Type = "TEXT_MESSAGE_CHUNK"
	TypeToolCallChunk    Type = "TOOL_CALL_CHUNK"
	TypeToolCallResult   Type = "TOOL_CALL_RESULT"
)

// Roles attached to message-bearing events.
const (
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Outcome is the verdict on how a run ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeInterrupt Outcome = "interrupt"
)

// Event is implemented by every protocol event.
type Event interface {
	Type() Type
	Timestamp() int64
}

// Base carries the fields shared by all events.
type Base struct {
	Kind Type  `json:"type"`
	Time int64 `json:"timestamp"`
}

// Type returns the event discriminator.
func (b Base) Type() Type { return b.Kind }

// Timestamp returns the event time in epoch milliseconds.
func (b Base) Timestamp() int64 { return b.Time }

func newBase(kind Type, at time.Time) Base {
	return Base{Kind: kind, Time: at.UnixMilli()}
}

// RunStarted opens a run.
type RunStarted struct {
	Base
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

// NewRunStarted builds a RunStarted event.
func NewRunStarted(threadID, runID string, at time.Time) *RunStarted {
	return &RunStarted{Base: newBase(TypeRunStarted, at), ThreadID: threadID, RunID: runID}
}

// RunFinished closes a run. Interrupt is set only when Outcome is
// OutcomeInterrupt; Error only when Outcome is OutcomeError.
type RunFinished struct {
	Base
	ThreadID  string               `json:"threadId"`
	RunID     string               `json:"runId"`
	Outcome   Outcome              `json:"outcome"`
	Interrupt *interrupt.Interrupt `json:"interrupt,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// NewRunFinished builds a RunFinished event with the given outcome.
func NewRunFinished(threadID, runID string, outcome Outcome, at time.Time) *RunFinished {
	return &RunFinished{Base: newBase(TypeRunFinished, at), ThreadID: threadID, RunID: runID, Outcome: outcome}
}

// RunError reports a run-level failure. It does not end the run by itself.
type RunError struct {
	Base
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewRunError builds a RunError event.
func NewRunError(message, code string, at time.Time) *RunError {
	return &RunError{Base: newBase(TypeRunError, at), Message: message, Code: code}
}

// TextMessageChunk carries one assistant text delta.
type TextMessageChunk struct {
	Base
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Delta     string `json:"delta"`
}

// NewTextMessageChunk builds an assistant TextMessageChunk.
func NewTextMessageChunk(messageID, delta string, at time.Time) *TextMessageChunk {
	return &TextMessageChunk{Base: newBase(TypeTextMessageChunk, at), MessageID: messageID, Role: RoleAssistant, Delta: delta}
}

// ToolCallChunk announces a tool call. Delta holds the JSON-encoded arguments.
type ToolCallChunk struct {
	Base
	ToolCallID      string `json:"toolCallId"`
	ToolCallName    string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId"`
	Delta           string `json:"delta"`
}

// NewToolCallChunk builds a ToolCallChunk.
func NewToolCallChunk(toolCallID, name, parentMessageID, args string, at time.Time) *ToolCallChunk {
	return &ToolCallChunk{
		Base:            newBase(TypeToolCallChunk, at),
		ToolCallID:      toolCallID,
		ToolCallName:    name,
		ParentMessageID: parentMessageID,
		Delta:           args,
	}
}

// ToolCallResult carries the JSON-encoded output of a backend tool call.
type ToolCallResult struct {
	Base
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	Role       string `json:"role"`
}

// NewToolCallResult builds a ToolCallResult.
func NewToolCallResult(messageID, toolCallID, content string, at time.Time) *ToolCallResult {
	return &ToolCallResult{
		Base:       newBase(TypeToolCallResult, at),
		MessageID:  messageID,
		ToolCallID: toolCallID,
		Content:    content,
		Role:       RoleTool,
	}
}
