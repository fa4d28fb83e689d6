// Package generation defines the port to the model side of a run: a source
// that yields raw generation facts as the model advances.
package generation

import (
	"context"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// FactKind identifies a generation fact.
type FactKind string

const (
	// FactText is an assistant text delta.
	FactText FactKind = "text"
	// FactToolCall is a tool invocation request.
	FactToolCall FactKind = "tool_call"
	// FactToolResult is the output of a backend tool.
	FactToolResult FactKind = "tool_result"
	// FactBlockBreak starts a new message block without a tool result,
	// e.g. after a reasoning step.
	FactBlockBreak FactKind = "block_break"
	// FactError is a non-fatal run-level error report.
	FactError FactKind = "error"
	// FactDone ends the stream. Only remote sources send it.
	FactDone FactKind = "done"
	// FactFailed ends the stream with a fatal error. Only remote sources send it.
	FactFailed FactKind = "failed"
)

// Fact is one thing the model produced.
type Fact struct {
	Kind       FactKind `json:"kind" yaml:"kind"`
	Delta      string   `json:"delta,omitempty" yaml:"delta"`
	ToolCallID string   `json:"tool_call_id,omitempty" yaml:"tool_call_id"`
	ToolName   string   `json:"tool_name,omitempty" yaml:"tool_name"`
	Args       any      `json:"args,omitempty" yaml:"args"`
	Frontend   bool     `json:"frontend,omitempty" yaml:"frontend"`
	Result     any      `json:"result,omitempty" yaml:"result"`
	Message    string   `json:"message,omitempty" yaml:"message"`
	Code       string   `json:"code,omitempty" yaml:"code"`
}

// Yield receives facts in order. A non-nil error tells the source to stop
// and return that error.
type Yield func(Fact) error

// Source produces the facts of one run. Generate blocks until the model is
// done, the context is cancelled, or yield fails.
type Source interface {
	Generate(ctx context.Context, in run.Input, yield Yield) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, in run.Input, yield Yield) error

// Generate calls f.
func (f SourceFunc) Generate(ctx context.Context, in run.Input, yield Yield) error {
	return f(ctx, in, yield)
}
