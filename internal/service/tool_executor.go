package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	rsotel "github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
	"github.com/Strob0t/runstream/internal/port/toolregistry"
)

const (
	// ApprovalResponseKey is the argument under which an approval answer is
	// handed to the tool.
	ApprovalResponseKey = "__approvalResponse"

	msgCancelled       = "User cancelled the operation"
	msgApprovalTimeout = "Approval timed out"
)

var errApprovalTimeout = errors.New(msgApprovalTimeout)

// UpdateFunc receives executor updates in publication order.
type UpdateFunc func(toolcall.Update)

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithUpdateHandler adds a receiver of status and result updates.
func WithUpdateHandler(fn UpdateFunc) ExecutorOption {
	return func(x *ToolExecutor) { x.handlers = append(x.handlers, fn) }
}

// WithApprovalTimeout bounds how long a call waits for approval. Zero waits
// until the context ends.
func WithApprovalTimeout(d time.Duration) ExecutorOption {
	return func(x *ToolExecutor) { x.approvalTimeout = d }
}

// WithInterruptIDs overrides how approval interrupt ids are generated.
func WithInterruptIDs(fn func() string) ExecutorOption {
	return func(x *ToolExecutor) { x.newID = fn }
}

// WithExecutorMetrics records tool call and approval metrics.
func WithExecutorMetrics(m *rsotel.Metrics) ExecutorOption {
	return func(x *ToolExecutor) { x.metrics = m }
}

// ToolExecutor runs frontend tool calls on the client, one at a time,
// pausing through the HITL context for tools that need approval.
type ToolExecutor struct {
	tools toolregistry.Registry
	hitl  *HITLContext

	handlers        []UpdateFunc
	approvalTimeout time.Duration
	newID           func() string
	metrics         *rsotel.Metrics

	// batch serializes Execute calls so approvals never interleave.
	batch sync.Mutex
}

// NewToolExecutor creates a ToolExecutor resolving tools through tools.
func NewToolExecutor(tools toolregistry.Registry, hitl *HITLContext, opts ...ExecutorOption) *ToolExecutor {
	x := &ToolExecutor{
		tools: tools,
		hitl:  hitl,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs calls strictly in order and returns one result per call.
// Every failure is reported as an error result; Execute itself never fails.
func (x *ToolExecutor) Execute(ctx context.Context, calls []toolcall.ToolCall) []toolcall.Result {
	x.batch.Lock()
	defer x.batch.Unlock()

	results := make([]toolcall.Result, 0, len(calls))
	for i := range calls {
		res := x.executeOne(ctx, calls[i])
		x.publish(toolcall.ResultUpdate(res))
		results = append(results, res)

		if x.metrics != nil {
			status := toolcall.StatusComplete
			if res.Failed() {
				status = toolcall.StatusError
			}
			x.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", calls[i].Name),
				attribute.String("status", string(status)),
			))
		}
	}
	return results
}

func (x *ToolExecutor) executeOne(ctx context.Context, call toolcall.ToolCall) toolcall.Result {
	ctx, span := rsotel.StartToolCallSpan(ctx, call.ID, call.Name)
	defer span.End()

	res := x.run(ctx, call)
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
		slog.Warn("tool call failed", "tool_call_id", call.ID, "tool", call.Name, "error", res.Error)
	} else {
		slog.Info("tool call complete", "tool_call_id", call.ID, "tool", call.Name)
	}
	return res
}

func (x *ToolExecutor) run(ctx context.Context, call toolcall.ToolCall) toolcall.Result {
	if err := call.Validate(); err != nil {
		return failure(call.ID, err.Error())
	}
	if err := ctx.Err(); err != nil {
		return failure(call.ID, fmt.Sprintf("run cancelled: %v", err))
	}

	manifest, ok := x.tools.Manifest(ctx, call.Name)
	if !ok || !manifest.HasAPI {
		return failure(call.ID, fmt.Sprintf("No API registered for tool %q", call.Name))
	}
	api, err := x.tools.LoadAPI(ctx, call.Name)
	if err != nil {
		return failure(call.ID, fmt.Sprintf("Failed to load tool %q: %v", call.Name, err))
	}

	args := parseArgs(call.Arguments)

	if manifest.RequiresApproval() {
		response, err := x.awaitApproval(ctx, call, manifest, args)
		if err != nil {
			return failure(call.ID, err.Error())
		}
		if interrupt.IsDenial(response) {
			return failure(call.ID, msgCancelled)
		}
		args[ApprovalResponseKey] = response
	}

	x.publish(toolcall.StatusUpdate(call.ID, toolcall.StatusExecuting))
	return invoke(ctx, call, api, args)
}

// awaitApproval publishes a tool_approval interrupt and blocks until it is
// answered, the timeout fires, or ctx ends.
func (x *ToolExecutor) awaitApproval(ctx context.Context, call toolcall.ToolCall, manifest toolregistry.Manifest, args map[string]any) (any, error) {
	x.publish(toolcall.StatusUpdate(call.ID, toolcall.StatusAwaitingApproval))

	intr := x.approvalInterrupt(call, manifest, args)

	// Buffer of one: the resumer never blocks, and only the first answer lands.
	ch := make(chan any, 1)
	var once sync.Once
	resumer := ResumeFunc(func(response any) {
		once.Do(func() { ch <- response })
	})

	if err := x.hitl.SetInterrupt(intr, call.ParentMessageID, resumer); err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}
	if x.metrics != nil {
		x.metrics.Interrupts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(intr.Reason)),
		))
	}

	slog.Info("tool approval requested",
		"tool_call_id", call.ID,
		"tool", call.Name,
		"interrupt_id", intr.ID,
		"timeout", x.approvalTimeout,
	)

	started := time.Now()
	var timeout <-chan time.Time
	if x.approvalTimeout > 0 {
		timer := time.NewTimer(x.approvalTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case response := <-ch:
		x.recordWait(ctx, started, "answered")
		return response, nil
	case <-timeout:
		if response, ok := x.giveUp(intr.ID, ch); ok {
			return response, nil
		}
		slog.Warn("tool approval timed out", "tool_call_id", call.ID, "tool", call.Name)
		x.recordWait(ctx, started, "timeout")
		return nil, errApprovalTimeout
	case <-ctx.Done():
		if response, ok := x.giveUp(intr.ID, ch); ok {
			return response, nil
		}
		x.recordWait(ctx, started, "cancelled")
		return nil, fmt.Errorf("approval abandoned: %w", ctx.Err())
	}
}

// giveUp withdraws the interrupt. If it was answered concurrently, the
// answer wins.
func (x *ToolExecutor) giveUp(interruptID string, ch <-chan any) (any, bool) {
	if x.hitl.Withdraw(interruptID) {
		return nil, false
	}
	select {
	case response := <-ch:
		return response, true
	default:
		return nil, false
	}
}

func (x *ToolExecutor) recordWait(ctx context.Context, started time.Time, outcome string) {
	if x.metrics == nil {
		return
	}
	x.metrics.ApprovalWait.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (x *ToolExecutor) approvalInterrupt(call toolcall.ToolCall, manifest toolregistry.Manifest, args map[string]any) interrupt.Interrupt {
	cfg := manifest.Approval
	intr := interrupt.Interrupt{
		ID:      x.newID(),
		Reason:  interrupt.ReasonToolApproval,
		Title:   cfg.Title,
		Message: cfg.Message,
		Options: cfg.Options,
		Payload: map[string]any{
			"toolCallId": call.ID,
			"toolName":   call.Name,
			"args":       copyArgs(args),
			"config":     cfg.Config,
		},
	}
	if intr.Title == "" {
		intr.Title = fmt.Sprintf("Approve %s?", manifest.DisplayName())
	}
	if intr.Message == "" {
		intr.Message = fmt.Sprintf("%s wants to run with the arguments shown.", manifest.DisplayName())
	}
	if len(intr.Options) == 0 {
		intr.Options = []interrupt.Option{
			{ID: "approve", Label: "Approve"},
			{ID: interrupt.DenyResponse, Label: "Deny"},
		}
	}
	return intr
}

func (x *ToolExecutor) publish(u toolcall.Update) {
	for _, fn := range x.handlers {
		fn(u)
	}
}

// invoke calls the tool API. A panic becomes an error result.
func invoke(ctx context.Context, call toolcall.ToolCall, api toolregistry.API, args map[string]any) (res toolcall.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool_call_id", call.ID, "tool", call.Name, "panic", r)
			res = failure(call.ID, fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()

	out, err := api.Execute(ctx, args)
	if err != nil {
		return failure(call.ID, err.Error())
	}
	return toolcall.Result{ToolCallID: call.ID, Result: out}
}

func failure(id, msg string) toolcall.Result {
	if msg == "" {
		msg = "tool failed"
	}
	return toolcall.Result{ToolCallID: id, Error: msg}
}

// parseArgs decodes a JSON argument string. Empty input yields no
// arguments; anything that is not a JSON object is passed as {"input": raw}.
func parseArgs(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil || args == nil {
		return map[string]any{"input": raw}
	}
	return args
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
