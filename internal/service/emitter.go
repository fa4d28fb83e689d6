package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
)

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithIDGenerator overrides how message and interrupt ids are generated.
func WithIDGenerator(fn func() string) EmitterOption {
	return func(e *Emitter) { e.newID = fn }
}

// WithClock overrides the event timestamp source.
func WithClock(fn func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = fn }
}

// Emitter turns generation facts of a single run into an ordered,
// deduplicated protocol event stream and decides the run outcome.
//
// An Emitter belongs to exactly one run and one goroutine. Every Emit method
// returns the event to send, or nil when there is nothing to emit.
type Emitter struct {
	threadID string
	runID    string

	currentMessageID string

	emittedToolCallIDs  map[string]struct{}
	frontendToolCallIDs map[string]struct{}
	frontendOrder       []string
	reportedResultIDs   map[string]struct{}

	started  bool
	finished bool
	outcome  event.Outcome

	newID func() string
	now   func() time.Time
}

// NewEmitter creates the emitter for one run.
func NewEmitter(threadID, runID string, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		threadID:            threadID,
		runID:               runID,
		emittedToolCallIDs:  make(map[string]struct{}),
		frontendToolCallIDs: make(map[string]struct{}),
		reportedResultIDs:   make(map[string]struct{}),
		newID:               uuid.NewString,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.currentMessageID = e.newID()
	return e
}

// ThreadID returns the thread the run belongs to.
func (e *Emitter) ThreadID() string { return e.threadID }

// RunID returns the run id.
func (e *Emitter) RunID() string { return e.runID }

// CurrentMessageID returns the id text chunks are currently attached to.
func (e *Emitter) CurrentMessageID() string { return e.currentMessageID }

// Outcome returns the run verdict, empty until EmitRunFinished.
func (e *Emitter) Outcome() event.Outcome { return e.outcome }

// Finished reports whether RunFinished was emitted.
func (e *Emitter) Finished() bool { return e.finished }

// EmitRunStarted opens the run. Only the first call emits.
func (e *Emitter) EmitRunStarted() *event.RunStarted {
	if e.started || e.finished {
		return nil
	}
	e.started = true
	return event.NewRunStarted(e.threadID, e.runID, e.now())
}

// EmitTextChunk attaches delta to the current message block.
func (e *Emitter) EmitTextChunk(delta string) *event.TextMessageChunk {
	if e.finished || delta == "" {
		return nil
	}
	return event.NewTextMessageChunk(e.currentMessageID, delta, e.now())
}

// EmitToolCall announces a tool call the first time its id is seen. Later
// calls with the same id return nil regardless of their arguments; streaming
// sources repeat deltas for the same call. isFrontend is fixed at first sight.
func (e *Emitter) EmitToolCall(toolCallID, name string, args any, isFrontend bool) *event.ToolCallChunk {
	if e.finished || toolCallID == "" {
		return nil
	}
	if _, seen := e.emittedToolCallIDs[toolCallID]; seen {
		return nil
	}
	e.emittedToolCallIDs[toolCallID] = struct{}{}
	if isFrontend {
		e.frontendToolCallIDs[toolCallID] = struct{}{}
		e.frontendOrder = append(e.frontendOrder, toolCallID)
	}
	return event.NewToolCallChunk(toolCallID, name, e.currentMessageID, encodeArgs(args), e.now())
}

// EmitToolResult reports a backend tool result under a fresh message id and
// starts a new message block for any text that follows. Results of frontend
// calls are never emitted; the client owns them.
func (e *Emitter) EmitToolResult(toolCallID string, result any) *event.ToolCallResult {
	if e.finished || toolCallID == "" {
		return nil
	}
	if e.IsFrontendToolCall(toolCallID) {
		return nil
	}
	if _, done := e.reportedResultIDs[toolCallID]; done {
		return nil
	}
	e.reportedResultIDs[toolCallID] = struct{}{}

	ev := event.NewToolCallResult(e.newID(), toolCallID, encodeResult(result), e.now())
	e.RegenerateMessageID()
	return ev
}

// EmitError reports a run-level error. The run stays open.
func (e *Emitter) EmitError(message, code string) *event.RunError {
	if e.finished {
		return nil
	}
	return event.NewRunError(message, code, e.now())
}

// EmitRunFinished closes the run. The outcome is error when err is non-nil,
// interrupt when any frontend tool call was emitted, success otherwise.
func (e *Emitter) EmitRunFinished(err error) *event.RunFinished {
	if e.finished {
		return nil
	}
	e.finished = true

	switch {
	case err != nil:
		e.outcome = event.OutcomeError
	case len(e.frontendToolCallIDs) > 0:
		e.outcome = event.OutcomeInterrupt
	default:
		e.outcome = event.OutcomeSuccess
	}

	ev := event.NewRunFinished(e.threadID, e.runID, e.outcome, e.now())
	switch e.outcome {
	case event.OutcomeError:
		ev.Error = err.Error()
	case event.OutcomeInterrupt:
		ids := make([]string, len(e.frontendOrder))
		copy(ids, e.frontendOrder)
		ev.Interrupt = &interrupt.Interrupt{
			ID:      e.newID(),
			Reason:  interrupt.ReasonToolExecution,
			Message: "The run is waiting for the client to execute its tools.",
			Payload: map[string]any{"toolCallIds": ids},
		}
	}
	return ev
}

// HasEmittedToolCall reports whether a tool call with id was announced.
func (e *Emitter) HasEmittedToolCall(toolCallID string) bool {
	_, ok := e.emittedToolCallIDs[toolCallID]
	return ok
}

// IsFrontendToolCall reports whether id was announced as a frontend call.
func (e *Emitter) IsFrontendToolCall(toolCallID string) bool {
	_, ok := e.frontendToolCallIDs[toolCallID]
	return ok
}

// RegenerateMessageID breaks the current message block and returns the new id.
func (e *Emitter) RegenerateMessageID() string {
	e.currentMessageID = e.newID()
	return e.currentMessageID
}

// encodeArgs renders tool arguments as a JSON string; absent or
// unencodable arguments become an empty object. Strings and raw JSON that
// already hold valid JSON pass through.
func encodeArgs(args any) string {
	switch v := args.(type) {
	case nil:
		return "{}"
	case string:
		if v == "" {
			return "{}"
		}
		if json.Valid([]byte(v)) {
			return v
		}
	case json.RawMessage:
		if len(v) == 0 {
			return "{}"
		}
		if json.Valid(v) {
			return string(v)
		}
	case []byte:
		if len(v) == 0 {
			return "{}"
		}
		if json.Valid(v) {
			return string(v)
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// encodeResult renders a tool result as JSON content; an absent result is
// "null" and a string becomes a JSON string.
func encodeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "null"
	case json.RawMessage:
		if json.Valid(v) {
			return string(v)
		}
	case []byte:
		if json.Valid(v) {
			return string(v)
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(result))
	}
	return string(data)
}
