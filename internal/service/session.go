package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
)

// ErrStreamTruncated is returned when a stream ends without RUN_FINISHED.
var ErrStreamTruncated = errors.New("stream ended before run finished")

// EntryKind identifies a transcript entry.
type EntryKind string

const (
	EntryText       EntryKind = "text"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
	EntryError      EntryKind = "error"
)

// Entry is one rendered item of a transcript, in stream order.
type Entry struct {
	Kind       EntryKind
	MessageID  string
	ToolCallID string
	Text       string
}

// Transcript is the client's reconciled view of one run: text blocks,
// tool calls with their status, and results. It is safe for concurrent use
// because executor updates arrive from a different goroutine than events.
type Transcript struct {
	mu sync.Mutex

	threadID string
	runID    string
	entries  []Entry
	blocks   map[string]int // message id -> entries index
	lastText string

	calls    *toolcall.Accumulator
	statuses map[string]toolcall.Status
	results  map[string]toolcall.Result
	finished *event.RunFinished
}

// NewTranscript returns an empty Transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		blocks:   make(map[string]int),
		calls:    toolcall.NewAccumulator(),
		statuses: make(map[string]toolcall.Status),
		results:  make(map[string]toolcall.Result),
	}
}

// Apply folds one protocol event into the transcript.
func (t *Transcript) Apply(ev event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case *event.RunStarted:
		t.threadID, t.runID = e.ThreadID, e.RunID
	case *event.TextMessageChunk:
		if i, ok := t.blocks[e.MessageID]; ok {
			t.entries[i].Text += e.Delta
			break
		}
		t.blocks[e.MessageID] = len(t.entries)
		t.lastText = e.MessageID
		t.entries = append(t.entries, Entry{Kind: EntryText, MessageID: e.MessageID, Text: e.Delta})
	case *event.ToolCallChunk:
		added := t.calls.Add(toolcall.ToolCall{
			ID:              e.ToolCallID,
			Name:            e.ToolCallName,
			Arguments:       e.Delta,
			ParentMessageID: e.ParentMessageID,
		})
		if added {
			t.statuses[e.ToolCallID] = toolcall.StatusPending
			t.entries = append(t.entries, Entry{
				Kind: EntryToolCall, MessageID: e.ParentMessageID, ToolCallID: e.ToolCallID,
			})
		}
	case *event.ToolCallResult:
		t.results[e.ToolCallID] = toolcall.Result{ToolCallID: e.ToolCallID, Result: e.Content}
		t.setStatus(e.ToolCallID, toolcall.StatusComplete)
		t.entries = append(t.entries, Entry{
			Kind: EntryToolResult, MessageID: e.MessageID, ToolCallID: e.ToolCallID, Text: e.Content,
		})
	case *event.RunError:
		t.entries = append(t.entries, Entry{Kind: EntryError, Text: e.Message})
	case *event.RunFinished:
		t.finished = e
		t.markFrontend(e)
	}
}

// markFrontend flags the calls named by a tool_execution interrupt as
// frontend calls. The wire chunk does not carry that bit.
func (t *Transcript) markFrontend(fin *event.RunFinished) {
	if fin.Interrupt == nil || fin.Interrupt.Reason != interrupt.ReasonToolExecution {
		return
	}
	ids := interruptToolCallIDs(*fin.Interrupt)
	if ids == nil {
		// No id list: every call without a result belongs to the client.
		for _, c := range t.calls.All() {
			if _, done := t.results[c.ID]; !done {
				ids = append(ids, c.ID)
			}
		}
	}
	rebuilt := toolcall.NewAccumulator()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, c := range t.calls.All() {
		c.IsFrontend = want[c.ID]
		rebuilt.Add(c)
	}
	t.calls = rebuilt
}

// ApplyUpdate reconciles an executor update. Status moves the lifecycle
// does not allow are ignored.
func (t *Transcript) ApplyUpdate(u toolcall.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch u.Kind {
	case toolcall.UpdateStatus:
		t.setStatus(u.ToolCallID, u.Status)
	case toolcall.UpdateResult:
		if u.Result == nil {
			return
		}
		t.results[u.ToolCallID] = *u.Result
		if u.Result.Failed() {
			t.setStatus(u.ToolCallID, toolcall.StatusError)
		} else {
			t.setStatus(u.ToolCallID, toolcall.StatusComplete)
		}
	}
}

func (t *Transcript) setStatus(id string, to toolcall.Status) {
	from, ok := t.statuses[id]
	if !ok {
		from = toolcall.StatusPending
	}
	if from == to {
		return
	}
	// A result may skip intermediate states.
	if to == toolcall.StatusComplete && !from.IsTerminal() {
		t.statuses[id] = to
		return
	}
	if !toolcall.CanTransition(from, to) {
		slog.Debug("tool call status move ignored", "tool_call_id", id, "from", from, "to", to)
		return
	}
	t.statuses[id] = to
}

// ThreadID returns the thread of the run.
func (t *Transcript) ThreadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

// RunID returns the run id.
func (t *Transcript) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}

// Entries returns a copy of the entries in stream order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Text returns the accumulated text of a message block.
func (t *Transcript) Text(messageID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.blocks[messageID]; ok {
		return t.entries[i].Text
	}
	return ""
}

// LastMessageID returns the id of the most recent text block.
func (t *Transcript) LastMessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastText
}

// ToolCalls returns every announced call in stream order.
func (t *Transcript) ToolCalls() []toolcall.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls.All()
}

// FrontendCalls returns the calls the client must execute.
func (t *Transcript) FrontendCalls() []toolcall.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls.Frontend()
}

// Status returns the lifecycle status of a call.
func (t *Transcript) Status(toolCallID string) (toolcall.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[toolCallID]
	return s, ok
}

// Result returns the result of a call, if any.
func (t *Transcript) Result(toolCallID string) (toolcall.Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.results[toolCallID]
	return r, ok
}

// Finished returns the RUN_FINISHED event, if received.
func (t *Transcript) Finished() (*event.RunFinished, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished, t.finished != nil
}

// EventReader yields decoded events. Next returns io.EOF at end of stream.
type EventReader interface {
	Next() (event.Event, error)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithEventObserver is called with every event after it is applied.
func WithEventObserver(fn func(event.Event)) SessionOption {
	return func(s *Session) { s.observers = append(s.observers, fn) }
}

// WithResume sets how a handled interrupt continues the conversation.
func WithResume(fn func(ctx context.Context, response any) error) SessionOption {
	return func(s *Session) { s.resume = fn }
}

// Session consumes one run's event stream on the client and dispatches the
// interrupt it finishes with.
type Session struct {
	transcript *Transcript
	interrupts *InterruptRegistry
	observers  []func(event.Event)
	resume     func(ctx context.Context, response any) error
}

// NewSession creates a Session reconciling into transcript.
func NewSession(transcript *Transcript, interrupts *InterruptRegistry, opts ...SessionOption) *Session {
	s := &Session{transcript: transcript, interrupts: interrupts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transcript returns the session transcript.
func (s *Session) Transcript() *Transcript { return s.transcript }

// SessionResult is how a consumed run ended on the client.
type SessionResult struct {
	Outcome   event.Outcome
	Error     string
	Interrupt *interrupt.Interrupt
	// Handled reports whether a registered handler claimed the interrupt.
	Handled bool
}

// Consume reads events until RUN_FINISHED, then dispatches its interrupt.
// An unhandled interrupt is returned in the result, not as an error.
func (s *Session) Consume(ctx context.Context, r EventReader) (SessionResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return SessionResult{}, err
		}
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return SessionResult{}, ErrStreamTruncated
		}
		if err != nil {
			return SessionResult{}, fmt.Errorf("read event: %w", err)
		}

		s.transcript.Apply(ev)
		for _, fn := range s.observers {
			fn(ev)
		}

		if fin, ok := ev.(*event.RunFinished); ok {
			return s.finish(ctx, fin)
		}
	}
}

func (s *Session) finish(ctx context.Context, fin *event.RunFinished) (SessionResult, error) {
	res := SessionResult{Outcome: fin.Outcome, Error: fin.Error, Interrupt: fin.Interrupt}
	if fin.Outcome != event.OutcomeInterrupt || fin.Interrupt == nil || s.interrupts == nil {
		return res, nil
	}

	ictx := InterruptContext{
		ThreadID:        fin.ThreadID,
		RunID:           fin.RunID,
		TargetMessageID: s.transcript.LastMessageID(),
		ToolCalls:       s.transcript.FrontendCalls(),
		Resume:          s.resume,
	}
	handled, err := s.interrupts.Handle(ctx, *fin.Interrupt, ictx)
	res.Handled = handled
	if err != nil {
		return res, fmt.Errorf("handle interrupt %s: %w", fin.Interrupt.ID, err)
	}
	return res, nil
}

// NewToolExecutionHandler returns the handler that runs the frontend tool
// calls of an interrupted run through exec, then resumes with the results.
func NewToolExecutionHandler(exec *ToolExecutor) InterruptHandler {
	return NewInterruptHandler(interrupt.ReasonToolExecution,
		func(ctx context.Context, intr interrupt.Interrupt, ictx InterruptContext) error {
			calls := selectCalls(ictx.ToolCalls, interruptToolCallIDs(intr))
			results := exec.Execute(ctx, calls)
			if ictx.Resume == nil {
				return nil
			}
			return ictx.Resume(ctx, results)
		})
}

// selectCalls keeps the calls named by ids, in ids order. Nil ids keeps all.
func selectCalls(calls []toolcall.ToolCall, ids []string) []toolcall.ToolCall {
	if ids == nil {
		return calls
	}
	byID := make(map[string]toolcall.ToolCall, len(calls))
	for _, c := range calls {
		byID[c.ID] = c
	}
	out := make([]toolcall.ToolCall, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// interruptToolCallIDs reads payload.toolCallIds, which is []string in
// process and []any after a JSON round trip. Nil means absent.
func interruptToolCallIDs(intr interrupt.Interrupt) []string {
	switch v := intr.Payload["toolCallIds"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, id := range v {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
