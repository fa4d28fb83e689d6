package service

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
	"github.com/Strob0t/runstream/internal/port/toolregistry"
)

// sliceReader replays events, then io.EOF.
type sliceReader struct {
	events []event.Event
}

func (r *sliceReader) Next() (event.Event, error) {
	if len(r.events) == 0 {
		return nil, io.EOF
	}
	ev := r.events[0]
	r.events = r.events[1:]
	return ev, nil
}

// interruptedRun is a run that called backend tool b1 and frontend tool f1.
func interruptedRun() []event.Event {
	at := fixedClock()
	fin := event.NewRunFinished("t1", "r1", event.OutcomeInterrupt, at)
	fin.Interrupt = &interrupt.Interrupt{
		ID:      "i1",
		Reason:  interrupt.ReasonToolExecution,
		Payload: map[string]any{"toolCallIds": []any{"f1"}},
	}
	return []event.Event{
		event.NewRunStarted("t1", "r1", at),
		event.NewTextMessageChunk("m1", "Looking ", at),
		event.NewTextMessageChunk("m1", "it up.", at),
		event.NewToolCallChunk("b1", "search", "m1", `{"q":"go"}`, at),
		event.NewToolCallResult("m2", "b1", `{"hits":1}`, at),
		event.NewTextMessageChunk("m3", "Now confirm.", at),
		event.NewToolCallChunk("f1", "confirm", "m3", `{"text":"ok?"}`, at),
		fin,
	}
}

func TestTranscript_Apply(t *testing.T) {
	t.Parallel()
	tr := NewTranscript()
	for _, ev := range interruptedRun() {
		tr.Apply(ev)
	}

	if tr.ThreadID() != "t1" || tr.RunID() != "r1" {
		t.Errorf("ids = %q, %q", tr.ThreadID(), tr.RunID())
	}
	if got := tr.Text("m1"); got != "Looking it up." {
		t.Errorf("m1 text = %q", got)
	}
	if tr.LastMessageID() != "m3" {
		t.Errorf("LastMessageID = %q", tr.LastMessageID())
	}

	var kinds []EntryKind
	for _, e := range tr.Entries() {
		kinds = append(kinds, e.Kind)
	}
	want := []EntryKind{EntryText, EntryToolCall, EntryToolResult, EntryText, EntryToolCall}
	if len(kinds) != len(want) {
		t.Fatalf("entries = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("entries = %v, want %v", kinds, want)
		}
	}

	if s, _ := tr.Status("b1"); s != toolcall.StatusComplete {
		t.Errorf("b1 status = %s", s)
	}
	if s, _ := tr.Status("f1"); s != toolcall.StatusPending {
		t.Errorf("f1 status = %s", s)
	}
	front := tr.FrontendCalls()
	if len(front) != 1 || front[0].ID != "f1" || front[0].ParentMessageID != "m3" {
		t.Errorf("frontend calls = %+v", front)
	}
	if len(tr.ToolCalls()) != 2 {
		t.Errorf("tool calls = %d, want 2", len(tr.ToolCalls()))
	}
	if _, ok := tr.Finished(); !ok {
		t.Error("Finished not recorded")
	}
}

func TestTranscript_FrontendWithoutIDList(t *testing.T) {
	t.Parallel()
	at := fixedClock()
	fin := event.NewRunFinished("t1", "r1", event.OutcomeInterrupt, at)
	fin.Interrupt = &interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonToolExecution}

	tr := NewTranscript()
	tr.Apply(event.NewToolCallChunk("b1", "search", "m1", "{}", at))
	tr.Apply(event.NewToolCallResult("m2", "b1", "{}", at))
	tr.Apply(event.NewToolCallChunk("f1", "confirm", "m2", "{}", at))
	tr.Apply(fin)

	front := tr.FrontendCalls()
	if len(front) != 1 || front[0].ID != "f1" {
		t.Errorf("frontend calls = %+v", front)
	}
}

func TestTranscript_ApplyUpdate(t *testing.T) {
	t.Parallel()
	at := fixedClock()
	tr := NewTranscript()
	tr.Apply(event.NewToolCallChunk("a", "publish", "m1", "{}", at))
	tr.Apply(event.NewToolCallChunk("b", "publish", "m1", "{}", at))

	steps := []struct {
		update toolcall.Update
		id     string
		want   toolcall.Status
	}{
		{toolcall.StatusUpdate("a", toolcall.StatusAwaitingApproval), "a", toolcall.StatusAwaitingApproval},
		{toolcall.StatusUpdate("a", toolcall.StatusPending), "a", toolcall.StatusAwaitingApproval},
		{toolcall.StatusUpdate("a", toolcall.StatusExecuting), "a", toolcall.StatusExecuting},
		{toolcall.ResultUpdate(toolcall.Result{ToolCallID: "a", Result: "ok"}), "a", toolcall.StatusComplete},
		{toolcall.StatusUpdate("a", toolcall.StatusExecuting), "a", toolcall.StatusComplete},
		{toolcall.ResultUpdate(toolcall.Result{ToolCallID: "b", Error: "User cancelled the operation"}), "b", toolcall.StatusError},
	}
	for i, s := range steps {
		tr.ApplyUpdate(s.update)
		if got, _ := tr.Status(s.id); got != s.want {
			t.Fatalf("step %d: status(%s) = %s, want %s", i, s.id, got, s.want)
		}
	}
	if res, ok := tr.Result("b"); !ok || !res.Failed() {
		t.Errorf("result(b) = %+v, %v", res, ok)
	}
}

func TestSession_ConsumeSuccess(t *testing.T) {
	t.Parallel()
	at := fixedClock()
	var seen []event.Type
	s := NewSession(NewTranscript(), NewInterruptRegistry(), WithEventObserver(func(ev event.Event) {
		seen = append(seen, ev.Type())
	}))

	res, err := s.Consume(context.Background(), &sliceReader{events: []event.Event{
		event.NewRunStarted("t1", "r1", at),
		event.NewTextMessageChunk("m1", "hi", at),
		event.NewRunFinished("t1", "r1", event.OutcomeSuccess, at),
		event.NewTextMessageChunk("m1", "never read", at),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != event.OutcomeSuccess || res.Handled {
		t.Errorf("result = %+v", res)
	}
	if len(seen) != 3 {
		t.Errorf("observed %v", seen)
	}
	if s.Transcript().Text("m1") != "hi" {
		t.Errorf("text = %q", s.Transcript().Text("m1"))
	}
}

func TestSession_Truncated(t *testing.T) {
	t.Parallel()
	s := NewSession(NewTranscript(), nil)
	_, err := s.Consume(context.Background(), &sliceReader{events: []event.Event{
		event.NewRunStarted("t1", "r1", fixedClock()),
	}})
	if !errors.Is(err, ErrStreamTruncated) {
		t.Errorf("expected ErrStreamTruncated, got %v", err)
	}
}

func TestSession_UnhandledInterrupt(t *testing.T) {
	t.Parallel()
	s := NewSession(NewTranscript(), NewInterruptRegistry())
	res, err := s.Consume(context.Background(), &sliceReader{events: interruptedRun()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != event.OutcomeInterrupt || res.Handled || res.Interrupt == nil || res.Interrupt.ID != "i1" {
		t.Errorf("result = %+v", res)
	}
}

func TestSession_ToolExecutionHandlerResumes(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry()
	api := &argsRecorder{}
	reg.add(toolregistry.Manifest{Name: "confirm", HasAPI: true}, api.api("confirmed"))

	tr := NewTranscript()
	exec := NewToolExecutor(reg, NewHITLContext(), WithUpdateHandler(tr.ApplyUpdate))
	interrupts := NewInterruptRegistry()
	interrupts.Register(NewToolExecutionHandler(exec))

	var resumed []toolcall.Result
	s := NewSession(tr, interrupts, WithResume(func(_ context.Context, response any) error {
		resumed = response.([]toolcall.Result)
		return nil
	}))

	res, err := s.Consume(context.Background(), &sliceReader{events: interruptedRun()})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Handled {
		t.Fatal("tool_execution interrupt not handled")
	}
	if len(resumed) != 1 || resumed[0].ToolCallID != "f1" || resumed[0].Result != "confirmed" {
		t.Fatalf("resumed with %+v", resumed)
	}
	if got := api.last(); got["text"] != "ok?" {
		t.Errorf("tool args = %v", got)
	}
	if s, _ := tr.Status("f1"); s != toolcall.StatusComplete {
		t.Errorf("f1 status = %s", s)
	}
}

func TestSession_ResumeErrorIsReturned(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry()
	reg.add(toolregistry.Manifest{Name: "confirm", HasAPI: true}, (&argsRecorder{}).api(nil))
	interrupts := NewInterruptRegistry()
	interrupts.Register(NewToolExecutionHandler(NewToolExecutor(reg, NewHITLContext())))

	boom := errors.New("server unreachable")
	s := NewSession(NewTranscript(), interrupts, WithResume(func(context.Context, any) error { return boom }))
	res, err := s.Consume(context.Background(), &sliceReader{events: interruptedRun()})
	if !errors.Is(err, boom) || !res.Handled {
		t.Errorf("Consume = %+v, %v", res, err)
	}
}

func TestSelectCalls(t *testing.T) {
	t.Parallel()
	calls := []toolcall.ToolCall{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	got := selectCalls(calls, []string{"c", "a", "zz"})
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("selectCalls = %+v", got)
	}
	if got := selectCalls(calls, nil); len(got) != 3 {
		t.Errorf("nil ids kept %d calls", len(got))
	}
}
