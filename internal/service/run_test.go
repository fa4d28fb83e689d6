package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/adapter/ristretto"
	"github.com/Strob0t/runstream/internal/adapter/tiered"
	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/generation"
)

// recordStore is an in-memory eventstore.Store.
type recordStore struct {
	mu   sync.Mutex
	recs []event.Record
}

func (s *recordStore) Append(_ context.Context, rec event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *recordStore) LoadByRun(_ context.Context, runID string) ([]event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Record
	for _, r := range s.recs {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *recordStore) LoadByThread(_ context.Context, threadID string) ([]event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Record
	for _, r := range s.recs {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *recordStore) types() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Type, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r.Type)
	}
	return out
}

type hubRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (h *hubRecorder) BroadcastEvent(_ context.Context, runID, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, runID+"/"+eventType)
}

type pubRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (p *pubRecorder) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func facts(fs ...generation.Fact) generation.Source {
	return generation.SourceFunc(func(_ context.Context, _ run.Input, yield generation.Yield) error {
		for _, f := range fs {
			if err := yield(f); err != nil {
				return err
			}
		}
		return nil
	})
}

func newTestRunService(src generation.Source, opts ...RunOption) *RunService {
	base := []RunOption{WithRunIDs(seqIDs("id-")), WithRunClock(fixedClock)}
	return NewRunService(src, append(base, opts...)...)
}

func sameTypes(t *testing.T, got []event.Type, want ...event.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestRunService_StreamsFactsInOrder(t *testing.T) {
	t.Parallel()
	store := &recordStore{}
	hub := &hubRecorder{}
	pub := &pubRecorder{}
	svc := newTestRunService(facts(
		generation.Fact{Kind: generation.FactText, Delta: "Hel"},
		generation.Fact{Kind: generation.FactText, Delta: "lo"},
		generation.Fact{Kind: generation.FactToolCall, ToolCallID: "c1", ToolName: "search", Args: map[string]any{"q": "go"}},
		generation.Fact{Kind: generation.FactToolCall, ToolCallID: "c1", ToolName: "search"},
		generation.Fact{Kind: generation.FactToolResult, ToolCallID: "c1", Result: map[string]any{"hits": 1}},
		generation.Fact{Kind: generation.FactText, Delta: "done"},
	), WithEventStore(store), WithBroadcaster(hub), WithEventPublisher(pub))

	sink := &sinkRecorder{}
	r, err := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, sink)
	if err != nil {
		t.Fatal(err)
	}

	sameTypes(t, sink.types(),
		event.TypeRunStarted,
		event.TypeTextMessageChunk,
		event.TypeTextMessageChunk,
		event.TypeToolCallChunk,
		event.TypeToolCallResult,
		event.TypeTextMessageChunk,
		event.TypeRunFinished,
	)
	if r.Outcome != event.OutcomeSuccess || r.Status != run.StatusFinished || r.EventCount != 7 {
		t.Errorf("summary = %+v", r)
	}
	if r.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	first := sink.events[1].(*event.TextMessageChunk)
	last := sink.events[5].(*event.TextMessageChunk)
	if first.MessageID == last.MessageID {
		t.Error("text after a tool result must start a new message block")
	}

	recs, err := svc.Events(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range recs {
		if rec.Seq != i+1 || rec.ThreadID != "t1" {
			t.Errorf("record %d = seq %d thread %q", i, rec.Seq, rec.ThreadID)
		}
	}
	if len(hub.calls) != 7 || hub.calls[0] != "r1/run.event" {
		t.Errorf("broadcasts = %v", hub.calls)
	}
	if len(pub.subjects) != 7 || pub.subjects[0] != "runs.events.r1" {
		t.Errorf("published subjects = %v", pub.subjects)
	}
}

func TestRunService_DeclaredToolsInterrupt(t *testing.T) {
	t.Parallel()
	svc := newTestRunService(facts(
		generation.Fact{Kind: generation.FactText, Delta: "Let me check."},
		generation.Fact{Kind: generation.FactToolCall, ToolCallID: "f1", ToolName: "confirm"},
		generation.Fact{Kind: generation.FactToolResult, ToolCallID: "f1", Result: "ignored"},
	))

	sink := &sinkRecorder{}
	in := run.Input{ThreadID: "t1", RunID: "r1", Tools: []run.Tool{{Name: "confirm"}}}
	r, err := svc.Stream(context.Background(), in, sink)
	if err != nil {
		t.Fatal(err)
	}

	sameTypes(t, sink.types(),
		event.TypeRunStarted,
		event.TypeTextMessageChunk,
		event.TypeToolCallChunk,
		event.TypeRunFinished,
	)
	if r.Outcome != event.OutcomeInterrupt {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	fin := sink.events[3].(*event.RunFinished)
	if fin.Interrupt == nil {
		t.Fatal("interrupt missing")
	}
	ids := interruptToolCallIDs(*fin.Interrupt)
	if len(ids) != 1 || ids[0] != "f1" {
		t.Errorf("toolCallIds = %v", ids)
	}
}

func TestRunService_SourceFailure(t *testing.T) {
	t.Parallel()
	svc := newTestRunService(generation.SourceFunc(func(_ context.Context, _ run.Input, yield generation.Yield) error {
		if err := yield(generation.Fact{Kind: generation.FactText, Delta: "partial"}); err != nil {
			return err
		}
		return errors.New("model down")
	}))

	sink := &sinkRecorder{}
	r, err := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, sink)
	if err != nil {
		t.Fatal(err)
	}

	sameTypes(t, sink.types(),
		event.TypeRunStarted,
		event.TypeTextMessageChunk,
		event.TypeRunError,
		event.TypeRunFinished,
	)
	re := sink.events[2].(*event.RunError)
	if re.Code != "generation_failed" || re.Message != "model down" {
		t.Errorf("run error = %+v", re)
	}
	fin := sink.events[3].(*event.RunFinished)
	if fin.Outcome != event.OutcomeError || fin.Error != "model down" {
		t.Errorf("finished = %+v", fin)
	}
	if r.Error != "model down" {
		t.Errorf("summary error = %q", r.Error)
	}
}

func TestRunService_FactErrorKeepsRunOpen(t *testing.T) {
	t.Parallel()
	svc := newTestRunService(facts(
		generation.Fact{Kind: generation.FactError, Message: "rate limited", Code: "429"},
		generation.Fact{Kind: generation.FactText, Delta: "recovered"},
	))

	sink := &sinkRecorder{}
	r, err := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, sink)
	if err != nil {
		t.Fatal(err)
	}
	sameTypes(t, sink.types(),
		event.TypeRunStarted,
		event.TypeRunError,
		event.TypeTextMessageChunk,
		event.TypeRunFinished,
	)
	if r.Outcome != event.OutcomeSuccess {
		t.Errorf("outcome = %s", r.Outcome)
	}
}

func TestRunService_ClientGone(t *testing.T) {
	t.Parallel()
	store := &recordStore{}
	svc := newTestRunService(facts(
		generation.Fact{Kind: generation.FactText, Delta: "a"},
		generation.Fact{Kind: generation.FactText, Delta: "b"},
		generation.Fact{Kind: generation.FactText, Delta: "c"},
	), WithEventStore(store))

	sink := &sinkRecorder{failAt: 2}
	r, err := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, sink)
	if err != nil {
		t.Fatal(err)
	}

	sameTypes(t, sink.types(), event.TypeRunStarted)
	sameTypes(t, store.types(), event.TypeRunStarted, event.TypeTextMessageChunk, event.TypeRunFinished)
	if r.Outcome != event.OutcomeError || !strings.Contains(r.Error, ErrClientGone.Error()) {
		t.Errorf("summary = %+v", r)
	}
}

func TestRunService_Cancel(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	svc := newTestRunService(generation.SourceFunc(func(ctx context.Context, _ run.Input, yield generation.Yield) error {
		if err := yield(generation.Fact{Kind: generation.FactText, Delta: "thinking"}); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	sink := &sinkRecorder{}
	done := make(chan *run.Run, 1)
	go func() {
		r, _ := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, sink)
		done <- r
	}()

	<-started
	if svc.Active() != 1 {
		t.Errorf("Active = %d, want 1", svc.Active())
	}
	if !svc.Cancel("r1") {
		t.Fatal("Cancel reported the run as inactive")
	}

	var r *run.Run
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return after Cancel")
	}

	sameTypes(t, sink.types(),
		event.TypeRunStarted,
		event.TypeTextMessageChunk,
		event.TypeRunError,
		event.TypeRunFinished,
	)
	if re := sink.events[2].(*event.RunError); re.Code != "cancelled" {
		t.Errorf("run error code = %q", re.Code)
	}
	if r.Outcome != event.OutcomeError {
		t.Errorf("outcome = %s", r.Outcome)
	}
	if svc.Active() != 0 || svc.Cancel("r1") {
		t.Error("run still registered after it finished")
	}
}

func TestRunService_DuplicateRunConflicts(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	svc := newTestRunService(generation.SourceFunc(func(ctx context.Context, _ run.Input, _ generation.Yield) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, &sinkRecorder{})
	}()
	<-started

	_, err := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, &sinkRecorder{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	close(release)
	<-done
}

func TestRunService_Prepare(t *testing.T) {
	t.Parallel()
	svc := newTestRunService(facts())

	in := run.Input{}
	if err := svc.Prepare(&in); err != nil {
		t.Fatal(err)
	}
	if in.ThreadID != "id-1" || in.RunID != "id-2" {
		t.Errorf("ids = %q, %q", in.ThreadID, in.RunID)
	}

	bad := run.Input{Messages: []run.Message{{Role: "robot", Content: "hi"}}}
	_, err := svc.Stream(context.Background(), bad, &sinkRecorder{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestRunService_Events(t *testing.T) {
	t.Parallel()
	bare := newTestRunService(facts())
	if _, err := bare.Events(context.Background(), "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("no store: expected ErrNotFound, got %v", err)
	}

	svc := newTestRunService(facts(), WithEventStore(&recordStore{}))
	if _, err := svc.Events(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown run: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, nil); err != nil {
		t.Fatal(err)
	}
	recs, err := svc.Events(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].Type != event.TypeRunFinished {
		t.Fatalf("records = %+v", recs)
	}
	ev, err := recs[1].Decode()
	if err != nil {
		t.Fatal(err)
	}
	if fin := ev.(*event.RunFinished); fin.Outcome != event.OutcomeSuccess {
		t.Errorf("decoded outcome = %s", fin.Outcome)
	}
}

func TestRunService_Summary(t *testing.T) {
	t.Parallel()
	l1, err := ristretto.New[[]byte](64)
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Close()

	svc := newTestRunService(facts(
		generation.Fact{Kind: generation.FactText, Delta: "hi"},
	), WithRunSummaries(tiered.New(l1, nil, time.Minute), time.Hour))

	if _, err := svc.Summary(context.Background(), "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("before run: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Stream(context.Background(), run.Input{ThreadID: "t1", RunID: "r1"}, nil); err != nil {
		t.Fatal(err)
	}

	r, err := svc.Summary(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != run.StatusFinished || r.Outcome != event.OutcomeSuccess || r.EventCount != 3 || r.ThreadID != "t1" {
		t.Errorf("summary = %+v", r)
	}

	bare := newTestRunService(facts())
	if _, err := bare.Summary(context.Background(), "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("no cache: expected ErrNotFound, got %v", err)
	}
}
