package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	rsotel "github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/port/broadcast"
	"github.com/Strob0t/runstream/internal/port/cache"
	"github.com/Strob0t/runstream/internal/port/eventstore"
	"github.com/Strob0t/runstream/internal/port/generation"
	"github.com/Strob0t/runstream/internal/port/messagequeue"
)

// ErrClientGone reports that a sink stopped accepting events mid-run.
var ErrClientGone = errors.New("client gone")

// Sink receives the events of one run in order, typically an SSE writer.
type Sink interface {
	Send(ctx context.Context, ev event.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev event.Event) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, ev event.Event) error { return f(ctx, ev) }

// RunOption configures a RunService.
type RunOption func(*RunService)

// WithEventStore persists every emitted event.
func WithEventStore(store eventstore.Store) RunOption {
	return func(s *RunService) { s.store = store }
}

// WithBroadcaster fans emitted events out to live observers.
func WithBroadcaster(b broadcast.Broadcaster) RunOption {
	return func(s *RunService) { s.hub = b }
}

// WithEventPublisher publishes emitted events on runs.events.<runID>.
func WithEventPublisher(p messagequeue.Publisher) RunOption {
	return func(s *RunService) { s.pub = p }
}

// WithRunSummaries keeps run summaries in c for ttl, so Summary can answer
// for runs streamed by any core sharing the cache.
func WithRunSummaries(c cache.Bytes, ttl time.Duration) RunOption {
	return func(s *RunService) {
		s.summaries = c
		s.summaryTTL = ttl
	}
}

// WithRunMetrics records run and event metrics.
func WithRunMetrics(m *rsotel.Metrics) RunOption {
	return func(s *RunService) { s.metrics = m }
}

// WithRunIDs overrides how run, thread and message ids are generated.
func WithRunIDs(fn func() string) RunOption {
	return func(s *RunService) { s.newID = fn }
}

// WithRunClock overrides the event clock.
func WithRunClock(fn func() time.Time) RunOption {
	return func(s *RunService) { s.now = fn }
}

// RunService streams runs: it drives a generation source, turns its facts
// into protocol events through an Emitter and delivers each event to the
// caller's sink, the event store, the broadcaster and the publisher.
type RunService struct {
	source generation.Source

	store   eventstore.Store
	hub     broadcast.Broadcaster
	pub     messagequeue.Publisher
	metrics *rsotel.Metrics
	newID   func() string
	now     func() time.Time

	summaries  cache.Bytes
	summaryTTL time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunService creates a RunService reading facts from source.
func NewRunService(source generation.Source, opts ...RunOption) *RunService {
	s := &RunService{
		source: source,
		newID:  uuid.NewString,
		now:    time.Now,
		active: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare fills missing thread and run ids and validates the input.
func (s *RunService) Prepare(in *run.Input) error {
	if in.ThreadID == "" {
		in.ThreadID = s.newID()
	}
	if in.RunID == "" {
		in.RunID = s.newID()
	}
	return in.Validate()
}

// Stream executes one run and blocks until it finishes. Errors are returned
// only when the run could not start; once RunStarted is sent, failures are
// reported in-band and reflected in the returned summary.
func (s *RunService) Stream(ctx context.Context, in run.Input, sink Sink) (*run.Run, error) {
	if err := s.Prepare(&in); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.register(in.RunID, cancel); err != nil {
		return nil, err
	}
	defer s.unregister(in.RunID)

	ctx = logger.WithRun(ctx, in.ThreadID, in.RunID)
	ctx, span := rsotel.StartRunSpan(ctx, in.ThreadID, in.RunID)
	defer span.End()

	r := &run.Run{
		ID:        in.RunID,
		ThreadID:  in.ThreadID,
		Status:    run.StatusRunning,
		StartedAt: s.now().UTC(),
	}
	st := &runState{
		svc:      s,
		sink:     sink,
		in:       in,
		emitter:  NewEmitter(in.ThreadID, in.RunID, WithIDGenerator(s.newID), WithClock(s.now)),
		frontend: in.FrontendTools(),
	}

	s.saveSummary(ctx, r)
	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1)
	}
	slog.InfoContext(ctx, "run started", "messages", len(in.Messages), "frontend_tools", len(in.Tools))

	genErr := st.send(ctx, st.emitter.EmitRunStarted())
	if genErr == nil {
		genErr = s.source.Generate(ctx, in, func(f generation.Fact) error {
			return st.apply(ctx, f)
		})
	}

	// Deliver the closing events even when the run context is gone.
	endCtx := context.WithoutCancel(ctx)
	switch {
	case st.sinkErr != nil:
		slog.WarnContext(ctx, "run aborted, client gone", "error", st.sinkErr)
		genErr = fmt.Errorf("%w: %w", ErrClientGone, st.sinkErr)
	case genErr != nil && ctx.Err() != nil:
		genErr = fmt.Errorf("run cancelled: %w", context.Cause(ctx))
		_ = st.send(endCtx, st.emitter.EmitError(genErr.Error(), "cancelled"))
	case genErr != nil:
		_ = st.send(endCtx, st.emitter.EmitError(genErr.Error(), "generation_failed"))
	}
	_ = st.send(endCtx, st.emitter.EmitRunFinished(genErr))

	finished := s.now().UTC()
	r.Status = run.StatusFinished
	r.Outcome = st.emitter.Outcome()
	r.EventCount = st.seq
	r.FinishedAt = &finished
	if genErr != nil {
		r.Error = genErr.Error()
		span.SetStatus(codes.Error, r.Error)
	}
	s.saveSummary(endCtx, r)

	if s.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("outcome", string(r.Outcome)))
		s.metrics.RunsFinished.Add(endCtx, 1, attrs)
		s.metrics.RunDuration.Record(endCtx, finished.Sub(r.StartedAt).Seconds(), attrs)
	}
	slog.InfoContext(ctx, "run finished", "outcome", r.Outcome, "events", r.EventCount, "error", r.Error)
	return r, nil
}

// Cancel stops an in-flight run. It reports whether the run was active.
func (s *RunService) Cancel(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		cancel()
		slog.Info("run cancel requested", "run_id", runID)
	}
	return ok
}

// Active returns the number of in-flight runs.
func (s *RunService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Events returns the stored events of a run in emission order.
func (s *RunService) Events(ctx context.Context, runID string) ([]event.Record, error) {
	if s.store == nil {
		return nil, fmt.Errorf("events of run %s: no event store: %w", runID, domain.ErrNotFound)
	}
	recs, err := s.store.LoadByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("events of run %s: %w", runID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("events of run %s: %w", runID, domain.ErrNotFound)
	}
	return recs, nil
}

// Summary returns the last known summary of a run.
func (s *RunService) Summary(ctx context.Context, runID string) (*run.Run, error) {
	if s.summaries == nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	data, ok, err := s.summaries.Get(ctx, summaryKey(runID))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &r, nil
}

func (s *RunService) saveSummary(ctx context.Context, r *run.Run) {
	if s.summaries == nil {
		return
	}
	data, err := json.Marshal(r)
	if err == nil {
		err = s.summaries.Set(ctx, summaryKey(r.ID), data, s.summaryTTL)
	}
	if err != nil {
		slog.WarnContext(ctx, "save run summary failed", "error", err)
	}
}

func summaryKey(runID string) string { return "run:" + runID }

func (s *RunService) register(runID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[runID]; ok {
		return fmt.Errorf("run %s is already streaming: %w", runID, domain.ErrConflict)
	}
	s.active[runID] = cancel
	return nil
}

func (s *RunService) unregister(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}

// runState is the per-run delivery pipeline. It is owned by the goroutine
// running Stream.
type runState struct {
	svc      *RunService
	sink     Sink
	in       run.Input
	emitter  *Emitter
	frontend map[string]bool

	seq     int
	sinkErr error
}

// apply maps one generation fact onto the emitter. A non-nil return stops
// the source.
func (st *runState) apply(ctx context.Context, f generation.Fact) error {
	em := st.emitter
	switch f.Kind {
	case generation.FactText:
		if ev := em.EmitTextChunk(f.Delta); ev != nil {
			return st.send(ctx, ev)
		}
	case generation.FactToolCall:
		frontend := f.Frontend || st.frontend[f.ToolName]
		if ev := em.EmitToolCall(f.ToolCallID, f.ToolName, f.Args, frontend); ev != nil {
			return st.send(ctx, ev)
		}
	case generation.FactToolResult:
		if ev := em.EmitToolResult(f.ToolCallID, f.Result); ev != nil {
			return st.send(ctx, ev)
		}
	case generation.FactBlockBreak:
		em.RegenerateMessageID()
	case generation.FactError:
		if ev := em.EmitError(f.Message, f.Code); ev != nil {
			return st.send(ctx, ev)
		}
	default:
		slog.DebugContext(ctx, "generation fact ignored", "kind", f.Kind)
	}
	return nil
}

// send delivers ev to the sink, then the store, the broadcaster and the
// publisher. Only a sink failure is returned; the rest are logged.
func (st *runState) send(ctx context.Context, ev event.Event) error {
	if isNilEvent(ev) {
		return st.sinkErr
	}
	st.seq++

	if st.sinkErr == nil && st.sink != nil {
		if err := st.sink.Send(ctx, ev); err != nil {
			st.sinkErr = err
		}
	}

	s := st.svc
	rec, err := event.NewRecord(st.in.ThreadID, st.in.RunID, st.seq, ev)
	if err != nil {
		slog.ErrorContext(ctx, "encode event record", "type", ev.Type(), "error", err)
		return st.sinkErr
	}
	if s.store != nil {
		if err := s.store.Append(ctx, rec); err != nil {
			slog.WarnContext(ctx, "append event failed", "type", ev.Type(), "seq", st.seq, "error", err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, st.in.RunID, broadcast.EventRunEvent, ev)
	}
	if s.pub != nil {
		data, err := json.Marshal(rec)
		if err == nil {
			err = s.pub.Publish(ctx, messagequeue.RunSubject(messagequeue.SubjectRunEvents, st.in.RunID), data)
		}
		if err != nil {
			slog.WarnContext(ctx, "publish event failed", "type", ev.Type(), "seq", st.seq, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type()))))
	}
	return st.sinkErr
}

// isNilEvent reports whether ev is nil or a typed nil pointer, which the
// emitter returns when there is nothing to send.
func isNilEvent(ev event.Event) bool {
	if ev == nil {
		return true
	}
	switch v := ev.(type) {
	case *event.RunStarted:
		return v == nil
	case *event.RunFinished:
		return v == nil
	case *event.RunError:
		return v == nil
	case *event.TextMessageChunk:
		return v == nil
	case *event.ToolCallChunk:
		return v == nil
	case *event.ToolCallResult:
		return v == nil
	}
	return false
}
