package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/generation"
	"github.com/Strob0t/runstream/internal/port/messagequeue"
)

// ErrFactTimeout is returned when a worker stays silent for longer than the
// configured fact timeout.
var ErrFactTimeout = errors.New("generation worker timed out")

// Source is a generation.Source backed by remote workers. It publishes the
// run input on runs.start and reads facts from runs.facts.<runID> until the
// worker sends done or failed.
type Source struct {
	q           *Queue
	factTimeout time.Duration
}

// NewSource creates a Source. A zero factTimeout waits indefinitely.
func NewSource(q *Queue, factTimeout time.Duration) *Source {
	return &Source{q: q, factTimeout: factTimeout}
}

// Generate implements generation.Source.
func (s *Source) Generate(ctx context.Context, in run.Input, yield generation.Yield) error {
	subject := messagequeue.RunSubject(messagequeue.SubjectRunFacts, in.RunID)

	// Subscribe before publishing so no fact is missed.
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.q.Conn().ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode run input: %w", err)
	}
	if err := s.q.Publish(ctx, messagequeue.SubjectRunStart, data); err != nil {
		return err
	}

	return consumeFacts(ctx, msgs, s.factTimeout, yield)
}

// consumeFacts yields facts from msgs until a terminal fact arrives.
func consumeFacts(ctx context.Context, msgs <-chan *nats.Msg, timeout time.Duration, yield generation.Yield) error {
	var idle <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
			return fmt.Errorf("no fact within %s: %w", timeout, ErrFactTimeout)
		case msg := <-msgs:
			if timer != nil {
				timer.Reset(timeout)
			}
			var f generation.Fact
			if err := json.Unmarshal(msg.Data, &f); err != nil {
				slog.WarnContext(ctx, "malformed generation fact dropped", "subject", msg.Subject, "error", err)
				continue
			}
			switch f.Kind {
			case generation.FactDone:
				return nil
			case generation.FactFailed:
				if f.Message == "" {
					f.Message = "generation failed"
				}
				return errors.New(f.Message)
			}
			if err := yield(f); err != nil {
				return err
			}
		}
	}
}

// Worker serves runs.start requests with a local source and streams its
// facts back to the requesting core.
type Worker struct {
	q      *Queue
	source generation.Source
}

// NewWorker creates a Worker generating with source.
func NewWorker(q *Queue, source generation.Source) *Worker {
	return &Worker{q: q, source: source}
}

// Run subscribes to runs.start and blocks until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	stop, err := w.q.Subscribe(ctx, messagequeue.SubjectRunStart, func(msgCtx context.Context, _ string, data []byte) error {
		var in run.Input
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("decode run input: %w", err)
		}
		if err := in.Validate(); err != nil {
			return err
		}
		// Generation outlives the delivery callback.
		go w.generate(context.WithoutCancel(msgCtx), ctx, in)
		return nil
	})
	if err != nil {
		return err
	}
	defer stop()

	slog.Info("generation worker started", "subject", messagequeue.SubjectRunStart)
	<-ctx.Done()
	return nil
}

func (w *Worker) generate(msgCtx, lifetime context.Context, in run.Input) {
	ctx, cancel := context.WithCancel(msgCtx)
	defer cancel()
	stop := context.AfterFunc(lifetime, cancel)
	defer stop()

	subject := messagequeue.RunSubject(messagequeue.SubjectRunFacts, in.RunID)
	publish := func(f generation.Fact) error {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode fact: %w", err)
		}
		return w.q.Publish(ctx, subject, data)
	}

	slog.InfoContext(ctx, "generation started", "run_id", in.RunID)
	end := generation.Fact{Kind: generation.FactDone}
	if err := w.source.Generate(ctx, in, publish); err != nil {
		slog.WarnContext(ctx, "generation failed", "run_id", in.RunID, "error", err)
		end = generation.Fact{Kind: generation.FactFailed, Message: err.Error()}
	}
	if err := publish(end); err != nil {
		slog.ErrorContext(ctx, "publish terminal fact failed", "run_id", in.RunID, "error", err)
	}
}
