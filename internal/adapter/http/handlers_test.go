package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	rshttp "github.com/Strob0t/runstream/internal/adapter/http"
	"github.com/Strob0t/runstream/internal/adapter/memory"
	"github.com/Strob0t/runstream/internal/adapter/ristretto"
	"github.com/Strob0t/runstream/internal/adapter/sse"
	"github.com/Strob0t/runstream/internal/adapter/tiered"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/generation"
	"github.com/Strob0t/runstream/internal/service"
)

func scripted(facts ...generation.Fact) generation.Source {
	return generation.SourceFunc(func(ctx context.Context, _ run.Input, yield generation.Yield) error {
		for _, f := range facts {
			if err := yield(f); err != nil {
				return err
			}
		}
		return nil
	})
}

func newTestRouter(t *testing.T, src generation.Source) (*chi.Mux, *service.RunService) {
	t.Helper()
	l1, err := ristretto.New[[]byte](64)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l1.Close)

	runs := service.NewRunService(src,
		service.WithEventStore(memory.NewEventStore()),
		service.WithRunSummaries(tiered.New(l1, nil, time.Minute), time.Hour),
	)
	r := chi.NewRouter()
	rshttp.MountRoutes(r, &rshttp.Handlers{Runs: runs})
	return r, runs
}

func postRun(t *testing.T, h http.Handler, query string, in run.Input) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs"+query, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAll(t *testing.T, body io.Reader) []event.Event {
	t.Helper()
	dec := sse.NewDecoder(body)
	var out []event.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, ev)
	}
}

func TestStartRun_StreamsSSE(t *testing.T) {
	r, _ := newTestRouter(t, scripted(
		generation.Fact{Kind: generation.FactText, Delta: "Hello"},
		generation.Fact{Kind: generation.FactToolCall, ToolCallID: "c1", ToolName: "confirm", Args: map[string]any{"text": "ok?"}},
	))

	rec := postRun(t, r, "", run.Input{
		ThreadID: "t1",
		RunID:    "r1",
		Messages: []run.Message{{Role: "user", Content: "hi"}},
		Tools:    []run.Tool{{Name: "confirm"}},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if got := rec.Header().Get("X-Run-ID"); got != "r1" {
		t.Errorf("X-Run-ID = %q", got)
	}

	evs := decodeAll(t, rec.Body)
	want := []event.Type{event.TypeRunStarted, event.TypeTextMessageChunk, event.TypeToolCallChunk, event.TypeRunFinished}
	if len(evs) != len(want) {
		t.Fatalf("got %d events, want %d", len(evs), len(want))
	}
	for i, ev := range evs {
		if ev.Type() != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type(), want[i])
		}
	}
	fin := evs[len(evs)-1].(*event.RunFinished)
	if fin.Outcome != event.OutcomeInterrupt {
		t.Errorf("outcome = %q, want interrupt", fin.Outcome)
	}
}

func TestStartRun_AGUIProtocol(t *testing.T) {
	r, _ := newTestRouter(t, scripted(
		generation.Fact{Kind: generation.FactText, Delta: "Hello"},
	))

	rec := postRun(t, r, "?protocol=agui", run.Input{ThreadID: "t1", RunID: "r1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	dec := sse.NewDecoder(rec.Body)
	var types []string
	for {
		data, err := dec.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("frame %s: %v", data, err)
		}
		types = append(types, frame.Type)
	}
	want := []string{"RUN_STARTED", "TEXT_MESSAGE_START", "TEXT_MESSAGE_CONTENT", "TEXT_MESSAGE_END", "RUN_FINISHED"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("frames = %v, want %v", types, want)
	}
}

func TestStartRun_InvalidInput(t *testing.T) {
	r, _ := newTestRouter(t, scripted())

	rec := postRun(t, r, "", run.Input{
		ThreadID: "t1",
		Messages: []run.Message{{Role: "robot", Content: "beep"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if !strings.Contains(resp["error"], "invalid role") {
		t.Errorf("error = %q", resp["error"])
	}
}

func TestStartRun_MalformedBody(t *testing.T) {
	r, _ := newTestRouter(t, scripted())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStartRun_DuplicateRunConflicts(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	src := generation.SourceFunc(func(ctx context.Context, _ run.Input, _ generation.Yield) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	r, _ := newTestRouter(t, src)

	done := make(chan struct{})
	go func() {
		defer close(done)
		postRun(t, r, "", run.Input{ThreadID: "t1", RunID: "dup"})
	}()
	<-started

	rec := postRun(t, r, "", run.Input{ThreadID: "t1", RunID: "dup"})
	close(release)
	<-done

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	started := make(chan struct{})
	src := generation.SourceFunc(func(ctx context.Context, _ run.Input, _ generation.Yield) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	r, runs := newTestRouter(t, src)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postRun(t, r, "", run.Input{ThreadID: "t1", RunID: "r1"})
	}()
	<-started

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/r1/cancel", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", rec.Code)
	}

	stream := <-done
	evs := decodeAll(t, stream.Body)
	if len(evs) < 2 {
		t.Fatalf("got %d events", len(evs))
	}
	if re, ok := evs[len(evs)-2].(*event.RunError); !ok || re.Code != "cancelled" {
		t.Errorf("second to last event = %+v, want cancelled RunError", evs[len(evs)-2])
	}
	if runs.Active() != 0 {
		t.Errorf("active runs = %d", runs.Active())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs/r1/cancel", http.NoBody)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want 404", rec.Code)
	}
}

func TestGetRunAndEvents(t *testing.T) {
	r, _ := newTestRouter(t, scripted(
		generation.Fact{Kind: generation.FactText, Delta: "Hi"},
	))
	if rec := postRun(t, r, "", run.Input{ThreadID: "t1", RunID: "r1"}); rec.Code != http.StatusOK {
		t.Fatalf("run status = %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/r1", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var summary run.Run
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Status != run.StatusFinished || summary.Outcome != event.OutcomeSuccess || summary.EventCount != 3 {
		t.Errorf("summary = %+v", summary)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/r1/events", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}
	var recs []event.Record
	if err := json.NewDecoder(rec.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].Type != event.TypeRunStarted || recs[2].Type != event.TypeRunFinished {
		t.Errorf("records = %+v", recs)
	}

	for _, path := range []string{"/api/v1/runs/missing", "/api/v1/runs/missing/events"} {
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]rshttp.HealthCheck
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"all ok", map[string]rshttp.HealthCheck{
			"nats": func(context.Context) error { return nil },
		}, http.StatusOK},
		{"one failing", map[string]rshttp.HealthCheck{
			"nats":     func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("down") },
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rshttp.Health(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStartRun_HeartbeatEndsWithHandler(t *testing.T) {
	slow := generation.SourceFunc(func(ctx context.Context, _ run.Input, yield generation.Yield) error {
		if err := yield(generation.Fact{Kind: generation.FactText, Delta: "thinking"}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Millisecond):
		}
		return yield(generation.Fact{Kind: generation.FactText, Delta: " done"})
	})
	runs := service.NewRunService(slow, service.WithEventStore(memory.NewEventStore()))
	r := chi.NewRouter()
	rshttp.MountRoutes(r, &rshttp.Handlers{Runs: runs, Heartbeat: time.Millisecond})

	rec := postRun(t, r, "", run.Input{
		ThreadID: "t1",
		RunID:    "r1",
		Messages: []run.Message{{Role: "user", Content: "hi"}},
	})
	body := rec.Body.String()
	if !strings.Contains(body, ": ping") {
		t.Errorf("no heartbeat while the run was streaming:\n%s", body)
	}

	// Nothing may touch the response once the handler has returned.
	time.Sleep(20 * time.Millisecond)
	if after := rec.Body.String(); after != body {
		t.Errorf("response written after handler returned:\n%q", strings.TrimPrefix(after, body))
	}
	evs := decodeAll(t, strings.NewReader(body))
	if last := evs[len(evs)-1]; last.Type() != event.TypeRunFinished {
		t.Errorf("last event = %s", last.Type())
	}
}
