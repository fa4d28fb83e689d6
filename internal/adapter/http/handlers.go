package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Strob0t/runstream/internal/adapter/agui"
	"github.com/Strob0t/runstream/internal/adapter/sse"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/service"
)

// protocolAGUI selects strict AG-UI framing for a run stream.
const protocolAGUI = "agui"

// Handlers holds the HTTP handlers of the runstream API.
type Handlers struct {
	Runs *service.RunService
	// Heartbeat is the SSE keep-alive interval. Zero disables pings.
	Heartbeat time.Duration
}

// StartRun handles POST /api/v1/runs. The response is an SSE stream of the
// run's events; it ends when the run finishes or the client disconnects.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}
	if err := h.Runs.Prepare(&in); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	w.Header().Set("X-Run-ID", in.RunID)
	w.Header().Set("X-Thread-ID", in.ThreadID)

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	sw := sse.NewWriter(w)
	var sink service.Sink = sw
	if r.URL.Query().Get("protocol") == protocolAGUI {
		sink = agui.NewSink(sw)
	}

	// Pings start with the first frame so an early error can still be
	// written as plain JSON.
	var (
		heartbeat sync.Once
		pings     sync.WaitGroup
	)
	stream := service.SinkFunc(func(sendCtx context.Context, ev event.Event) error {
		heartbeat.Do(func() { pings.Go(func() { sw.Heartbeat(ctx, h.Heartbeat) }) })
		return sink.Send(sendCtx, ev)
	})

	_, err := h.Runs.Stream(ctx, in, stream)
	stop()
	pings.Wait()
	sw.Close()
	if err != nil {
		writeDomainError(w, err, "run not found")
	}
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	if !h.Runs.Cancel(runID(r)) {
		writeError(w, http.StatusNotFound, "run not active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Runs.Summary(r.Context(), runID(r))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListRunEvents handles GET /api/v1/runs/{id}/events.
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Runs.Events(r.Context(), runID(r))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// HealthCheck reports one dependency's status.
type HealthCheck func(ctx context.Context) error

// Health returns a handler for GET /health. Each named check is run with a
// short timeout; any failure turns the response into 503.
func Health(checks map[string]HealthCheck) http.HandlerFunc {
	type healthStatus struct {
		Status     string            `json:"status"`
		ActiveRuns int               `json:"active_runs,omitempty"`
		Checks     map[string]string `json:"checks,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := healthStatus{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status.Checks[name] = err.Error()
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Checks[name] = "ok"
		}
		writeJSON(w, code, status)
	}
}
