// Package sse streams protocol events as Server-Sent Events and decodes
// such streams on the client.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Strob0t/runstream/internal/domain/event"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("sse: writer closed")

// Writer writes one "data: <json>" frame per event and flushes after each.
// Headers are sent with the first frame. Safe for concurrent use, so a
// heartbeat may share the stream with the run.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	closed  bool
}

// NewWriter wraps w.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Send marshals ev and writes it as one frame.
func (w *Writer) Send(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return w.WriteData(data)
}

// WriteData writes data as one frame. data must not contain newlines.
func (w *Writer) WriteData(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write("data: %s\n\n", data)
}

// Ping writes a comment line that clients ignore.
func (w *Writer) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(": ping\n\n")
}

// Heartbeat pings every interval until ctx ends or a write fails. A
// non-positive interval disables it.
func (w *Writer) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Ping(); err != nil {
				slog.DebugContext(ctx, "sse heartbeat stopped", "error", err)
				return
			}
		}
	}
}

// Close makes every later write fail with ErrClosed. Call it before the
// handler returns so no ping touches a finished response.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *Writer) write(format string, args ...any) error {
	if w.closed {
		return ErrClosed
	}
	if !w.started {
		h := w.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.w.WriteHeader(http.StatusOK)
		w.started = true
	}
	if _, err := fmt.Fprintf(w.w, format, args...); err != nil {
		return fmt.Errorf("sse write: %w", err)
	}
	if err := w.rc.Flush(); err != nil {
		return fmt.Errorf("sse flush: %w", err)
	}
	return nil
}
