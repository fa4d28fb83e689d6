// Package ws implements the WebSocket adapter for live run observers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/runstream/internal/port/broadcast"
)

const (
	writeTimeout = 5 * time.Second
	// sendQueue is how many messages an observer may lag behind before it
	// is disconnected.
	sendQueue = 64
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// observer is one connected client. Broadcasts only enqueue; the
// connection's own goroutine does the writing.
type observer struct {
	runID  string // empty observes every run
	send   chan []byte
	cancel context.CancelFunc
}

func (o *observer) wants(runID string) bool {
	return o.runID == "" || o.runID == runID
}

// Hub fans run events out to WebSocket observers. A run never waits on an
// observer: one that falls sendQueue messages behind is dropped.
type Hub struct {
	mu        sync.RWMutex
	observers map[*observer]struct{}
	lagged    atomic.Int64
}

var _ broadcast.Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{observers: make(map[*observer]struct{})}
}

// HandleWS upgrades the connection and serves it until the client leaves.
// The optional run_id query parameter limits the stream to one run.
// Messages from the client are ignored.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	o := &observer{
		runID:  r.URL.Query().Get("run_id"),
		send:   make(chan []byte, sendQueue),
		cancel: cancel,
	}
	h.add(o)
	slog.Info("websocket connected", "remote", r.RemoteAddr, "run_id", o.runID)

	defer func() {
		h.remove(o)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx = ws.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-o.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				slog.Debug("websocket write failed", "run_id", o.runID, "error", err)
				return
			}
		}
	}
}

// BroadcastEvent marshals a typed event concerning runID and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, runID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, Message{Type: eventType, RunID: runID, Payload: data})
}

// Broadcast queues msg for every observer of its run.
func (h *Hub) Broadcast(_ context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for o := range h.observers {
		if !o.wants(msg.RunID) {
			continue
		}
		select {
		case o.send <- data:
		default:
			h.lagged.Add(1)
			slog.Warn("websocket observer lagging, disconnecting", "run_id", msg.RunID)
			o.cancel()
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Lagged returns how many observers were dropped for falling behind.
func (h *Hub) Lagged() int64 {
	return h.lagged.Load()
}

func (h *Hub) add(o *observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[o] = struct{}{}
}

func (h *Hub) remove(o *observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o]; ok {
		o.cancel()
		delete(h.observers, o)
		slog.Info("websocket disconnected", "run_id", o.runID)
	}
}
