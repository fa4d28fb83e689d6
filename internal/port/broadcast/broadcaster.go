// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// EventRunEvent carries one emitted run event to observers.
const EventRunEvent = "run.event"

// Broadcaster sends real-time events to connected observers.
type Broadcaster interface {
	// BroadcastEvent sends a typed event concerning runID to every observer
	// subscribed to that run or to all runs.
	BroadcastEvent(ctx context.Context, runID, eventType string, payload any)
}
