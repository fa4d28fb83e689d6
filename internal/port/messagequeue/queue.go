// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Publisher publishes messages.
type Publisher interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error
}

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	Publisher

	// Subscribe registers a durable handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by runstream.
const (
	SubjectRunStart  = "runs.start"  // core -> worker: start generating a run
	SubjectRunFacts  = "runs.facts"  // runs.facts.{runID}: worker -> core generation facts
	SubjectRunEvents = "runs.events" // runs.events.{runID}: emitted protocol events
)

// RunSubject returns base.{runID}.
func RunSubject(base, runID string) string {
	return base + "." + runID
}
