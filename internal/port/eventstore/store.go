// Package eventstore defines the port interface for the append-only run event log.
package eventstore

import (
	"context"

	"github.com/Strob0t/runstream/internal/domain/event"
)

// Store is the port interface for appending and loading run events.
type Store interface {
	// Append persists one event record.
	Append(ctx context.Context, rec event.Record) error

	// LoadByRun returns all records of a run ordered by seq.
	LoadByRun(ctx context.Context, runID string) ([]event.Record, error)

	// LoadByThread returns all records of a thread ordered by run start and seq.
	LoadByThread(ctx context.Context, threadID string) ([]event.Record, error)
}
