// Package memory provides an in-process run event store for deployments
// without PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/port/eventstore"
)

// EventStore keeps run events in memory. Records are lost on restart.
type EventStore struct {
	mu      sync.RWMutex
	records []event.Record
	byRun   map[string][]int // run id -> indexes into records, by seq
	seen    map[string]map[int]bool
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		byRun: make(map[string][]int),
		seen:  make(map[string]map[int]bool),
	}
}

// Append stores rec. A repeated (run id, seq) pair is a conflict.
func (s *EventStore) Append(_ context.Context, rec event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := s.seen[rec.RunID]
	if seqs == nil {
		seqs = make(map[int]bool)
		s.seen[rec.RunID] = seqs
	}
	if seqs[rec.Seq] {
		return fmt.Errorf("append event %s#%d: %w", rec.RunID, rec.Seq, domain.ErrConflict)
	}
	seqs[rec.Seq] = true

	rec.Payload = append([]byte(nil), rec.Payload...)
	s.records = append(s.records, rec)
	idx := len(s.records) - 1

	// Keep the run index ordered by seq; appends almost always arrive in order.
	run := append(s.byRun[rec.RunID], idx)
	for i := len(run) - 1; i > 0 && s.records[run[i-1]].Seq > rec.Seq; i-- {
		run[i-1], run[i] = run[i], run[i-1]
	}
	s.byRun[rec.RunID] = run
	return nil
}

// LoadByRun returns the records of a run ordered by seq.
func (s *EventStore) LoadByRun(_ context.Context, runID string) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byRun[runID]
	out := make([]event.Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.records[i])
	}
	return out, nil
}

// LoadByThread returns the records of a thread in insertion order.
func (s *EventStore) LoadByThread(_ context.Context, threadID string) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []event.Record{}
	for _, rec := range s.records {
		if rec.ThreadID == threadID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
