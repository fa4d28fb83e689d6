package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts one record into run_events. A repeated (run_id, seq) is a
// conflict.
func (s *EventStore) Append(ctx context.Context, rec event.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (thread_id, run_id, seq, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ThreadID, rec.RunID, rec.Seq, string(rec.Type), []byte(rec.Payload), rec.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("append event %s#%d: %w", rec.RunID, rec.Seq, domain.ErrConflict)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for run_events queries.
const eventColumns = `thread_id, run_id, seq, event_type, payload, created_at`

func scanRecord(row pgx.Row, rec *event.Record) error {
	var typ string
	var payload []byte
	if err := row.Scan(&rec.ThreadID, &rec.RunID, &rec.Seq, &typ, &payload, &rec.CreatedAt); err != nil {
		return err
	}
	rec.Type = event.Type(typ)
	rec.Payload = payload
	return nil
}

// LoadByRun returns all records of a run ordered by seq.
func (s *EventStore) LoadByRun(ctx context.Context, runID string) ([]event.Record, error) {
	return s.load(ctx,
		fmt.Sprintf(`SELECT %s FROM run_events WHERE run_id = $1 ORDER BY seq ASC`, eventColumns),
		runID)
}

// LoadByThread returns all records of a thread ordered by insertion.
func (s *EventStore) LoadByThread(ctx context.Context, threadID string) ([]event.Record, error) {
	return s.load(ctx,
		fmt.Sprintf(`SELECT %s FROM run_events WHERE thread_id = $1 ORDER BY id ASC`, eventColumns),
		threadID)
}

func (s *EventStore) load(ctx context.Context, query, key string) ([]event.Record, error) {
	rows, err := s.pool.Query(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", key, err)
	}
	defer rows.Close()

	recs := []event.Record{}
	for rows.Next() {
		var rec event.Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load events %s: %w", key, err)
	}
	return recs, nil
}

// sqlstateUniqueViolation is raised when (run_id, seq) already exists.
const sqlstateUniqueViolation = "23505"

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation
}
