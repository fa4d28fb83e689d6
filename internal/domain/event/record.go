package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/runstream/internal/domain"
)

// Record is the persisted form of an event, ordered by Seq within a run.
type Record struct {
	RunID     string          `json:"run_id"`
	ThreadID  string          `json:"thread_id"`
	Seq       int             `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRecord encodes ev as the seq-th record of a run.
func NewRecord(threadID, runID string, seq int, ev Event) (Record, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return Record{
		RunID:     runID,
		ThreadID:  threadID,
		Seq:       seq,
		Type:      ev.Type(),
		Payload:   data,
		CreatedAt: time.UnixMilli(ev.Timestamp()).UTC(),
	}, nil
}

// Decode restores the typed event held by the record.
func (r Record) Decode() (Event, error) {
	return Decode(r.Payload)
}

// Decode parses one wire-format event by its "type" discriminator.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var ev Event
	switch head.Type {
	case TypeRunStarted:
		ev = &RunStarted{}
	case TypeRunFinished:
		ev = &RunFinished{}
	case TypeRunError:
		ev = &RunError{}
	case TypeTextMessageChunk:
		ev = &TextMessageChunk{}
	case TypeToolCallChunk:
		ev = &ToolCallChunk{}
	case TypeToolCallResult:
		ev = &ToolCallResult{}
	default:
		return nil, fmt.Errorf("unknown event type %q: %w", head.Type, domain.ErrValidation)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return ev, nil
}
