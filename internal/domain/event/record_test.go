package event

import (
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/interrupt"
)

func TestRecordDecodeRestoresType(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	fin := NewRunFinished("t1", "r1", OutcomeInterrupt, at)
	fin.Interrupt = &interrupt.Interrupt{ID: "i1", Reason: interrupt.ReasonToolExecution}

	rec, err := NewRecord("t1", "r1", 7, fin)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Seq != 7 || rec.Type != TypeRunFinished {
		t.Fatalf("unexpected record header: %+v", rec)
	}
	if !rec.CreatedAt.Equal(at) {
		t.Errorf("created_at = %v, want %v", rec.CreatedAt, at)
	}

	ev, err := rec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := ev.(*RunFinished)
	if !ok {
		t.Fatalf("decoded %T, want *RunFinished", ev)
	}
	if got.Outcome != OutcomeInterrupt {
		t.Errorf("outcome = %s, want interrupt", got.Outcome)
	}
	if got.Interrupt == nil || got.Interrupt.Reason != interrupt.ReasonToolExecution {
		t.Errorf("interrupt not restored: %+v", got.Interrupt)
	}
	if got.Timestamp() != at.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", got.Timestamp(), at.UnixMilli())
	}
}

func TestDecodeWireFields(t *testing.T) {
	data := []byte(`{"type":"TOOL_CALL_CHUNK","timestamp":5,"toolCallId":"c1","toolCallName":"search","parentMessageId":"m1","delta":"{\"q\":1}"}`)
	ev, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	chunk, ok := ev.(*ToolCallChunk)
	if !ok {
		t.Fatalf("decoded %T, want *ToolCallChunk", ev)
	}
	if chunk.ToolCallID != "c1" || chunk.ToolCallName != "search" || chunk.ParentMessageID != "m1" {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
	if chunk.Delta != `{"q":1}` {
		t.Errorf("delta = %s", chunk.Delta)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"STATE_DELTA"}`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
