// Package agui re-frames the chunk-level run stream into strict AG-UI
// events (start/content/end triples) for clients that require them.
package agui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	aguievents "github.com/ag-ui-protocol/ag-ui/sdks/community/go/pkg/core/events"

	"github.com/Strob0t/runstream/internal/domain/event"
)

// InterruptEventName names the custom event that carries the interrupt of a
// paused run. It directly precedes RunFinished.
const InterruptEventName = "interrupt"

// Translator converts domain events of one run into AG-UI events. An open
// text message is closed before any tool event and before the run ends.
// Non-fatal run errors have no AG-UI equivalent and are dropped; a failed
// run ends with RunError instead of RunFinished.
type Translator struct {
	openText string
	done     bool
}

// NewTranslator returns a Translator for one run.
func NewTranslator() *Translator {
	return &Translator{}
}

// Translate returns the AG-UI events for ev, possibly none.
func (t *Translator) Translate(ev event.Event) []aguievents.Event {
	if t.done {
		return nil
	}
	var out []aguievents.Event

	switch e := ev.(type) {
	case *event.RunStarted:
		out = append(out, aguievents.NewRunStartedEvent(e.ThreadID, e.RunID))

	case *event.TextMessageChunk:
		if t.openText != e.MessageID {
			out = t.closeText(out)
			out = append(out, aguievents.NewTextMessageStartEvent(e.MessageID, aguievents.WithRole(e.Role)))
			t.openText = e.MessageID
		}
		out = append(out, aguievents.NewTextMessageContentEvent(e.MessageID, e.Delta))

	case *event.ToolCallChunk:
		out = t.closeText(out)
		out = append(out, aguievents.NewToolCallStartEvent(e.ToolCallID, e.ToolCallName,
			aguievents.WithParentMessageID(e.ParentMessageID)))
		if e.Delta != "" {
			out = append(out, aguievents.NewToolCallArgsEvent(e.ToolCallID, e.Delta))
		}
		out = append(out, aguievents.NewToolCallEndEvent(e.ToolCallID))

	case *event.ToolCallResult:
		out = t.closeText(out)
		out = append(out, aguievents.NewToolCallResultEvent(e.MessageID, e.ToolCallID, e.Content))

	case *event.RunError:
		out = t.closeText(out)
		slog.Debug("run error not framed for agui", "message", e.Message, "code", e.Code)

	case *event.RunFinished:
		out = t.closeText(out)
		switch {
		case e.Outcome == event.OutcomeError:
			out = append(out, aguievents.NewRunErrorEvent(e.Error))
		case e.Interrupt != nil:
			out = append(out,
				aguievents.NewCustomEvent(InterruptEventName, aguievents.WithValue(*e.Interrupt)),
				aguievents.NewRunFinishedEvent(e.ThreadID, e.RunID))
		default:
			out = append(out, aguievents.NewRunFinishedEvent(e.ThreadID, e.RunID))
		}
		t.done = true
	}
	return out
}

func (t *Translator) closeText(out []aguievents.Event) []aguievents.Event {
	if t.openText == "" {
		return out
	}
	out = append(out, aguievents.NewTextMessageEndEvent(t.openText))
	t.openText = ""
	return out
}

// FrameWriter writes one encoded frame.
type FrameWriter interface {
	WriteData(data []byte) error
}

// Sink translates each event and writes the AG-UI frames to w.
type Sink struct {
	w  FrameWriter
	tr *Translator
}

// NewSink creates a Sink for one run.
func NewSink(w FrameWriter) *Sink {
	return &Sink{w: w, tr: NewTranslator()}
}

// Send implements the run sink.
func (s *Sink) Send(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, out := range s.tr.Translate(ev) {
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode agui %s: %w", out.Type(), err)
		}
		if err := s.w.WriteData(data); err != nil {
			return err
		}
	}
	return nil
}
