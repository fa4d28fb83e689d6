package terminal

import (
	"sort"
	"strings"
	"sync"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
)

// maxShown truncates tool arguments and results.
const maxShown = 200

// Renderer prints run events and tool executor updates.
type Renderer struct {
	console *Console

	mu        sync.Mutex
	messageID string
	names     map[string]string
}

// NewRenderer creates a Renderer printing to console.
func NewRenderer(console *Console) *Renderer {
	return &Renderer{console: console, names: make(map[string]string)}
}

// Event renders one run event. It is used as a session observer.
func (r *Renderer) Event(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case *event.TextMessageChunk:
		if e.MessageID != r.messageID {
			r.endText()
			r.messageID = e.MessageID
		}
		r.console.Printf("%s", e.Delta)
	case *event.ToolCallChunk:
		r.endText()
		r.names[e.ToolCallID] = e.ToolCallName
		r.console.Printf("  -> %s(%s)\n", e.ToolCallName, shorten(e.Delta))
	case *event.ToolCallResult:
		r.endText()
		r.console.Printf("  <- %s: %s\n", r.name(e.ToolCallID), shorten(e.Content))
	case *event.RunError:
		r.endText()
		if e.Code != "" {
			r.console.Printf("  ! %s (%s)\n", e.Message, e.Code)
		} else {
			r.console.Printf("  ! %s\n", e.Message)
		}
	case *event.RunFinished:
		r.endText()
		if e.Outcome == event.OutcomeError {
			r.console.Printf("run failed: %s\n", e.Error)
		}
	}
}

// Update renders one executor update.
func (r *Renderer) Update(u toolcall.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endText()

	name := r.name(u.ToolCallID)
	switch {
	case u.Kind == toolcall.UpdateResult && u.Result != nil && u.Result.Failed():
		r.console.Printf("  x %s: %s\n", name, u.Result.Error)
	case u.Kind == toolcall.UpdateResult && u.Result != nil:
		r.console.Printf("  ok %s\n", name)
	case u.Status == toolcall.StatusExecuting:
		r.console.Printf("  .. running %s\n", name)
	}
}

// endText closes an open text line.
func (r *Renderer) endText() {
	if r.messageID != "" {
		r.console.Printf("\n")
		r.messageID = ""
	}
}

func (r *Renderer) name(id string) string {
	if n, ok := r.names[id]; ok {
		return n
	}
	return id
}

func shorten(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxShown {
		return s
	}
	return s[:maxShown] + "..."
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
