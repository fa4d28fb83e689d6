package scripted

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/generation"
)

func collect(t *testing.T, src *Source, in run.Input) []generation.Fact {
	t.Helper()
	var facts []generation.Fact
	err := src.Generate(context.Background(), in, func(f generation.Fact) error {
		facts = append(facts, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return facts
}

func joinText(facts []generation.Fact) string {
	var b strings.Builder
	for _, f := range facts {
		if f.Kind == generation.FactText {
			b.WriteString(f.Delta)
		}
	}
	return b.String()
}

func quiet(s *Script) *Script {
	s.Delay = 0
	return s
}

func TestDefaultScriptEcho(t *testing.T) {
	src := NewSource(quiet(DefaultScript()))
	facts := collect(t, src, run.Input{Messages: []run.Message{{Role: "user", Content: "hello there"}}})

	if len(facts) != 4 {
		t.Fatalf("expected 4 word deltas, got %d: %+v", len(facts), facts)
	}
	if got := joinText(facts); got != "You said: hello there" {
		t.Fatalf("text = %q", got)
	}
}

func TestDefaultScriptNoteCallsFrontendTool(t *testing.T) {
	src := NewSource(quiet(DefaultScript()))
	src.newID = func() string { return "call-1" }

	facts := collect(t, src, run.Input{
		Messages: []run.Message{{Role: "user", Content: "take a note: buy milk"}},
		Tools:    []run.Tool{{Name: "write_note"}},
	})
	last := facts[len(facts)-1]
	if last.Kind != generation.FactToolCall || !last.Frontend || last.ToolName != "write_note" {
		t.Fatalf("last fact = %+v", last)
	}
	if last.ToolCallID != "call-1" {
		t.Errorf("tool call id = %q", last.ToolCallID)
	}
	args, ok := last.Args.(map[string]any)
	if !ok || args["text"] != "take a note: buy milk" {
		t.Errorf("args = %#v", last.Args)
	}
}

func TestDefaultScriptSkipsRuleWithoutTool(t *testing.T) {
	src := NewSource(quiet(DefaultScript()))
	facts := collect(t, src, run.Input{Messages: []run.Message{{Role: "user", Content: "note this"}}})

	for _, f := range facts {
		if f.Kind == generation.FactToolCall {
			t.Fatalf("unexpected tool call %+v", f)
		}
	}
	if got := joinText(facts); got != "You said: note this" {
		t.Fatalf("text = %q", got)
	}
}

func TestDefaultScriptBackendResultAnswersCall(t *testing.T) {
	src := NewSource(quiet(DefaultScript()))
	ids := []string{"zone-1", "time-1"}
	src.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	facts := collect(t, src, run.Input{
		Messages: []run.Message{{Role: "user", Content: "what time is it?"}},
		Tools:    []run.Tool{{Name: "get_time"}},
	})
	var calls, results []generation.Fact
	for _, f := range facts {
		switch f.Kind {
		case generation.FactToolCall:
			calls = append(calls, f)
		case generation.FactToolResult:
			results = append(results, f)
		}
	}
	if len(calls) != 2 || calls[0].Frontend || !calls[1].Frontend {
		t.Fatalf("calls = %+v", calls)
	}
	if len(results) != 1 || results[0].ToolCallID != "zone-1" {
		t.Fatalf("results = %+v", results)
	}
}

func TestDefaultScriptAfterToolResults(t *testing.T) {
	src := NewSource(quiet(DefaultScript()))
	facts := collect(t, src, run.Input{Messages: []run.Message{
		{Role: "user", Content: "what time is it?"},
		{Role: "assistant", Content: "Now asking your clock."},
		{Role: "tool", ToolCallID: "a", Content: `"12:00"`},
		{Role: "tool", ToolCallID: "b", Content: `"13:00"`},
	}})
	if got := joinText(facts); got != `The tool returned "12:00", "13:00".` {
		t.Fatalf("text = %q", got)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(`
delay: 5ms
rules:
  - when: user
    contains: ping
    facts:
      - kind: text
        delta: pong
      - kind: tool_call
        tool_name: confirm
        frontend: true
        args:
          question: "{last}?"
  - when: user
    facts:
      - kind: error
        message: nothing scripted
        code: NO_RULE
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Delay != 5*time.Millisecond || len(s.Rules) != 2 {
		t.Fatalf("script = %+v", s)
	}

	src := NewSource(quiet(s))
	facts := collect(t, src, run.Input{Messages: []run.Message{{Role: "user", Content: "PING"}}})
	if len(facts) != 2 || facts[0].Delta != "pong" {
		t.Fatalf("facts = %+v", facts)
	}
	args, ok := facts[1].Args.(map[string]any)
	if !ok || args["question"] != "PING?" {
		t.Errorf("args = %#v", facts[1].Args)
	}

	facts = collect(t, src, run.Input{Messages: []run.Message{{Role: "user", Content: "other"}}})
	if len(facts) != 1 || facts[0].Kind != generation.FactError || facts[0].Code != "NO_RULE" {
		t.Errorf("facts = %+v", facts)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no rules", "delay: 1ms\n"},
		{"bad trigger", "rules:\n  - when: system\n"},
		{"bad kind", "rules:\n  - when: user\n    facts:\n      - kind: done\n"},
		{"tool call without name", "rules:\n  - when: user\n    facts:\n      - kind: tool_call\n"},
		{"negative delay", "delay: -1s\nrules:\n  - when: user\n"},
		{"not yaml", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadEmptyPathUsesDefault(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Rules) != len(DefaultScript().Rules) {
		t.Errorf("rules = %d", len(s.Rules))
	}
	if _, err := Load("/nonexistent/script.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGenerateStopsOnYieldError(t *testing.T) {
	src := NewSource(quiet(DefaultScript()))
	stop := errors.New("client gone")
	var n int
	err := src.Generate(context.Background(), run.Input{Messages: []run.Message{{Role: "user", Content: "a b c d"}}},
		func(generation.Fact) error {
			n++
			return stop
		})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("err = %v after %d facts", err, n)
	}
}

func TestGenerateHonorsCancel(t *testing.T) {
	s := DefaultScript()
	s.Delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewSource(s).Generate(ctx, run.Input{Messages: []run.Message{{Role: "user", Content: "hi"}}},
		func(generation.Fact) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateWithoutMessages(t *testing.T) {
	err := NewSource(DefaultScript()).Generate(context.Background(), run.Input{},
		func(generation.Fact) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
}
