// Package scripted provides a generation source that plays canned replies
// from a YAML script. It stands in for a model in local setups and tests.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/generation"
)

// Placeholder is replaced by the content of the last input message in text
// deltas and string arguments.
const Placeholder = "{last}"

// Trigger selects which kind of last message a rule answers.
type Trigger string

const (
	TriggerUser Trigger = "user"
	TriggerTool Trigger = "tool"
)

// Rule is one canned reply. The first matching rule of a script wins.
type Rule struct {
	When Trigger `yaml:"when"`
	// Contains matches the last message case-insensitively. Empty matches all.
	Contains string `yaml:"contains"`
	// Requires lists tools the run input must offer.
	Requires []string          `yaml:"requires"`
	Facts    []generation.Fact `yaml:"facts"`
}

// Script is a list of rules plus pacing.
type Script struct {
	// Delay is waited before each fact.
	Delay time.Duration `yaml:"delay"`
	// SplitWords streams text facts one word at a time.
	SplitWords bool   `yaml:"split_words"`
	Rules      []Rule `yaml:"rules"`
}

// Load reads a script from path. An empty path yields DefaultScript.
func Load(path string) (*Script, error) {
	if path == "" {
		return DefaultScript(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML script and checks its rules.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) validate() error {
	if len(s.Rules) == 0 {
		return errors.New("script: at least one rule is required")
	}
	if s.Delay < 0 {
		return errors.New("script: delay must be >= 0")
	}
	for i, r := range s.Rules {
		if r.When != TriggerUser && r.When != TriggerTool {
			return fmt.Errorf("script: rules[%d]: when must be %q or %q", i, TriggerUser, TriggerTool)
		}
		for j, f := range r.Facts {
			switch f.Kind {
			case generation.FactText, generation.FactBlockBreak, generation.FactError, generation.FactToolResult:
			case generation.FactToolCall:
				if f.ToolName == "" {
					return fmt.Errorf("script: rules[%d].facts[%d]: tool_name is required", i, j)
				}
			default:
				return fmt.Errorf("script: rules[%d].facts[%d]: unsupported kind %q", i, j, f.Kind)
			}
		}
	}
	return nil
}

// DefaultScript answers notes and time questions with frontend tool calls,
// summarizes tool results, and echoes everything else.
func DefaultScript() *Script {
	return &Script{
		Delay:      30 * time.Millisecond,
		SplitWords: true,
		Rules: []Rule{
			{
				When: TriggerTool,
				Facts: []generation.Fact{
					{Kind: generation.FactText, Delta: "The tool returned " + Placeholder + "."},
				},
			},
			{
				When:     TriggerUser,
				Contains: "note",
				Requires: []string{"write_note"},
				Facts: []generation.Fact{
					{Kind: generation.FactText, Delta: "I will save that as a note."},
					{Kind: generation.FactToolCall, ToolName: "write_note", Frontend: true,
						Args: map[string]any{"name": "note.md", "text": Placeholder}},
				},
			},
			{
				When:     TriggerUser,
				Contains: "time",
				Requires: []string{"get_time"},
				Facts: []generation.Fact{
					{Kind: generation.FactText, Delta: "Let me check your time zone first."},
					{Kind: generation.FactToolCall, ToolName: "lookup_zone",
						Args: map[string]any{"hint": Placeholder}},
					{Kind: generation.FactToolResult, ToolName: "lookup_zone", Result: map[string]any{"zone": "UTC"}},
					{Kind: generation.FactText, Delta: "Now asking your clock."},
					{Kind: generation.FactToolCall, ToolName: "get_time", Frontend: true,
						Args: map[string]any{"zone": "UTC"}},
				},
			},
			{
				When: TriggerUser,
				Facts: []generation.Fact{
					{Kind: generation.FactText, Delta: "You said: " + Placeholder},
				},
			},
		},
	}
}

// Source plays a Script.
type Source struct {
	script *Script
	newID  func() string
}

// NewSource creates a Source playing script.
func NewSource(script *Script) *Source {
	return &Source{script: script, newID: uuid.NewString}
}

// Generate implements generation.Source.
func (s *Source) Generate(ctx context.Context, in run.Input, yield generation.Yield) error {
	last, ok := lastMessage(in.Messages)
	if !ok {
		return errors.New("scripted source: run has no messages")
	}
	rule, ok := s.match(in, last)
	if !ok {
		slog.InfoContext(ctx, "no script rule matched", "run_id", in.RunID, "role", last.Role)
		return yield(generation.Fact{Kind: generation.FactText, Delta: "I have nothing scripted for that."})
	}

	content := lastContent(in.Messages, last)
	// Backend tool results without an id answer the preceding call.
	var lastCallID string
	for _, f := range rule.Facts {
		f.Delta = strings.ReplaceAll(f.Delta, Placeholder, content)
		f.Args = substitute(f.Args, content)
		switch f.Kind {
		case generation.FactToolCall:
			if f.ToolCallID == "" {
				f.ToolCallID = s.newID()
			}
			lastCallID = f.ToolCallID
		case generation.FactToolResult:
			if f.ToolCallID == "" {
				f.ToolCallID = lastCallID
			}
		}

		if f.Kind == generation.FactText && s.script.SplitWords {
			for _, w := range splitWords(f.Delta) {
				if err := s.emit(ctx, yield, generation.Fact{Kind: generation.FactText, Delta: w}); err != nil {
					return err
				}
			}
			continue
		}
		if err := s.emit(ctx, yield, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) emit(ctx context.Context, yield generation.Yield, f generation.Fact) error {
	if s.script.Delay > 0 {
		t := time.NewTimer(s.script.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	return yield(f)
}

func (s *Source) match(in run.Input, last run.Message) (Rule, bool) {
	trigger := TriggerUser
	if last.Role == "tool" {
		trigger = TriggerTool
	}
	offered := make(map[string]bool, len(in.Tools))
	for _, t := range in.Tools {
		offered[t.Name] = true
	}

	text := strings.ToLower(last.Content)
	for _, r := range s.script.Rules {
		if r.When != trigger {
			continue
		}
		if r.Contains != "" && !strings.Contains(text, strings.ToLower(r.Contains)) {
			continue
		}
		if !offersAll(offered, r.Requires) {
			continue
		}
		return r, true
	}
	return Rule{}, false
}

func offersAll(offered map[string]bool, names []string) bool {
	for _, n := range names {
		if !offered[n] {
			return false
		}
	}
	return true
}

// lastMessage returns the last user or tool message.
func lastMessage(msgs []run.Message) (run.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" || msgs[i].Role == "tool" {
			return msgs[i], true
		}
	}
	return run.Message{}, false
}

// lastContent is the content substituted for the placeholder. Trailing tool
// messages are joined so a batch of results is reported together.
func lastContent(msgs []run.Message, last run.Message) string {
	if last.Role != "tool" {
		return last.Content
	}
	var parts []string
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role == "tool"; i-- {
		parts = append([]string{msgs[i].Content}, parts...)
	}
	return strings.Join(parts, ", ")
}

// substitute replaces the placeholder in every string of v.
func substitute(v any, content string) any {
	switch x := v.(type) {
	case string:
		return strings.ReplaceAll(x, Placeholder, content)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = substitute(e, content)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = substitute(e, content)
		}
		return out
	}
	return v
}

// splitWords splits text after each space, keeping the spaces so the
// deltas concatenate back to text.
func splitWords(text string) []string {
	var out []string
	for text != "" {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}
