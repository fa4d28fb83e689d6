package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
)

// ErrTooManyTurns is returned when a message keeps resuming past the turn limit.
var ErrTooManyTurns = errors.New("too many resumed runs for one message")

const defaultMaxTurns = 8

// EventStream is one run's event stream as seen by the client.
type EventStream interface {
	EventReader
	Close() error
}

// RunStarter starts a run on the server and returns its event stream.
type RunStarter interface {
	StartRun(ctx context.Context, in run.Input) (EventStream, error)
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithConversationObserver is called with every event of every run.
func WithConversationObserver(fn func(event.Event)) ConversationOption {
	return func(c *Conversation) { c.observers = append(c.observers, fn) }
}

// WithTranscriptHook is called with each run's transcript before it is
// consumed, so executor updates can be reconciled into it.
func WithTranscriptHook(fn func(*Transcript)) ConversationOption {
	return func(c *Conversation) { c.onTranscript = append(c.onTranscript, fn) }
}

// WithMaxTurns bounds how many runs one Send may start.
func WithMaxTurns(n int) ConversationOption {
	return func(c *Conversation) { c.maxTurns = n }
}

// Conversation is the client side of a thread: it starts runs, consumes
// them through a Session and feeds interrupt responses back as the input
// of the next run.
type Conversation struct {
	starter    RunStarter
	interrupts *InterruptRegistry
	threadID   string
	tools      []run.Tool

	messages     []run.Message
	observers    []func(event.Event)
	onTranscript []func(*Transcript)
	maxTurns     int
}

// NewConversation creates a Conversation on threadID offering tools to the
// model as client-executed tools.
func NewConversation(starter RunStarter, interrupts *InterruptRegistry, threadID string, tools []run.Tool, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		starter:    starter,
		interrupts: interrupts,
		threadID:   threadID,
		tools:      tools,
		maxTurns:   defaultMaxTurns,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages returns the conversation history sent with the next run.
func (c *Conversation) Messages() []run.Message {
	return append([]run.Message(nil), c.messages...)
}

// Send adds a user message and runs until the server stops asking for
// client work. The last run's result is returned; an unhandled interrupt
// ends the loop and is reported in it.
func (c *Conversation) Send(ctx context.Context, text string) (SessionResult, error) {
	c.messages = append(c.messages, run.Message{Role: "user", Content: text})

	for turn := 0; turn < c.maxTurns; turn++ {
		res, response, err := c.runOnce(ctx)
		if err != nil {
			return res, err
		}
		if response == nil {
			return res, nil
		}
		c.appendResponse(response)
		slog.Debug("resuming run", "thread_id", c.threadID, "turn", turn+1)
	}
	return SessionResult{}, fmt.Errorf("thread %s: %w", c.threadID, ErrTooManyTurns)
}

// runOnce streams one run. response is what an interrupt handler resumed
// with, or nil.
func (c *Conversation) runOnce(ctx context.Context) (SessionResult, any, error) {
	in := run.Input{
		ThreadID: c.threadID,
		Messages: c.Messages(),
		Tools:    c.tools,
	}
	stream, err := c.starter.StartRun(ctx, in)
	if err != nil {
		return SessionResult{}, nil, fmt.Errorf("start run: %w", err)
	}
	defer func() { _ = stream.Close() }()

	transcript := NewTranscript()
	for _, fn := range c.onTranscript {
		fn(transcript)
	}

	var response any
	opts := []SessionOption{
		WithResume(func(_ context.Context, r any) error {
			response = r
			return nil
		}),
	}
	for _, fn := range c.observers {
		opts = append(opts, WithEventObserver(fn))
	}

	res, err := NewSession(transcript, c.interrupts, opts...).Consume(ctx, stream)
	c.appendAssistant(transcript)
	if err != nil {
		return res, nil, err
	}
	return res, response, nil
}

// appendAssistant records the assistant text of a finished run.
func (c *Conversation) appendAssistant(t *Transcript) {
	var parts []string
	for _, e := range t.Entries() {
		if e.Kind == EntryText && e.Text != "" {
			parts = append(parts, e.Text)
		}
	}
	if len(parts) > 0 {
		c.messages = append(c.messages, run.Message{Role: "assistant", Content: strings.Join(parts, "\n")})
	}
}

// appendResponse turns a resume response into input messages: tool results
// become tool messages, anything else a user message holding its JSON.
func (c *Conversation) appendResponse(response any) {
	if results, ok := response.([]toolcall.Result); ok {
		for _, r := range results {
			c.messages = append(c.messages, run.Message{
				Role:       "tool",
				ToolCallID: r.ToolCallID,
				Content:    resultContent(r),
			})
		}
		return
	}
	// A text answer is what the user said; anything else goes in as JSON.
	content, ok := response.(string)
	if !ok {
		content = encodeResult(response)
	}
	c.messages = append(c.messages, run.Message{Role: "user", Content: content})
}

func resultContent(r toolcall.Result) string {
	if r.Failed() {
		data, _ := json.Marshal(map[string]string{"error": r.Error})
		return string(data)
	}
	return encodeResult(r.Result)
}
