// Package terminal renders run streams on a terminal and collects approval
// answers from the user.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

// IsInteractive reports whether f is a terminal a human can answer on.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // G115: fd fits in int
}

// Console serializes writes from the renderer and the prompter.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Printf formats to the console.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}

// Lines hands out input lines to whoever asks next, so the prompt loop and
// approval prompts can share one reader. A line is only read once someone
// asks for it.
type Lines struct {
	want   chan struct{}
	ch     chan string
	prompt func(string)
	close  func() error
}

func newLines(read func() (string, bool)) *Lines {
	l := &Lines{want: make(chan struct{}, 1), ch: make(chan string)}
	go func() {
		defer close(l.ch)
		for range l.want {
			line, ok := read()
			if !ok {
				return
			}
			l.ch <- line
		}
	}()
	return l
}

// ReadLines reads r line by line until EOF. Prompts are not shown.
func ReadLines(r io.Reader) *Lines {
	sc := bufio.NewScanner(r)
	return newLines(func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	})
}

// EditLines reads from the terminal with line editing and history. Ctrl-C
// on an empty line and Ctrl-D end input.
func EditLines() (*Lines, error) {
	rl, err := readline.NewFromConfig(&readline.Config{
		InterruptPrompt: "^C",
		HistoryLimit:    historyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("line editor: %w", err)
	}
	l := newLines(func() (string, bool) {
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			if err != nil {
				return "", false
			}
			return line, true
		}
	})
	l.prompt = rl.SetPrompt
	l.close = rl.Close
	return l, nil
}

const historyLimit = 200

// Next returns the next line. It reports false at end of input or when ctx
// ends first.
func (l *Lines) Next(ctx context.Context) (string, bool) {
	return l.Ask(ctx, "")
}

// Ask is Next with prompt shown while the line is edited.
func (l *Lines) Ask(ctx context.Context, prompt string) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	if l.prompt != nil {
		l.prompt(prompt)
	}
	select {
	case l.want <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-l.ch:
		return line, ok
	}
}

// Close stops the line editor. It is a no-op for plain readers.
func (l *Lines) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}
