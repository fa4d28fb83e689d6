// Package builtin provides the tools the client executes in-process.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/toolregistry"
)

// Tool names.
const (
	ToolGetTime   = "get_time"
	ToolWriteNote = "write_note"
	ToolListNotes = "list_notes"
)

// maxNoteSize bounds the text of one note.
const maxNoteSize = 1 << 20

var errBadArgs = errors.New("invalid arguments")

type tool struct {
	manifest    toolregistry.Manifest
	description string
	parameters  json.RawMessage
	api         toolregistry.APIFunc
}

// Registry serves the built-in tools.
type Registry struct {
	notesDir string
	now      func() time.Time
	tools    map[string]tool
}

var (
	_ toolregistry.Registry  = (*Registry)(nil)
	_ toolregistry.Lister    = (*Registry)(nil)
	_ toolregistry.Describer = (*Registry)(nil)
)

// NewRegistry creates a Registry. Note tools are only offered when notesDir
// is set; writing a note always needs approval.
func NewRegistry(notesDir string) *Registry {
	r := &Registry{notesDir: notesDir, now: time.Now, tools: make(map[string]tool)}

	r.tools[ToolGetTime] = tool{
		manifest:    toolregistry.Manifest{Name: ToolGetTime, Label: "Current time", HasAPI: true},
		description: "Returns the current time on the user's machine.",
		parameters:  json.RawMessage(`{"type":"object","properties":{"zone":{"type":"string","description":"IANA time zone, e.g. Europe/Berlin"}}}`),
		api:         r.getTime,
	}
	if notesDir != "" {
		r.tools[ToolWriteNote] = tool{
			manifest: toolregistry.Manifest{
				Name:   ToolWriteNote,
				Label:  "Write note",
				HasAPI: true,
				Approval: &toolregistry.ApprovalConfig{
					Title:   "Save a note?",
					Message: "The assistant wants to write a file to your notes folder.",
					Config:  map[string]any{"notesDir": notesDir},
				},
			},
			description: "Saves text as a note file in the user's notes folder.",
			parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"text":{"type":"string"}},"required":["name","text"]}`),
			api:         r.writeNote,
		}
		r.tools[ToolListNotes] = tool{
			manifest:    toolregistry.Manifest{Name: ToolListNotes, Label: "List notes", HasAPI: true},
			description: "Lists the note files in the user's notes folder.",
			parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			api:         r.listNotes,
		}
	}
	return r
}

// Manifest describes name if it is a built-in tool.
func (r *Registry) Manifest(_ context.Context, name string) (toolregistry.Manifest, bool) {
	t, ok := r.tools[name]
	return t.manifest, ok
}

// LoadAPI returns the implementation of name.
func (r *Registry) LoadAPI(_ context.Context, name string) (toolregistry.API, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("builtin %s: %w", name, toolregistry.ErrNoAPI)
	}
	return t.api, nil
}

// Names lists the built-in tools in name order.
func (r *Registry) Names(_ context.Context) []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Describe returns the built-in tools as run input tools.
func (r *Registry) Describe(ctx context.Context) []run.Tool {
	names := r.Names(ctx)
	out := make([]run.Tool, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		out = append(out, run.Tool{Name: n, Description: t.description, Parameters: t.parameters})
	}
	return out
}

func (r *Registry) getTime(_ context.Context, args map[string]any) (any, error) {
	zone, _ := args["zone"].(string)
	loc := time.Local
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("unknown time zone %q: %w", zone, errBadArgs)
		}
		loc = l
	}
	now := r.now().In(loc)
	return map[string]any{
		"time": now.Format(time.RFC3339),
		"zone": loc.String(),
	}, nil
}

func (r *Registry) writeNote(_ context.Context, args map[string]any) (any, error) {
	name, err := noteName(args["name"])
	if err != nil {
		return nil, err
	}
	text, ok := args["text"].(string)
	if !ok {
		return nil, fmt.Errorf("text must be a string: %w", errBadArgs)
	}
	if len(text) > maxNoteSize {
		return nil, fmt.Errorf("note exceeds %d bytes: %w", maxNoteSize, errBadArgs)
	}

	if err := os.MkdirAll(r.notesDir, 0o750); err != nil {
		return nil, fmt.Errorf("create notes dir: %w", err)
	}
	root, err := os.OpenRoot(r.notesDir)
	if err != nil {
		return nil, fmt.Errorf("open notes dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	if err := root.WriteFile(name, []byte(text), 0o600); err != nil {
		return nil, fmt.Errorf("write note %s: %w", name, err)
	}
	return map[string]any{
		"path":  filepath.Join(r.notesDir, name),
		"bytes": len(text),
	}, nil
}

func (r *Registry) listNotes(_ context.Context, _ map[string]any) (any, error) {
	entries, err := os.ReadDir(r.notesDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// noteName accepts a plain file name. Paths and hidden files are rejected.
func noteName(v any) (string, error) {
	name, _ := v.(string)
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("name is required: %w", errBadArgs)
	case name != filepath.Base(name), strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("name %q must not contain a path: %w", name, errBadArgs)
	case strings.HasPrefix(name, "."):
		return "", fmt.Errorf("name %q must not start with a dot: %w", name, errBadArgs)
	}
	return name, nil
}
