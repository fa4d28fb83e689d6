package toolregistry

import (
	"context"
	"fmt"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// Multi combines registries. The first registry that knows a name owns it.
type Multi []Registry

// Manifest returns the manifest from the first registry that knows name.
func (m Multi) Manifest(ctx context.Context, name string) (Manifest, bool) {
	for _, r := range m {
		if man, ok := r.Manifest(ctx, name); ok {
			return man, true
		}
	}
	return Manifest{}, false
}

// LoadAPI loads name from the registry that owns it.
func (m Multi) LoadAPI(ctx context.Context, name string) (API, error) {
	for _, r := range m {
		if _, ok := r.Manifest(ctx, name); ok {
			return r.LoadAPI(ctx, name)
		}
	}
	return nil, fmt.Errorf("load %s: %w", name, ErrNoAPI)
}

// Names lists the tools of every registry implementing Lister, without
// duplicates.
func (m Multi) Names(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range m {
		l, ok := r.(Lister)
		if !ok {
			continue
		}
		for _, n := range l.Names(ctx) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// Describe collects the tool descriptions of every registry implementing
// Describer. A name already described by an earlier registry is skipped.
func (m Multi) Describe(ctx context.Context) []run.Tool {
	seen := make(map[string]bool)
	var out []run.Tool
	for _, r := range m {
		d, ok := r.(Describer)
		if !ok {
			continue
		}
		for _, t := range d.Describe(ctx) {
			if !seen[t.Name] {
				seen[t.Name] = true
				out = append(out, t)
			}
		}
	}
	return out
}
