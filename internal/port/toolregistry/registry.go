// Package toolregistry defines the port through which frontend tools are
// resolved to their approval requirements and execution capability.
package toolregistry

import (
	"context"
	"errors"

	"github.com/Strob0t/runstream/internal/domain/interrupt"
	"github.com/Strob0t/runstream/internal/domain/run"
)

// ErrNoAPI is returned by LoadAPI when a tool has no executable API.
var ErrNoAPI = errors.New("tool has no executable api")

// ApprovalConfig declares that a tool needs human approval before running.
type ApprovalConfig struct {
	Title   string             `json:"title,omitempty" yaml:"title"`
	Message string             `json:"message,omitempty" yaml:"message"`
	Options []interrupt.Option `json:"options,omitempty" yaml:"options"`
	// Config is static data handed to the approval UI unchanged.
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// Manifest describes a registered tool.
type Manifest struct {
	Name     string          `json:"name"`
	Label    string          `json:"label,omitempty"`
	HasAPI   bool            `json:"hasApi"`
	Approval *ApprovalConfig `json:"approval,omitempty"`
}

// RequiresApproval reports whether the tool pauses for approval.
func (m Manifest) RequiresApproval() bool { return m.Approval != nil }

// DisplayName returns the label, falling back to the name.
func (m Manifest) DisplayName() string {
	if m.Label != "" {
		return m.Label
	}
	return m.Name
}

// API executes a tool. Arguments and result must be JSON-serializable.
type API interface {
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// APIFunc adapts a function to API.
type APIFunc func(ctx context.Context, args map[string]any) (any, error)

// Execute calls f.
func (f APIFunc) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Registry resolves tool names.
type Registry interface {
	// Manifest returns the manifest for name, or false if the tool is unknown.
	Manifest(ctx context.Context, name string) (Manifest, bool)

	// LoadAPI returns the executable API for name.
	LoadAPI(ctx context.Context, name string) (API, error)
}

// Lister is implemented by registries that can enumerate their tools.
type Lister interface {
	Names(ctx context.Context) []string
}

// Describer is implemented by registries that can describe their tools to
// the model as run input tools.
type Describer interface {
	Describe(ctx context.Context) []run.Tool
}
