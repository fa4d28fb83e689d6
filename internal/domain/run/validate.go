package run

import (
	"fmt"

	"github.com/Strob0t/runstream/internal/domain"
)

// validRoles enumerates the message roles a run accepts.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"developer": true,
	"tool":      true,
}

// Validate checks that an Input has all required fields and valid values.
func (in *Input) Validate() error {
	if in.ThreadID == "" {
		return fmt.Errorf("threadId is required: %w", domain.ErrValidation)
	}
	if in.RunID == "" {
		return fmt.Errorf("runId is required: %w", domain.ErrValidation)
	}
	for i, m := range in.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d]: invalid role %q: %w", i, m.Role, domain.ErrValidation)
		}
		if m.Role == "tool" && m.ToolCallID == "" {
			return fmt.Errorf("messages[%d]: toolCallId is required for tool messages: %w", i, domain.ErrValidation)
		}
	}
	seen := make(map[string]bool, len(in.Tools))
	for i, t := range in.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d]: name is required: %w", i, domain.ErrValidation)
		}
		if seen[t.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool %q: %w", i, t.Name, domain.ErrValidation)
		}
		seen[t.Name] = true
	}
	return nil
}
