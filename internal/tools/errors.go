package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable reports a tool request that matched nothing in the
// registry, even after suffix matching. Retrying cannot help.
type ErrToolUnavailable struct {
	ToolName  string
	Available []string
}

func (e *ErrToolUnavailable) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("tool %q is not available", e.ToolName)
	}
	return fmt.Sprintf("tool %q is not available (have: %s)", e.ToolName, strings.Join(e.Available, ", "))
}
