package tools

import "fmt"

// ErrToolUnavailable is returned when the model asks for a tool that is
// not registered. It signals a capability mismatch rather than a
// transient failure, so the caller reports it back to the model instead
// of retrying.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
