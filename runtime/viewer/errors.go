package viewer

import "fmt"

// ToolError is a failure the remote viewer reported while executing a tool
// call, either as a protocol-level error object or as an error-flagged result
// envelope. Code is zero when the failure carried no numeric code. Retryable
// is a hint only; nothing in this package retries automatically.
type ToolError struct {
	Tool      string
	Code      int
	Message   string
	Retryable bool
}

// Error implements error.
func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s: %s (code %d)", e.Tool, e.Message, e.Code)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// NotImplementedError marks a tool the remote viewer does not provide yet.
// It is the one error kind callers apply fallback policy to instead of
// failing the operation.
type NotImplementedError struct {
	ToolError
}

// Error implements error.
func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("tool %s not implemented", e.Tool)
}

// Unwrap exposes the underlying ToolError so errors.As matches both kinds.
func (e *NotImplementedError) Unwrap() error {
	return &e.ToolError
}
