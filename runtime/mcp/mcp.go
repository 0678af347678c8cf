// Package mcp implements the client half of the HTTP+SSE tool-server
// transport spoken by the slide viewer. The server pushes events on a
// long-lived SSE stream: first a single "endpoint" event announcing the URL
// requests must be POSTed to, then one "message" event per JSON-RPC response
// envelope. Requests travel out-of-band as individual POSTs and are answered
// only on the stream, so the session correlates responses to callers by
// request id.
package mcp

const (
	// Canonical JSON-RPC 2.0 error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603

	// Implementation-defined server errors occupy the reserved band.
	JSONRPCServerErrorMin = -32099
	JSONRPCServerErrorMax = -32000
)

// RemoteError represents a JSON-RPC error object carried by a response
// envelope. The transport delivered the answer fine; the server rejected the
// request itself.
type RemoteError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
