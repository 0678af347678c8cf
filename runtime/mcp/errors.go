package mcp

// TransportError reports a failure of the transport itself: the stream could
// not be opened, the endpoint was never announced, a submission failed, or
// the response did not arrive before the caller's deadline. It is distinct
// from RemoteError so callers can tell "no answer" from "the answer was an
// error". Transport failures are safe to retry at the caller's discretion;
// the session never retries on its own.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause so context sentinel checks keep
// working through the wrapper.
func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failed operation may be reissued.
func (e *TransportError) Retryable() bool { return true }

// ProtocolError reports an inbound frame the session could not make sense
// of, such as a stream with the wrong content type or an endpoint
// announcement that does not parse as a URL. It is fatal for the affected
// request only, never for the session as a whole.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error { return e.Err }
