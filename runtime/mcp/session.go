package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	// DefaultProtocolVersion is sent in the initialize handshake when the
	// options carry none.
	DefaultProtocolVersion = "2024-11-05"
	// DefaultEndpointTimeout bounds the wait for the endpoint announcement.
	DefaultEndpointTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds a request/response round trip when the
	// caller's context has no deadline of its own.
	DefaultRequestTimeout = 30 * time.Second

	// abandonLimit caps the retention set of ids whose waiters were removed
	// before a response arrived. A late response matching a retained id is
	// dropped instead of being matched against a future reuse of the id.
	abandonLimit = 128
)

// Options configures a viewer session.
type Options struct {
	// StreamURL is the SSE endpoint the server pushes events on. Required.
	StreamURL string
	// Client issues the stream GET and all request POSTs. It must not carry
	// a global timeout or the stream would be cut mid-session; per-request
	// deadlines come from contexts. Defaults to a plain http.Client.
	Client *http.Client
	// ProtocolVersion, ClientName and ClientVersion identify this client in
	// the initialize handshake.
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	// EndpointTimeout bounds the wait for the endpoint announcement once the
	// stream is open. Defaults to DefaultEndpointTimeout.
	EndpointTimeout time.Duration
	// RequestTimeout is applied to Call when the caller's context carries no
	// deadline. Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Session is one connection to the viewer server. Exactly one listener
// goroutine consumes the inbound stream; any number of callers may issue
// requests concurrently, each blocking only on its own response. The pending
// map is the sole shared mutable state and is guarded by a single mutex.
type Session struct {
	streamURL  *url.URL
	client     *http.Client
	reqTimeout time.Duration

	endpointOnce  sync.Once
	endpointReady chan struct{}
	endpoint      string

	mu           sync.Mutex
	pending      map[uint64]chan callResult
	abandonOrder []uint64
	abandonedSet map[uint64]struct{}
	nextID       uint64

	closed     chan struct{}
	closeOnce  sync.Once
	closeErrMu sync.Mutex
	closeErr   error
	stopStream context.CancelFunc
}

type callResult struct {
	resp rpcResponse
	err  error
}

// Dial opens the event stream, waits for the endpoint announcement, and runs
// the initialize handshake (initialize request, then the initialized
// notification). No tool call may be issued before Dial returns.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.StreamURL == "" {
		return nil, errors.New("stream URL is required")
	}
	streamURL, err := url.Parse(opts.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream URL: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	reqTimeout := opts.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = DefaultRequestTimeout
	}
	endpointTimeout := opts.EndpointTimeout
	if endpointTimeout <= 0 {
		endpointTimeout = DefaultEndpointTimeout
	}

	// The stream must outlive the dial context; Close cancels it.
	streamCtx, stopStream := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		stopStream()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := client.Do(req)
	if err != nil {
		stopStream()
		return nil, &TransportError{Op: "open event stream", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		stopStream()
		return nil, &TransportError{Op: fmt.Sprintf("open event stream: status %d", resp.StatusCode)}
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		stopStream()
		return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected stream content type %q", resp.Header.Get("Content-Type"))}
	}

	s := &Session{
		streamURL:     streamURL,
		client:        client,
		reqTimeout:    reqTimeout,
		endpointReady: make(chan struct{}),
		pending:       make(map[uint64]chan callResult),
		abandonedSet:  make(map[uint64]struct{}, abandonLimit),
		closed:        make(chan struct{}),
		stopStream:    stopStream,
	}
	go s.listen(resp.Body)

	if err := s.awaitEndpoint(endpointTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.handshake(ctx, opts); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close tears the session down, stops the listener, and unblocks every
// in-flight caller with a transport error. Safe to call more than once.
func (s *Session) Close() error {
	s.fail(errors.New("session closed"))
	return nil
}

// Done is closed once the session is no longer usable.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Call allocates the next request id, registers a waiter, submits the
// request envelope to the discovered endpoint, and blocks until the listener
// delivers the matching response, the context expires, or the session dies.
// The waiter is removed on every exit path; a response that arrives after
// removal is discarded by the listener, not treated as an error.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.endpointURL() == "" {
		return nil, &TransportError{Op: "submit " + method, Err: errors.New("endpoint not discovered")}
	}
	if _, ok := ctx.Deadline(); !ok && s.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reqTimeout)
		defer cancel()
	}

	id := atomic.AddUint64(&s.nextID, 1)
	ch := make(chan callResult, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if m, ok := params.(map[string]any); ok {
		AddTraceMeta(ctx, m)
	}
	env := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := s.post(ctx, env); err != nil {
		// The server may still have received the request; retain the id so
		// a late response cannot be misdelivered.
		s.abandon(id)
		return nil, &TransportError{Op: "submit " + method, Err: err}
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, &TransportError{Op: "await response for " + method, Err: res.err}
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error.remote()
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		s.abandon(id)
		return nil, &TransportError{Op: "await response for " + method, Err: ctx.Err()}
	case <-s.closed:
		return nil, &TransportError{Op: "await response for " + method, Err: s.closeError()}
	}
}

// Notify submits a fire-and-forget notification: no id, no waiter, no
// response expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.endpointURL() == "" {
		return &TransportError{Op: "submit " + method, Err: errors.New("endpoint not discovered")}
	}
	if m, ok := params.(map[string]any); ok {
		AddTraceMeta(ctx, m)
	}
	env := rpcNotification{JSONRPC: "2.0", Method: method, Params: params}
	if err := s.post(ctx, env); err != nil {
		return &TransportError{Op: "submit " + method, Err: err}
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, opts Options) error {
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	name := opts.ClientName
	if name == "" {
		name = "slidepilot"
	}
	version := opts.ClientVersion
	if version == "" {
		version = "dev"
	}
	params := map[string]any{
		"protocolVersion": protocol,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    name,
			"version": version,
		},
	}
	if _, err := s.Call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return s.Notify(ctx, "notifications/initialized", nil)
}

func (s *Session) awaitEndpoint(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.endpointReady:
		return nil
	case <-s.closed:
		return &TransportError{Op: "endpoint discovery", Err: s.closeError()}
	case <-timer.C:
		return &TransportError{Op: fmt.Sprintf("endpoint discovery: no announcement within %s", timeout)}
	}
}

func (s *Session) listen(body io.ReadCloser) {
	defer func() { _ = body.Close() }()
	reader := bufio.NewReader(body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			s.fail(fmt.Errorf("event stream: %w", err))
			return
		}
		switch event {
		case "endpoint":
			s.setEndpoint(string(data))
		case "message":
			var resp rpcResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				// Malformed envelope: nothing to correlate it with.
				continue
			}
			s.dispatch(resp)
		default:
			// Keep-alives and unknown event types.
		}
	}
}

// setEndpoint resolves the announced URL against the stream URL and records
// it exactly once; repeat announcements are ignored.
func (s *Session) setEndpoint(raw string) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return
	}
	resolved := s.streamURL.ResolveReference(ref).String()
	s.endpointOnce.Do(func() {
		s.endpoint = resolved
		close(s.endpointReady)
	})
}

func (s *Session) endpointURL() string {
	select {
	case <-s.endpointReady:
		return s.endpoint
	default:
		return ""
	}
}

func (s *Session) dispatch(resp rpcResponse) {
	if resp.ID == 0 {
		// Server-initiated message; this client expects none.
		return
	}
	s.mu.Lock()
	if _, ok := s.abandonedSet[resp.ID]; ok {
		s.forgetAbandonedLocked(resp.ID)
		s.mu.Unlock()
		return
	}
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- callResult{resp: resp}
		close(ch)
	}
}

// abandon removes a waiter that gave up and retains its id so a late
// response is dropped rather than matched against a future reuse of the id.
// The retention set is bounded; the oldest entry is evicted first.
func (s *Session) abandon(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	if _, ok := s.abandonedSet[id]; ok {
		return
	}
	if len(s.abandonOrder) >= abandonLimit {
		oldest := s.abandonOrder[0]
		s.abandonOrder = s.abandonOrder[1:]
		delete(s.abandonedSet, oldest)
	}
	s.abandonOrder = append(s.abandonOrder, id)
	s.abandonedSet[id] = struct{}{}
}

func (s *Session) forgetAbandonedLocked(id uint64) {
	delete(s.abandonedSet, id)
	for i, v := range s.abandonOrder {
		if v == id {
			s.abandonOrder = append(s.abandonOrder[:i], s.abandonOrder[i+1:]...)
			break
		}
	}
}

// fail marks the session dead with the given cause, stops the stream, and
// unblocks every pending waiter. The first cause wins.
func (s *Session) fail(cause error) {
	s.setCloseErr(cause)
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stopStream()
	})
	s.mu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- callResult{err: s.closeError()}
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Session) setCloseErr(err error) {
	if err == nil {
		return
	}
	s.closeErrMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.closeErrMu.Unlock()
}

func (s *Session) closeError() error {
	s.closeErrMu.Lock()
	defer s.closeErrMu.Unlock()
	if s.closeErr == nil {
		return errors.New("session closed")
	}
	return s.closeErr
}

func (s *Session) post(ctx context.Context, env any) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpointURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	injectTraceHeaders(ctx, req.Header)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("submission status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

func injectTraceHeaders(ctx context.Context, header http.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// AddTraceMeta mirrors the active trace context into the params _meta field
// for servers that only see the JSON-RPC payload, not the HTTP headers.
func AddTraceMeta(ctx context.Context, params map[string]any) {
	if ctx == nil || params == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	meta := make(map[string]string, len(carrier))
	for k, v := range carrier {
		meta[k] = v
	}
	params["_meta"] = meta
}
