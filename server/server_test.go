package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/pathscope/slidepilot/runtime/progress"
	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/run/inmem"
	"github.com/pathscope/slidepilot/runtime/viewer"
	"github.com/pathscope/slidepilot/runtime/workflow"
)

type (
	toolHandler func(args map[string]any) (any, error)

	toolFailure struct{ message string }

	// stubTransport scripts the viewer's tool surface so the engine can run
	// real pipelines against the front door.
	stubTransport struct {
		mu    sync.Mutex
		tools map[string]toolHandler
		calls []string
	}

	fixture struct {
		server      *Server
		store       *inmem.Store
		transport   *stubTransport
		broadcaster progress.Broadcaster
		handler     http.Handler
	}

	fakePinger struct {
		name string
		err  error
	}
)

func (p *fakePinger) Name() string { return p.name }

func (p *fakePinger) Ping(context.Context) error { return p.err }

func (s *stubTransport) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	if method != "tools/call" {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	req, ok := params.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected params type %T", params)
	}
	tool, _ := req["name"].(string)
	args, _ := req["arguments"].(map[string]any)

	s.mu.Lock()
	s.calls = append(s.calls, tool)
	handler := s.tools[tool]
	s.mu.Unlock()

	if handler == nil {
		return marshalEnvelope(toolFailure{message: "tool not scripted: " + tool})
	}
	result, err := handler(args)
	if err != nil {
		return nil, err
	}
	return marshalEnvelope(result)
}

func (s *stubTransport) Notify(context.Context, string, any) error { return nil }

func marshalEnvelope(result any) (json.RawMessage, error) {
	if failure, ok := result.(toolFailure); ok {
		return json.Marshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": failure.message}},
			"isError": true,
		})
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"structuredContent": json.RawMessage(payload)})
}

// happyTools scripts every tool the pipeline touches for a 10000x8000 slide.
func happyTools() map[string]toolHandler {
	slide := func(zoom float64) map[string]any {
		return map[string]any{
			"path":     "/slides/case-42.svs",
			"width":    10000,
			"height":   8000,
			"levels":   4,
			"viewport": map[string]any{"x": 5000.0, "y": 4000.0, "zoom": zoom},
		}
	}
	box := map[string]any{"x": 4500.0, "y": 3500.0, "width": 1000.0, "height": 1000.0}
	ok := map[string]any{"success": true}
	return map[string]toolHandler{
		"load_slide":     func(map[string]any) (any, error) { return slide(1.0), nil },
		"get_slide_info": func(map[string]any) (any, error) { return slide(2.0), nil },
		"nav.lock":       func(map[string]any) (any, error) { return map[string]any{"token": "tok-1"}, nil },
		"nav.unlock":     func(map[string]any) (any, error) { return ok, nil },
		"reset_view": func(map[string]any) (any, error) {
			return map[string]any{"x": 5000.0, "y": 4000.0, "zoom": 0.4}, nil
		},
		"capture_snapshot": func(map[string]any) (any, error) {
			return map[string]any{"url": "/snapshots/baseline.png", "width": 1280, "height": 800}, nil
		},
		"move_camera": func(map[string]any) (any, error) { return map[string]any{"token": "move-1"}, nil },
		"await_move": func(map[string]any) (any, error) {
			return map[string]any{
				"completed": true,
				"aborted":   false,
				"position":  []float64{5000, 4000},
				"zoom":      2.0,
			}, nil
		},
		"create_annotation": func(args map[string]any) (any, error) {
			return map[string]any{
				"id":           7,
				"name":         args["name"],
				"vertex_count": 4,
				"bounding_box": box,
				"area":         1000000.0,
				"cell_counts":  map[string]int{"tumor": 120, "stroma": 80},
			}, nil
		},
		"compute_roi_metrics": func(map[string]any) (any, error) {
			return map[string]any{
				"bounding_box": box,
				"area":         1000000.0,
				"perimeter":    4000.0,
				"cell_counts":  map[string]int{"tumor": 120, "stroma": 80},
			}, nil
		},
		"create_action_card":     func(map[string]any) (any, error) { return map[string]any{"id": "card-1"}, nil },
		"update_action_card":     func(map[string]any) (any, error) { return ok, nil },
		"append_action_card_log": func(map[string]any) (any, error) { return ok, nil },
	}
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	transport := &stubTransport{tools: happyTools()}
	client, err := viewer.New(viewer.Options{Transport: transport})
	require.NoError(t, err)

	store := inmem.New()
	broadcaster := progress.NewBroadcaster(8, false)

	eng, err := workflow.New(workflow.Options{
		Viewer:      client,
		Store:       store,
		Sink:        progress.BroadcastSink(broadcaster),
		SettleDelay: -1,
		Await:       viewer.AwaitOptions{Interval: time.Millisecond, Deadline: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	options := Options{Engine: eng, Store: store, Broadcaster: broadcaster}
	for _, o := range opts {
		o(&options)
	}
	srv, err := New(options)
	require.NoError(t, err)

	return &fixture{
		server:      srv,
		store:       store,
		transport:   transport,
		broadcaster: broadcaster,
		handler:     srv.Handler(log.Context(context.Background())),
	}
}

func (f *fixture) count(tool string) int {
	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	n := 0
	for _, c := range f.transport.calls {
		if c == tool {
			n++
		}
	}
	return n
}

func awaitTerminal(t *testing.T, store *inmem.Store, id string) run.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Load(context.Background(), id)
		require.NoError(t, err)
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status")
	return run.Record{}
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "engine is required")
}

func TestStartAnalysisRunsToCompletion(t *testing.T) {
	fx := newFixture(t)

	w := postJSON(t, fx.handler, "/analyses", `{"slide_path":"/slides/case-42.svs","task":"tumor census","labels":{"priority":"high"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var view runView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotEmpty(t, view.RunID)
	require.Equal(t, run.StatusPending, view.Status)
	require.Equal(t, "/slides/case-42.svs", view.SlidePath)
	require.Equal(t, "high", view.Labels["priority"])

	rec := awaitTerminal(t, fx.store, view.RunID)
	require.Equal(t, run.StatusCompleted, rec.Status)
	require.Contains(t, rec.Summary, "Annotations created: 1")
	require.Equal(t, 1, fx.count("nav.unlock"))
}

func TestStartAnalysisRecordVisibleImmediately(t *testing.T) {
	fx := newFixture(t)

	w := postJSON(t, fx.handler, "/analyses", `{"slide_path":"/slides/case-42.svs","task":"tumor census"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var view runView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))

	got := getPath(t, fx.handler, "/analyses/"+view.RunID)
	require.Equal(t, http.StatusOK, got.Code)

	var loaded runView
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &loaded))
	require.Equal(t, view.RunID, loaded.RunID)

	awaitTerminal(t, fx.store, view.RunID)
}

func TestStartAnalysisHonorsRegionHint(t *testing.T) {
	fx := newFixture(t)

	w := postJSON(t, fx.handler, "/analyses", `{"slide_path":"/slides/case-42.svs","task":"tumor census","region_hint":{"center":[2000,1500],"size":400}}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var view runView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	rec := awaitTerminal(t, fx.store, view.RunID)
	require.Equal(t, run.StatusCompleted, rec.Status)
}

func TestStartAnalysisValidation(t *testing.T) {
	fx := newFixture(t)

	w := postJSON(t, fx.handler, "/analyses", `{"task":"tumor census"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "slide_path is required")

	w = postJSON(t, fx.handler, "/analyses", `{"slide_path":"/slides/a.svs"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "task is required")

	w = postJSON(t, fx.handler, "/analyses", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "decode request")
}

func TestShowAnalysisNotFound(t *testing.T) {
	fx := newFixture(t)

	w := getPath(t, fx.handler, "/analyses/absent")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "run not found")
}

func TestListAnalysesNewestFirst(t *testing.T) {
	fx := newFixture(t)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b"} {
		require.NoError(t, fx.store.Upsert(context.Background(), run.Record{
			RunID:     id,
			SlidePath: "/slides/case-42.svs",
			Task:      "tumor census",
			Status:    run.StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := getPath(t, fx.handler, "/analyses")
	require.Equal(t, http.StatusOK, w.Code)

	var views []runView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 2)
	require.Equal(t, "run-b", views[0].RunID)
	require.Equal(t, "run-a", views[1].RunID)
}

func TestShowSteps(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.store.Upsert(context.Background(), run.Record{
		RunID:     "run-1",
		SlidePath: "/slides/case-42.svs",
		Task:      "tumor census",
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		Steps: []run.StepEntry{
			{Step: "acquire_lock", Timestamp: time.Now().UTC(), Result: map[string]any{"lock_token": "tok-1"}},
		},
	}))

	w := getPath(t, fx.handler, "/analyses/run-1/steps")
	require.Equal(t, http.StatusOK, w.Code)

	var view stepsView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, "run-1", view.RunID)
	require.Len(t, view.Steps, 1)
	require.Equal(t, "acquire_lock", view.Steps[0].Step)
}

func TestShowStepsEmptyLogIsArray(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.store.Upsert(context.Background(), run.Record{
		RunID:     "run-1",
		SlidePath: "/slides/case-42.svs",
		Task:      "tumor census",
		Status:    run.StatusPending,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))

	w := getPath(t, fx.handler, "/analyses/run-1/steps")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"steps":[]`)
}

func TestLivez(t *testing.T) {
	fx := newFixture(t)

	w := getPath(t, fx.handler, "/livez")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())
}

func TestHealthzReportsPingers(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Pingers = []health.Pinger{&fakePinger{name: "mongo"}}
	})

	w := getPath(t, fx.handler, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "mongo")
}

func TestHealthzFailsWhenPingerFails(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Pingers = []health.Pinger{&fakePinger{name: "mongo", err: fmt.Errorf("connection refused")}}
	})

	w := getPath(t, fx.handler, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStreamEventsTerminalSnapshot(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.store.Upsert(context.Background(), run.Record{
		RunID:     "run-done",
		SlidePath: "/slides/case-42.svs",
		Task:      "tumor census",
		Status:    run.StatusCompleted,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))

	w := getPath(t, fx.handler, "/analyses/run-done/events")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "event: run_update")
	require.Contains(t, body, `"status":"completed"`)
	require.Contains(t, body, "run completed")
}

// staleLoadStore serves reads from the wrapped store and fires a hook after
// the first load returns, so a test can make a run reach a terminal status
// between the handler's subscription and its status check.
type staleLoadStore struct {
	inner       *inmem.Store
	mu          sync.Mutex
	loads       int
	onFirstLoad func()
}

func (s *staleLoadStore) Upsert(ctx context.Context, rec run.Record) error {
	return s.inner.Upsert(ctx, rec)
}

func (s *staleLoadStore) List(ctx context.Context) ([]run.Record, error) {
	return s.inner.List(ctx)
}

func (s *staleLoadStore) Load(ctx context.Context, id string) (run.Record, error) {
	rec, err := s.inner.Load(ctx, id)
	s.mu.Lock()
	s.loads++
	first := s.loads == 1
	s.mu.Unlock()
	if first && s.onFirstLoad != nil {
		s.onFirstLoad()
	}
	return rec, err
}

func TestStreamEventsTerminalRaceDuringRequest(t *testing.T) {
	var stale *staleLoadStore
	fx := newFixture(t, func(o *Options) {
		broadcaster := o.Broadcaster
		stale = &staleLoadStore{inner: o.Store.(*inmem.Store)}
		// The run completes while the handler still holds the record it
		// loaded: the terminal event is published before the status check
		// runs, so only the subscription can deliver it.
		stale.onFirstLoad = func() {
			require.NoError(t, stale.inner.Upsert(context.Background(), run.Record{
				RunID:     "run-race",
				SlidePath: "/slides/case-42.svs",
				Task:      "tumor census",
				Status:    run.StatusCompleted,
				StartedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}))
			broadcaster.Publish(progress.Event{
				RunID:     "run-race",
				Status:    "completed",
				Level:     progress.LevelSuccess,
				Message:   "run completed",
				Timestamp: time.Now().UTC(),
			})
		}
		o.Store = stale
	})

	require.NoError(t, stale.inner.Upsert(context.Background(), run.Record{
		RunID:     "run-race",
		SlidePath: "/slides/case-42.svs",
		Task:      "tumor census",
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))

	w := getPath(t, fx.handler, "/analyses/run-race/events")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.Contains(t, body, "event: run_update")
	require.Contains(t, body, `"status":"completed"`)
}

func TestStreamEventsNotFound(t *testing.T) {
	fx := newFixture(t)

	w := getPath(t, fx.handler, "/analyses/absent/events")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamEventsLive(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.store.Upsert(context.Background(), run.Record{
		RunID:     "run-77",
		SlidePath: "/slides/case-42.svs",
		Task:      "tumor census",
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))

	ts := httptest.NewServer(fx.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/analyses/run-77/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	now := time.Now().UTC()
	fx.broadcaster.Publish(progress.Event{RunID: "run-77", Step: "connect", Status: "running", Level: progress.LevelInfo, Message: "step started", Timestamp: now})
	fx.broadcaster.Publish(progress.Event{RunID: "other", Step: "connect", Status: "running", Level: progress.LevelInfo, Message: "step started", Timestamp: now})
	fx.broadcaster.Publish(progress.Event{RunID: "run-77", Status: "completed", Level: progress.LevelSuccess, Message: "run completed", Timestamp: now})

	// The handler closes the stream after the terminal event, ending the scan.
	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	body := strings.Join(lines, "\n")

	require.Contains(t, body, "event: step_update")
	require.Contains(t, body, `"step":"connect"`)
	require.Contains(t, body, "event: run_update")
	require.Contains(t, body, `"status":"completed"`)
	require.NotContains(t, body, `"run_id":"other"`)
}
