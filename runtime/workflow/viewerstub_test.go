package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pathscope/slidepilot/runtime/run/inmem"
	"github.com/pathscope/slidepilot/runtime/telemetry"
	"github.com/pathscope/slidepilot/runtime/viewer"
)

type (
	// toolHandler answers one scripted tool call. Return a toolFailure to
	// flag the result envelope as an in-band error.
	toolHandler func(args map[string]any) (any, error)

	toolFailure struct{ message string }

	toolCall struct {
		Tool string
		Args map[string]any
	}

	// stubTransport scripts the viewer's tool surface for pipeline tests.
	stubTransport struct {
		mu    sync.Mutex
		tools map[string]toolHandler
		calls []toolCall
	}
)

func newStubTransport(tools map[string]toolHandler) *stubTransport {
	return &stubTransport{tools: tools}
}

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
	s.calls = append(s.calls, toolCall{Tool: tool, Args: args})
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

func (s *stubTransport) count(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

func (s *stubTransport) callsFor(tool string) []toolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []toolCall
	for _, c := range s.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

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

func failTool(message string) toolHandler {
	return func(map[string]any) (any, error) { return toolFailure{message: message}, nil }
}

func okResult() map[string]any { return map[string]any{"success": true} }

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
	return map[string]toolHandler{
		"load_slide":     func(map[string]any) (any, error) { return slide(1.0), nil },
		"get_slide_info": func(map[string]any) (any, error) { return slide(2.0), nil },
		"nav.lock":       func(map[string]any) (any, error) { return map[string]any{"token": "tok-1"}, nil },
		"nav.unlock":     func(map[string]any) (any, error) { return okResult(), nil },
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
		"update_action_card":     func(map[string]any) (any, error) { return okResult(), nil },
		"append_action_card_log": func(map[string]any) (any, error) { return okResult(), nil },
	}
}

func newTestToolkit(t *testing.T, transport *stubTransport) *Toolkit {
	t.Helper()
	client, err := viewer.New(viewer.Options{Transport: transport})
	require.NoError(t, err)
	return &Toolkit{
		Viewer:      client,
		Log:         telemetry.NewNoopLogger(),
		LockTTL:     time.Minute,
		Await:       viewer.AwaitOptions{Interval: time.Millisecond, Deadline: 15 * time.Millisecond},
		SettleDelay: -1,
	}
}

func newTestEngine(t *testing.T, transport *stubTransport, opts ...func(*Options)) (*Engine, *inmem.Store) {
	t.Helper()
	client, err := viewer.New(viewer.Options{Transport: transport})
	require.NoError(t, err)
	store := inmem.New()
	options := Options{
		Viewer:      client,
		Store:       store,
		SettleDelay: -1,
		Await:       viewer.AwaitOptions{Interval: time.Millisecond, Deadline: 20 * time.Millisecond},
	}
	for _, o := range opts {
		o(&options)
	}
	eng, err := New(options)
	require.NoError(t, err)
	return eng, store
}
