package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/pathscope/slidepilot/runtime/progress"
	"github.com/pathscope/slidepilot/runtime/run"
)

// SSE event names. Step-scoped events stream as step_update, run lifecycle
// transitions as run_update, matching the names the Pulse mirror publishes.
const (
	sseStepUpdate = "step_update"
	sseRunUpdate  = "run_update"
)

// streamEvents serves the live progress feed for one run as server-sent
// events. Subscribers that arrive after the run reached a terminal status
// receive a single synthetic run_update carrying that status instead of
// waiting on a stream that will never produce.
func (s *Server) streamEvents(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		flusher, ok := w.(http.Flusher)
		if !ok {
			encodeError(r.Context(), w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		// Subscribe before loading the record so a terminal transition that
		// races the request is either visible in the loaded status or
		// delivered through the subscription, never lost between the two.
		sub, err := s.broadcaster.Subscribe(r.Context())
		if err != nil {
			encodeError(r.Context(), w, http.StatusInternalServerError, "subscribe: "+err.Error())
			return
		}
		defer func() { _ = sub.Close() }()

		rec, ok := s.loadRun(w, r, id)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		if rec.Status.Terminal() {
			writeEvent(w, progress.Event{
				RunID:     rec.RunID,
				Status:    string(rec.Status),
				Level:     levelFor(rec.Status),
				Message:   "run " + string(rec.Status),
				Timestamp: rec.UpdatedAt,
			})
			flusher.Flush()
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if ev.RunID != id {
					continue
				}
				writeEvent(w, ev)
				flusher.Flush()
				if ev.Step == "" && run.Status(ev.Status).Terminal() {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	name := sseRunUpdate
	if ev.Step != "" {
		name = sseStepUpdate
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func levelFor(status run.Status) string {
	if status == run.StatusFailed {
		return progress.LevelError
	}
	return progress.LevelSuccess
}
