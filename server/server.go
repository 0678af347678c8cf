// Package server implements the slidepilot HTTP front door: analysis
// submission, run status and step-log lookup, a live progress event stream,
// and health endpoints. Handlers are mounted on a goa muxer and wrapped with
// the clue logging middleware; analysis runs launched here execute on a
// context detached from the request so a closed connection never aborts a
// run.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/pathscope/slidepilot/runtime/progress"
	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/workflow"
)

type (
	// Options configures the front door.
	Options struct {
		// Engine executes analysis runs. Required.
		Engine *workflow.Engine
		// Store resolves run records for the status endpoints. It must be
		// the same store the engine writes through. Required.
		Store run.Store
		// Broadcaster feeds the SSE endpoint. Required.
		Broadcaster progress.Broadcaster
		// Pingers are checked by /healthz. Optional.
		Pingers []health.Pinger
		// Debug mounts pprof and the debug log enabler and logs request
		// bodies.
		Debug bool
	}

	// Server holds the front door's collaborators.
	Server struct {
		engine      *workflow.Engine
		store       run.Store
		broadcaster progress.Broadcaster
		pingers     []health.Pinger
		debug       bool
	}

	analysisRequest struct {
		SlidePath  string               `json:"slide_path"`
		Task       string               `json:"task"`
		RegionHint *workflow.RegionHint `json:"region_hint,omitempty"`
		Labels     map[string]string    `json:"labels,omitempty"`
	}

	// runView is the wire shape of a run record. The step log is exposed by
	// its own endpoint; the view carries only its length.
	runView struct {
		RunID       string            `json:"run_id"`
		SlidePath   string            `json:"slide_path"`
		Task        string            `json:"task"`
		Status      run.Status        `json:"status"`
		CurrentStep string            `json:"current_step,omitempty"`
		Summary     string            `json:"summary,omitempty"`
		Error       string            `json:"error,omitempty"`
		StartedAt   time.Time         `json:"started_at"`
		UpdatedAt   time.Time         `json:"updated_at"`
		StepCount   int               `json:"step_count"`
		Labels      map[string]string `json:"labels,omitempty"`
	}

	stepsView struct {
		RunID string          `json:"run_id"`
		Steps []run.StepEntry `json:"steps"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// New builds a front door server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	return &Server{
		engine:      opts.Engine,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		pingers:     opts.Pingers,
		debug:       opts.Debug,
	}, nil
}

// Handler builds the route table on a fresh goa muxer. ctx carries the
// process logger and outlives individual requests; runs launched from the
// submission handler inherit it rather than the request context.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	if s.debug {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(debug.Adapt(mux))
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}

	mux.Handle("POST", "/analyses", s.startAnalysis(ctx))
	mux.Handle("GET", "/analyses", s.listAnalyses())
	mux.Handle("GET", "/analyses/{id}", s.showAnalysis(mux))
	mux.Handle("GET", "/analyses/{id}/steps", s.showSteps(mux))
	mux.Handle("GET", "/analyses/{id}/events", s.streamEvents(mux))
	mux.Handle("GET", "/healthz", health.Handler(health.NewChecker(s.pingers...)))
	mux.Handle("GET", "/livez", s.live())

	var handler http.Handler = mux
	if s.debug {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// startAnalysis accepts a submission, records it as pending, and launches
// the run in a goroutine on a context detached from the request.
func (s *Server) startAnalysis(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req analysisRequest
		if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
			encodeError(r.Context(), w, http.StatusBadRequest, "decode request: "+err.Error())
			return
		}
		if req.SlidePath == "" {
			encodeError(r.Context(), w, http.StatusBadRequest, "slide_path is required")
			return
		}
		if req.Task == "" {
			encodeError(r.Context(), w, http.StatusBadRequest, "task is required")
			return
		}

		rec := run.Record{
			RunID:     uuid.NewString(),
			SlidePath: req.SlidePath,
			Task:      req.Task,
			Status:    run.StatusPending,
			StartedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
			Labels:    req.Labels,
		}
		if err := s.store.Upsert(r.Context(), rec); err != nil {
			encodeError(r.Context(), w, http.StatusInternalServerError, "record run: "+err.Error())
			return
		}

		params := workflow.Request{
			RunID:     rec.RunID,
			SlidePath: req.SlidePath,
			Task:      req.Task,
			Hint:      req.RegionHint,
			Labels:    req.Labels,
		}
		// The run outlives the request; the process context carries the
		// logger and is only canceled at shutdown.
		runCtx := context.WithoutCancel(ctx)
		go func() {
			state := s.engine.Execute(runCtx, params)
			log.Info(runCtx, log.KV{K: "msg", V: "run finished"},
				log.KV{K: "run_id", V: state.RunID},
				log.KV{K: "status", V: state.Status})
		}()

		log.Info(ctx, log.KV{K: "msg", V: "run accepted"},
			log.KV{K: "run_id", V: rec.RunID},
			log.KV{K: "slide_path", V: rec.SlidePath})

		enc := goahttp.ResponseEncoder(r.Context(), w)
		w.WriteHeader(http.StatusAccepted)
		_ = enc.Encode(viewOf(rec))
	}
}

func (s *Server) listAnalyses() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.store.List(r.Context())
		if err != nil {
			encodeError(r.Context(), w, http.StatusInternalServerError, "list runs: "+err.Error())
			return
		}
		views := make([]runView, len(records))
		for i, rec := range records {
			views[i] = viewOf(rec)
		}
		enc := goahttp.ResponseEncoder(r.Context(), w)
		w.WriteHeader(http.StatusOK)
		_ = enc.Encode(views)
	}
}

func (s *Server) showAnalysis(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.loadRun(w, r, mux.Vars(r)["id"])
		if !ok {
			return
		}
		enc := goahttp.ResponseEncoder(r.Context(), w)
		w.WriteHeader(http.StatusOK)
		_ = enc.Encode(viewOf(rec))
	}
}

func (s *Server) showSteps(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.loadRun(w, r, mux.Vars(r)["id"])
		if !ok {
			return
		}
		steps := rec.Steps
		if steps == nil {
			steps = []run.StepEntry{}
		}
		enc := goahttp.ResponseEncoder(r.Context(), w)
		w.WriteHeader(http.StatusOK)
		_ = enc.Encode(stepsView{RunID: rec.RunID, Steps: steps})
	}
}

func (s *Server) live() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// loadRun resolves a run record or writes the appropriate error response.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request, id string) (run.Record, bool) {
	rec, err := s.store.Load(r.Context(), id)
	if err != nil {
		encodeError(r.Context(), w, http.StatusInternalServerError, "load run: "+err.Error())
		return run.Record{}, false
	}
	if rec.RunID == "" {
		encodeError(r.Context(), w, http.StatusNotFound, "run not found")
		return run.Record{}, false
	}
	return rec, true
}

func viewOf(rec run.Record) runView {
	return runView{
		RunID:       rec.RunID,
		SlidePath:   rec.SlidePath,
		Task:        rec.Task,
		Status:      rec.Status,
		CurrentStep: rec.CurrentStep,
		Summary:     rec.Summary,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		UpdatedAt:   rec.UpdatedAt,
		StepCount:   len(rec.Steps),
		Labels:      rec.Labels,
	}
}

func encodeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	_ = enc.Encode(errorResponse{Error: msg})
}
