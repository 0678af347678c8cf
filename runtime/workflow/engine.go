package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/pathscope/slidepilot/runtime/progress"
	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/telemetry"
	"github.com/pathscope/slidepilot/runtime/viewer"
)

type (
	// Options configures a workflow engine.
	Options struct {
		// Viewer is the tool invoker every step calls through. Required.
		Viewer *viewer.Client
		// Store persists run records after every step transition. Required.
		Store run.Store
		// Log receives engine and step logging. Defaults to a no-op logger.
		Log telemetry.Logger
		// Metrics records run and step instrumentation. Defaults to no-op.
		Metrics telemetry.Metrics
		// Tracer wraps each step in a span. Defaults to no-op.
		Tracer telemetry.Tracer
		// Sink receives progress events. Optional.
		Sink progress.Sink
		// LockTTL bounds the navigation lock lease. Defaults to
		// viewer.DefaultLockTTL.
		LockTTL time.Duration
		// Await configures the bounded completion poll for animated moves.
		// Zero fields use the viewer defaults.
		Await viewer.AwaitOptions
		// SettleDelay is the pause after the baseline reset before the
		// viewport is sampled. Zero means DefaultSettleDelay; negative
		// disables the pause.
		SettleDelay time.Duration
		// Steps overrides the default pipeline. Leave empty for Pipeline().
		Steps []Step
	}

	// Engine executes the analysis pipeline for one run at a time per call.
	// It is safe for concurrent use: each Execute owns its state exclusively
	// and shares only the injected collaborators.
	Engine struct {
		store   run.Store
		log     telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		sink    progress.Sink
		tk      *Toolkit
		steps   []Step
	}

	// Request describes one analysis run.
	Request struct {
		// RunID uniquely identifies the run.
		RunID string
		// SlidePath is the slide file to analyze.
		SlidePath string
		// Task is the analysis task description.
		Task string
		// Hint optionally places the annotated region.
		Hint *RegionHint
		// Labels is caller metadata copied onto the run record.
		Labels map[string]string
	}
)

// New builds a workflow engine.
func New(opts Options) (*Engine, error) {
	if opts.Viewer == nil {
		return nil, errors.New("viewer client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("run store is required")
	}
	logger := opts.Log
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = viewer.DefaultLockTTL
	}
	settleDelay := opts.SettleDelay
	if settleDelay == 0 {
		settleDelay = DefaultSettleDelay
	}
	steps := opts.Steps
	if len(steps) == 0 {
		steps = Pipeline()
	}
	return &Engine{
		store:   opts.Store,
		log:     logger,
		metrics: metrics,
		tracer:  tracer,
		sink:    opts.Sink,
		tk: &Toolkit{
			Viewer:      opts.Viewer,
			Log:         logger,
			LockTTL:     lockTTL,
			Await:       opts.Await,
			SettleDelay: settleDelay,
		},
		steps: steps,
	}, nil
}

// Execute runs the full pipeline and returns the final state. No error
// crosses this boundary: every failure lands in the state's status and error
// message. The returned state is always terminal and never records the lock
// as held.
func (e *Engine) Execute(ctx context.Context, req Request) State {
	s := State{
		RunID:     req.RunID,
		SlidePath: req.SlidePath,
		Task:      req.Task,
		Hint:      req.Hint,
		Labels:    req.Labels,
		StartedAt: time.Now().UTC(),
		Status:    run.StatusRunning,
	}
	e.log.Info(ctx, "run started", "run_id", s.RunID, "slide", s.SlidePath)
	e.metrics.IncCounter("slidepilot_runs_started_total", 1)

	s = e.openCard(ctx, req, s)
	e.persist(ctx, s)
	e.publish(ctx, s, "", progress.LevelInfo, "run started")

	for _, step := range e.steps {
		s = e.runStep(ctx, step, s)
		e.persist(ctx, s)
	}

	// Second unlock layer: the release step normally clears the lock, but a
	// custom pipeline may end without one.
	s = e.ensureUnlocked(ctx, s)
	if !s.Status.Terminal() {
		s.Status = run.StatusFailed
		if s.Error == "" {
			s.Error = "pipeline ended without a terminal status"
		}
		e.persist(ctx, s)
	}

	e.finalizeCard(ctx, s)
	level, msg := progress.LevelSuccess, "run completed"
	if s.Status == run.StatusFailed {
		level, msg = progress.LevelError, "run failed"
		if s.Error != "" {
			msg = "run failed: " + s.Error
		}
	}
	e.publish(ctx, s, "", level, msg)
	e.metrics.IncCounter("slidepilot_runs_total", 1, "status", string(s.Status))
	e.log.Info(ctx, "run finished", "run_id", s.RunID, "status", string(s.Status), "steps", len(s.Steps))
	return s
}

// runStep executes one step under a span. A failed run skips every remaining
// step except release, stamping a skip entry so the step log stays an
// uninterrupted audit trail. A returned error becomes a failed status; it
// never propagates.
func (e *Engine) runStep(ctx context.Context, step Step, s State) State {
	stepCtx, span := e.tracer.Start(ctx, "workflow."+step.Name)
	defer span.End()

	if s.Status == run.StatusFailed && step.Name != StepRelease {
		s.CurrentStep = step.Name
		s.Steps = append(s.Steps, entry(step.Name, map[string]any{"skipped": true}))
		e.tk.cardLog(stepCtx, s, fmt.Sprintf("Skipping %s (run already failed).", step.Name), viewer.CardLogWarning)
		e.publish(stepCtx, s, step.Name, progress.LevelWarning, "step skipped")
		span.AddEvent("skipped")
		return s
	}

	e.publish(stepCtx, s, step.Name, progress.LevelInfo, "step started")
	start := time.Now()
	next, err := step.Run(stepCtx, e.tk, s)
	e.metrics.RecordTimer("slidepilot_step_duration_seconds", time.Since(start), "step", step.Name)
	next.CurrentStep = step.Name
	if err != nil {
		next.Status = run.StatusFailed
		next.Error = err.Error()
		e.log.Error(stepCtx, "step failed", "run_id", next.RunID, "step", step.Name, "error", err.Error())
		e.tk.cardLog(stepCtx, next, err.Error(), viewer.CardLogError)
		e.tk.cardUpdate(stepCtx, next, viewer.CardUpdate{Status: viewer.CardStatusFailed})
		e.publish(stepCtx, next, step.Name, progress.LevelError, err.Error())
		e.metrics.IncCounter("slidepilot_step_failures_total", 1, "step", step.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return next
	}
	e.publish(stepCtx, next, step.Name, progress.LevelInfo, "step completed")
	span.SetStatus(codes.Ok, "")
	return next
}

// ensureUnlocked releases the lock if the state still records it held.
// Trouble here is logged and swallowed; it never changes the run's status.
func (e *Engine) ensureUnlocked(ctx context.Context, s State) State {
	if s.LockHeld && s.LockToken != "" {
		if err := e.tk.Viewer.Unlock(ctx, s.LockToken); err != nil {
			e.log.Error(ctx, "cleanup unlock failed", "run_id", s.RunID, "error", err.Error())
		} else {
			e.log.Info(ctx, "lock released in cleanup", "run_id", s.RunID)
		}
	}
	s.LockHeld = false
	return s
}

// openCard creates the viewer progress card this run streams into. Card
// trouble never affects the run; a missing card id disables mirroring.
func (e *Engine) openCard(ctx context.Context, req Request, s State) State {
	id, err := e.tk.Viewer.CreateCard(ctx, viewer.CardRequest{
		Title:     "Slide analysis: " + req.Task,
		Summary:   "Slide: " + filepath.Base(req.SlidePath),
		Reasoning: fmt.Sprintf("Run ID: %s\nTask: %s", req.RunID, req.Task),
		Owner:     req.RunID,
	})
	if err != nil {
		e.log.Info(ctx, "progress card unavailable", "run_id", req.RunID, "error", err.Error())
		return s
	}
	if id == "" {
		return s
	}
	s.CardID = id
	e.tk.cardUpdate(ctx, s, viewer.CardUpdate{Status: viewer.CardStatusInProgress})
	e.tk.cardLog(ctx, s, "Analysis started", viewer.CardLogInfo)
	return s
}

// finalizeCard stamps the terminal status onto the progress card.
func (e *Engine) finalizeCard(ctx context.Context, s State) {
	if s.CardID == "" {
		return
	}
	message := s.Summary
	if message == "" {
		message = s.Error
	}
	if message == "" {
		message = "Complete"
	}
	status, level := viewer.CardStatusCompleted, viewer.CardLogSuccess
	if s.Status == run.StatusFailed {
		status, level = viewer.CardStatusFailed, viewer.CardLogError
	}
	e.tk.cardUpdate(ctx, s, viewer.CardUpdate{
		Status:    status,
		Summary:   truncate(message, 200),
		Reasoning: message,
	})
	e.tk.cardLog(ctx, s, message, level)
}

// persist mirrors the state into the run store. Store trouble is logged,
// never surfaced.
func (e *Engine) persist(ctx context.Context, s State) {
	if err := e.store.Upsert(ctx, s.record()); err != nil {
		e.log.Error(ctx, "run record upsert failed", "run_id", s.RunID, "error", err.Error())
	}
}

// publish forwards one progress event to the configured sink.
func (e *Engine) publish(ctx context.Context, s State, step, level, message string) {
	if e.sink == nil {
		return
	}
	ev := progress.Event{
		RunID:     s.RunID,
		Step:      step,
		Status:    string(s.Status),
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.log.Debug(ctx, "progress publish failed", "run_id", s.RunID, "error", err.Error())
	}
}

// record renders the state as its durable run record.
func (s State) record() run.Record {
	rec := run.Record{
		RunID:       s.RunID,
		SlidePath:   s.SlidePath,
		Task:        s.Task,
		Status:      s.Status,
		CurrentStep: s.CurrentStep,
		Steps:       s.Steps,
		Summary:     s.Summary,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		UpdatedAt:   time.Now().UTC(),
		Labels:      s.Labels,
	}
	meta := map[string]any{}
	if s.CardID != "" {
		meta["card_id"] = s.CardID
	}
	if s.LockPlaceholder {
		meta["lock_placeholder"] = true
	}
	if len(s.AnnotationIDs) > 0 {
		meta["annotation_ids"] = append([]int(nil), s.AnnotationIDs...)
	}
	if len(meta) > 0 {
		rec.Metadata = meta
	}
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
