// Package workflow drives the fixed slide analysis pipeline: connect,
// acquire_lock, reset_to_baseline, survey, plan_region, annotate_region,
// summarize, release. The engine executes the steps in order against a
// viewer client, persists the run record after every transition, and holds
// two invariants: a failed status is sticky, so later steps skip their
// remote work, and the pipeline always reaches release with an idempotent
// unlock on every exit path.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/telemetry"
	"github.com/pathscope/slidepilot/runtime/viewer"
)

// Pipeline step names, in execution order.
const (
	StepConnect         = "connect"
	StepAcquireLock     = "acquire_lock"
	StepResetToBaseline = "reset_to_baseline"
	StepSurvey          = "survey"
	StepPlanRegion      = "plan_region"
	StepAnnotateRegion  = "annotate_region"
	StepSummarize       = "summarize"
	StepRelease         = "release"
)

type (
	// State is one run's context, threaded value-by-value through the
	// pipeline: each step receives the current state and returns the next.
	// A state belongs to exactly one run and is never shared.
	State struct {
		// RunID uniquely identifies the run.
		RunID string
		// SlidePath is the slide file under analysis.
		SlidePath string
		// Task is the caller's analysis task description.
		Task string
		// Hint optionally places the planned region.
		Hint *RegionHint
		// Labels is caller-provided metadata copied onto the run record.
		Labels map[string]string
		// StartedAt records when the run began.
		StartedAt time.Time

		// LockToken is the navigation lock token, genuine or placeholder.
		LockToken string
		// LockHeld reports whether the lock is currently held.
		LockHeld bool
		// LockPlaceholder marks a token synthesized locally because the
		// viewer does not implement locking.
		LockPlaceholder bool

		// Slide is the loaded slide's metadata.
		Slide *viewer.Slide
		// Viewport is the camera state last read back from the viewer.
		Viewport *viewer.Viewport
		// SnapshotURL is the baseline snapshot, when one was captured.
		SnapshotURL string

		// CardID names the viewer progress card mirroring this run. Empty
		// when card streaming is unavailable.
		CardID string

		// PlannedVertices is the polygon the annotation step will draw.
		PlannedVertices []viewer.Point
		// AnnotationIDs lists created annotations in creation order.
		AnnotationIDs []int
		// Metrics holds the measurements per created annotation.
		Metrics []viewer.RegionMetrics

		// Status is the run's lifecycle state.
		Status run.Status
		// CurrentStep names the step that last executed.
		CurrentStep string
		// Steps is the append-only step log.
		Steps []run.StepEntry
		// Error is the failure message when Status is failed.
		Error string
		// Summary is the final report composed by the summarize step.
		Summary string
	}

	// RegionHint places the region the pipeline annotates. A nil Center uses
	// the slide midpoint; a non-positive Size uses DefaultRegionSize.
	RegionHint struct {
		Center *viewer.Point `json:"center,omitempty" yaml:"center,omitempty"`
		Size   float64       `json:"size,omitempty" yaml:"size,omitempty"`
	}

	// Step binds a pipeline step name to its implementation.
	Step struct {
		Name string
		Run  StepFunc
	}

	// StepFunc advances a run by one step. Implementations receive the
	// toolkit and current state explicitly and return the next state; the
	// engine converts a returned error into a failed status, so no failure
	// escapes the pipeline.
	StepFunc func(ctx context.Context, tk *Toolkit, s State) (State, error)

	// Toolkit bundles what steps need to talk to the outside world: the
	// viewer client plus the run-scoped logging and tuning knobs.
	Toolkit struct {
		// Viewer is the tool invoker.
		Viewer *viewer.Client
		// Log receives step logging.
		Log telemetry.Logger
		// LockTTL bounds the navigation lock lease.
		LockTTL time.Duration
		// Await configures the bounded completion poll for animated moves.
		Await viewer.AwaitOptions
		// SettleDelay is the pause after the baseline reset before the
		// viewport is sampled.
		SettleDelay time.Duration
	}

	// StepPreconditionError reports that a step's local precondition was
	// unmet, such as a missing result from an earlier step. The engine
	// treats it exactly like a failed remote call.
	StepPreconditionError struct {
		Step   string
		Reason string
	}
)

// Error implements error.
func (e *StepPreconditionError) Error() string {
	return fmt.Sprintf("step %s precondition: %s", e.Step, e.Reason)
}

// PlaceholderToken is the locally synthesized lock token used when the
// viewer does not implement the lock capability.
func PlaceholderToken(runID string) string {
	return "mock-lock-" + runID
}

// cardLog appends one line to the run's progress card. Runs without a card
// skip the call; failures are logged at debug and swallowed.
func (tk *Toolkit) cardLog(ctx context.Context, s State, message, level string) {
	if s.CardID == "" {
		return
	}
	if err := tk.Viewer.AppendCardLog(ctx, s.CardID, message, level); err != nil {
		tk.Log.Debug(ctx, "card log append failed", "run_id", s.RunID, "error", err.Error())
	}
}

// cardUpdate applies upd to the run's progress card under the same
// best-effort policy as cardLog.
func (tk *Toolkit) cardUpdate(ctx context.Context, s State, upd viewer.CardUpdate) {
	if s.CardID == "" {
		return
	}
	if err := tk.Viewer.UpdateCard(ctx, s.CardID, upd); err != nil {
		tk.Log.Debug(ctx, "card update failed", "run_id", s.RunID, "error", err.Error())
	}
}

// entry stamps a step log entry with the current time.
func entry(step string, result map[string]any) run.StepEntry {
	return run.StepEntry{Step: step, Timestamp: time.Now().UTC(), Result: result}
}

// settle pauses for d so a viewer animation can finish, returning early when
// the context ends. Non-positive delays skip the pause.
func settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
