package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/viewer"
)

// DefaultRegionSize is the side length, in slide pixels, of the planned
// square region when no hint supplies one.
const DefaultRegionSize = 1000.0

// DefaultSettleDelay is the pause after the baseline reset before the
// viewport is sampled, long enough for the fit animation to finish.
const DefaultSettleDelay = 500 * time.Millisecond

// Survey navigation: move to the slide center at a fixed zoom.
const (
	surveyZoom         = 2.0
	surveyMoveDuration = 500 * time.Millisecond
)

// Pipeline returns the fixed step sequence in execution order.
func Pipeline() []Step {
	return []Step{
		{Name: StepConnect, Run: stepConnect},
		{Name: StepAcquireLock, Run: stepAcquireLock},
		{Name: StepResetToBaseline, Run: stepResetToBaseline},
		{Name: StepSurvey, Run: stepSurvey},
		{Name: StepPlanRegion, Run: stepPlanRegion},
		{Name: StepAnnotateRegion, Run: stepAnnotateRegion},
		{Name: StepSummarize, Run: stepSummarize},
		{Name: StepRelease, Run: stepRelease},
	}
}

// stepConnect loads the slide and reads back the initial camera state.
func stepConnect(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Connecting to viewer and loading slide", viewer.CardLogInfo)
	tk.Log.Info(ctx, "loading slide", "run_id", s.RunID, "slide", s.SlidePath)

	slide, err := tk.Viewer.LoadSlide(ctx, s.SlidePath)
	if err != nil {
		return s, fmt.Errorf("connect failed: %w", err)
	}
	viewport := slide.Viewport
	if viewport == nil {
		// Some viewers answer load_slide without camera state.
		info, err := tk.Viewer.SlideInfo(ctx)
		if err != nil {
			return s, fmt.Errorf("connect failed: %w", err)
		}
		viewport = info.Viewport
	}

	s.Slide = &slide
	s.Viewport = viewport
	s.Status = run.StatusRunning
	s.Steps = append(s.Steps, entry(StepConnect, map[string]any{
		"slide_loaded": true,
		"dimensions":   fmt.Sprintf("%dx%d", slide.Width, slide.Height),
		"levels":       slide.Levels,
	}))
	tk.Log.Info(ctx, "slide loaded", "run_id", s.RunID, "width", slide.Width, "height", slide.Height)

	tk.cardUpdate(ctx, s, viewer.CardUpdate{
		Summary: fmt.Sprintf("Slide loaded: %dx%d", slide.Width, slide.Height),
	})
	tk.cardLog(ctx, s, fmt.Sprintf("Slide loaded (%dx%d, %d levels).", slide.Width, slide.Height, slide.Levels), viewer.CardLogSuccess)
	return s, nil
}

// stepAcquireLock requests the exclusive navigation lock. A viewer without
// the lock capability yields a locally tagged placeholder token instead of a
// failure, so the rest of the pipeline is not blocked by an unimplemented
// guardrail.
func stepAcquireLock(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Acquiring navigation lock", viewer.CardLogInfo)
	tk.Log.Info(ctx, "acquiring navigation lock", "run_id", s.RunID)

	attempt := tk.Viewer.TryLock(ctx, s.RunID, tk.LockTTL)
	switch attempt.Outcome {
	case viewer.LockAcquired:
		s.LockToken = attempt.Token
		s.LockPlaceholder = false
		tk.Log.Info(ctx, "navigation lock acquired", "run_id", s.RunID, "token", attempt.Token)
	case viewer.LockUnsupported:
		s.LockToken = PlaceholderToken(s.RunID)
		s.LockPlaceholder = true
		tk.Log.Warn(ctx, "lock capability unavailable, using placeholder token", "run_id", s.RunID, "token", s.LockToken)
	default:
		return s, fmt.Errorf("lock failed: %w", attempt.Err)
	}
	s.LockHeld = true
	s.Steps = append(s.Steps, entry(StepAcquireLock, map[string]any{
		"token":       s.LockToken,
		"placeholder": s.LockPlaceholder,
	}))
	if s.LockPlaceholder {
		tk.cardLog(ctx, s, "Navigation lock unavailable, proceeding with placeholder token.", viewer.CardLogWarning)
	} else {
		tk.cardLog(ctx, s, "Navigation lock acquired.", viewer.CardLogSuccess)
	}
	return s, nil
}

// stepResetToBaseline fits the whole slide into the window and captures a
// reference snapshot. Snapshotting is optional: a viewer that cannot capture
// one degrades the step to a warning.
func stepResetToBaseline(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Resetting to baseline view", viewer.CardLogInfo)
	tk.Log.Info(ctx, "resetting to baseline view", "run_id", s.RunID)

	viewport, err := tk.Viewer.ResetView(ctx)
	if err != nil {
		return s, fmt.Errorf("baseline view failed: %w", err)
	}
	// Let the fit animation finish before sampling the viewport.
	settle(ctx, tk.SettleDelay)

	var snapshotURL string
	snap, err := tk.Viewer.CaptureSnapshot(ctx, 0, 0)
	var toolErr *viewer.ToolError
	switch {
	case err == nil:
		snapshotURL = snap.URL
		tk.Log.Info(ctx, "baseline snapshot captured", "run_id", s.RunID, "url", snapshotURL)
	case errors.As(err, &toolErr):
		tk.Log.Warn(ctx, "snapshot capture unavailable", "run_id", s.RunID, "error", err.Error())
	default:
		return s, fmt.Errorf("baseline view failed: %w", err)
	}

	if snapshotURL != "" {
		tk.cardLog(ctx, s, "Baseline snapshot: "+snapshotURL, viewer.CardLogInfo)
	} else {
		tk.cardLog(ctx, s, "Baseline snapshot not available.", viewer.CardLogWarning)
	}

	snapshotNote := snapshotURL
	if snapshotNote == "" {
		snapshotNote = "not_captured"
	}
	s.Viewport = &viewport
	s.SnapshotURL = snapshotURL
	s.Steps = append(s.Steps, entry(StepResetToBaseline, map[string]any{
		"viewport": viewport,
		"snapshot": snapshotNote,
	}))
	return s, nil
}

// stepSurvey moves the camera to the slide center at survey zoom and waits
// for the animation with a bounded poll. A navigation timeout degrades to a
// warning; the move's eventual effect is not required by later steps.
func stepSurvey(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Surveying slide (move to center, 2x zoom)", viewer.CardLogInfo)
	tk.Log.Info(ctx, "surveying slide", "run_id", s.RunID)

	if s.Slide == nil {
		return s, &StepPreconditionError{Step: StepSurvey, Reason: "slide metadata not loaded"}
	}
	centerX := float64(s.Slide.Width) / 2
	centerY := float64(s.Slide.Height) / 2

	token, err := tk.Viewer.MoveCamera(ctx, viewer.MoveRequest{
		CenterX:  centerX,
		CenterY:  centerY,
		Zoom:     surveyZoom,
		Duration: surveyMoveDuration,
	})
	if err != nil {
		return s, fmt.Errorf("survey failed: %w", err)
	}

	if _, err := tk.Viewer.AwaitMove(ctx, token, tk.Await); err != nil {
		if !errors.Is(err, viewer.ErrAwaitTimeout) {
			return s, fmt.Errorf("survey failed: %w", err)
		}
		tk.Log.Warn(ctx, "survey navigation timed out", "run_id", s.RunID, "token", token)
	} else {
		tk.Log.Info(ctx, "survey navigation complete", "run_id", s.RunID)
	}

	info, err := tk.Viewer.SlideInfo(ctx)
	if err != nil {
		return s, fmt.Errorf("survey failed: %w", err)
	}
	s.Viewport = info.Viewport
	s.Steps = append(s.Steps, entry(StepSurvey, map[string]any{
		"center":     []float64{centerX, centerY},
		"zoom":       surveyZoom,
		"move_token": token,
	}))
	tk.cardLog(ctx, s, fmt.Sprintf("Survey complete (center=(%.0f, %.0f), zoom=%.1f).", centerX, centerY, surveyZoom), viewer.CardLogSuccess)
	return s, nil
}

// stepPlanRegion decides where the annotation goes: the hint's center and
// size when given, otherwise a DefaultRegionSize square at the slide
// midpoint.
func stepPlanRegion(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Planning region of interest", viewer.CardLogInfo)

	if s.Slide == nil {
		return s, &StepPreconditionError{Step: StepPlanRegion, Reason: "slide metadata not loaded"}
	}
	center := viewer.Point{float64(s.Slide.Width) / 2, float64(s.Slide.Height) / 2}
	size := DefaultRegionSize
	if s.Hint != nil {
		if s.Hint.Center != nil {
			center = *s.Hint.Center
		}
		if s.Hint.Size > 0 {
			size = s.Hint.Size
		}
	}
	tk.Log.Info(ctx, "region planned", "run_id", s.RunID, "center_x", center[0], "center_y", center[1], "size", size)

	s.PlannedVertices = RegionVertices(center, size)
	s.Steps = append(s.Steps, entry(StepPlanRegion, map[string]any{
		"center":       []float64{center[0], center[1]},
		"size":         size,
		"vertex_count": len(s.PlannedVertices),
	}))
	tk.cardLog(ctx, s, fmt.Sprintf("Region planned (center=(%.0f, %.0f), size=%.0f).", center[0], center[1], size), viewer.CardLogInfo)
	return s, nil
}

// stepAnnotateRegion draws the planned polygon and measures the enclosed
// region. It requires a non-empty vertex set from the planning step.
func stepAnnotateRegion(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Creating annotation and computing metrics", viewer.CardLogInfo)
	tk.Log.Info(ctx, "annotating region", "run_id", s.RunID)

	if len(s.PlannedVertices) == 0 {
		return s, &StepPreconditionError{Step: StepAnnotateRegion, Reason: "no planned vertices"}
	}

	ann, err := tk.Viewer.CreateAnnotation(ctx, s.PlannedVertices, annotationName(s.RunID))
	if err != nil {
		return s, fmt.Errorf("annotation failed: %w", err)
	}
	tk.Log.Info(ctx, "annotation created", "run_id", s.RunID, "annotation_id", ann.ID)

	metrics, err := tk.Viewer.ComputeRegionMetrics(ctx, s.PlannedVertices)
	if err != nil {
		return s, fmt.Errorf("annotation failed: %w", err)
	}

	s.AnnotationIDs = append(s.AnnotationIDs, ann.ID)
	s.Metrics = append(s.Metrics, metrics)
	s.Steps = append(s.Steps, entry(StepAnnotateRegion, map[string]any{
		"annotation_id": ann.ID,
		"area":          metrics.Area,
		"cell_counts":   metrics.CellCounts,
	}))

	msg := fmt.Sprintf("Annotation %d created.", ann.ID)
	if counts := formatCellCounts(metrics.CellCounts); counts != "" {
		msg += " Cell counts: " + counts
	}
	tk.cardLog(ctx, s, msg, viewer.CardLogSuccess)
	return s, nil
}

// stepSummarize composes the final report and stamps the run completed.
func stepSummarize(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Generating summary", viewer.CardLogInfo)
	tk.Log.Info(ctx, "generating summary", "run_id", s.RunID)

	summary := composeSummary(s)
	s.Summary = summary
	s.Status = run.StatusCompleted
	s.Steps = append(s.Steps, entry(StepSummarize, map[string]any{
		"summary_length": len(summary),
	}))

	// Keep the card summary short; the full report goes into reasoning.
	tk.cardUpdate(ctx, s, viewer.CardUpdate{
		Summary:   fmt.Sprintf("Annotations: %d", len(s.AnnotationIDs)),
		Reasoning: summary,
	})
	tk.cardLog(ctx, s, "Summary generated.", viewer.CardLogSuccess)
	return s, nil
}

// stepRelease returns the navigation lock and stamps the terminal status. It
// runs even for failed runs and never fails itself: unlock trouble is logged
// and swallowed, and a failed status is preserved, never upgraded.
func stepRelease(ctx context.Context, tk *Toolkit, s State) (State, error) {
	tk.cardLog(ctx, s, "Releasing navigation lock", viewer.CardLogInfo)
	tk.Log.Info(ctx, "releasing navigation lock", "run_id", s.RunID)

	released := s.LockHeld
	if s.LockHeld && s.LockToken != "" {
		if err := tk.Viewer.Unlock(ctx, s.LockToken); err != nil {
			var notImpl *viewer.NotImplementedError
			if errors.As(err, &notImpl) {
				tk.Log.Info(ctx, "unlock capability unavailable", "run_id", s.RunID)
			} else {
				tk.Log.Error(ctx, "failed to release navigation lock", "run_id", s.RunID, "error", err.Error())
			}
		} else {
			tk.Log.Info(ctx, "navigation lock released", "run_id", s.RunID)
		}
	}
	s.LockHeld = false
	s.Steps = append(s.Steps, entry(StepRelease, map[string]any{
		"lock_released": released,
	}))
	if s.Status != run.StatusFailed {
		s.Status = run.StatusCompleted
	}

	if s.Status == run.StatusFailed {
		tk.cardUpdate(ctx, s, viewer.CardUpdate{Status: viewer.CardStatusFailed})
		msg := s.Error
		if msg == "" {
			msg = "Run failed."
		}
		tk.cardLog(ctx, s, msg, viewer.CardLogError)
	} else {
		tk.cardUpdate(ctx, s, viewer.CardUpdate{Status: viewer.CardStatusCompleted})
		tk.cardLog(ctx, s, "Run completed.", viewer.CardLogSuccess)
	}
	return s, nil
}

// RegionVertices returns the axis-aligned square of the given side length
// centered on center, as vertices in top-left, top-right, bottom-right,
// bottom-left order.
func RegionVertices(center viewer.Point, size float64) []viewer.Point {
	half := size / 2
	return []viewer.Point{
		{center[0] - half, center[1] - half},
		{center[0] + half, center[1] - half},
		{center[0] + half, center[1] + half},
		{center[0] - half, center[1] + half},
	}
}

// annotationName derives the viewer-visible annotation name from the run id.
func annotationName(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "ROI-" + short
}

// formatCellCounts renders up to five cell counts as "type=count" pairs for
// card log lines. Keys are sorted for stable output.
func formatCellCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, 6)
	for i, k := range keys {
		if i == 5 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}

// composeSummary renders the run's collected results as a multi-line report.
func composeSummary(s State) string {
	lines := []string{
		"Analysis complete for slide: " + s.SlidePath,
		"Task: " + s.Task,
		"",
	}
	if s.Slide != nil {
		lines = append(lines, fmt.Sprintf("Slide dimensions: %dx%d (%d pyramid levels)",
			s.Slide.Width, s.Slide.Height, s.Slide.Levels))
	}
	lines = append(lines, fmt.Sprintf("Annotations created: %d", len(s.AnnotationIDs)))

	for i, metrics := range s.Metrics {
		if i >= len(s.AnnotationIDs) {
			break
		}
		lines = append(lines, "", fmt.Sprintf("Annotation %d:", s.AnnotationIDs[i]))
		lines = append(lines, fmt.Sprintf("  Area: %.2f sq pixels", metrics.Area))
		if len(metrics.CellCounts) == 0 {
			continue
		}
		lines = append(lines, "  Cell counts:")
		keys := make([]string, 0, len(metrics.CellCounts))
		for k := range metrics.CellCounts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		total := 0
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("    %s: %d", k, metrics.CellCounts[k]))
			total += metrics.CellCounts[k]
		}
		lines = append(lines, fmt.Sprintf("  Total cells: %d", total))
	}
	return strings.Join(lines, "\n")
}
