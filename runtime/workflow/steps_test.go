package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/pathscope/slidepilot/runtime/mcp"
	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/viewer"
)

func TestPlanRegionDefaultsToSlideCenter(t *testing.T) {
	t.Parallel()
	tk := newTestToolkit(t, newStubTransport(happyTools()))
	s := State{RunID: "run-1", Status: run.StatusRunning, Slide: &viewer.Slide{Width: 10000, Height: 8000}}

	next, err := stepPlanRegion(context.Background(), tk, s)
	require.NoError(t, err)
	require.Equal(t, []viewer.Point{
		{4500, 3500},
		{5500, 3500},
		{5500, 4500},
		{4500, 4500},
	}, next.PlannedVertices)
	require.Len(t, next.Steps, 1)
	require.Equal(t, StepPlanRegion, next.Steps[0].Step)
	require.Equal(t, 4, next.Steps[0].Result["vertex_count"])
}

func TestPlanRegionHonorsHint(t *testing.T) {
	t.Parallel()
	tk := newTestToolkit(t, newStubTransport(happyTools()))
	s := State{
		RunID:  "run-1",
		Status: run.StatusRunning,
		Slide:  &viewer.Slide{Width: 10000, Height: 8000},
		Hint:   &RegionHint{Center: &viewer.Point{2000, 1500}, Size: 400},
	}

	next, err := stepPlanRegion(context.Background(), tk, s)
	require.NoError(t, err)
	require.Equal(t, []viewer.Point{
		{1800, 1300},
		{2200, 1300},
		{2200, 1700},
		{1800, 1700},
	}, next.PlannedVertices)
}

func TestPlanRegionHintSizeOnly(t *testing.T) {
	t.Parallel()
	tk := newTestToolkit(t, newStubTransport(happyTools()))
	s := State{
		RunID:  "run-1",
		Status: run.StatusRunning,
		Slide:  &viewer.Slide{Width: 10000, Height: 8000},
		Hint:   &RegionHint{Size: 500},
	}

	next, err := stepPlanRegion(context.Background(), tk, s)
	require.NoError(t, err)
	require.Equal(t, []viewer.Point{
		{4750, 3750},
		{5250, 3750},
		{5250, 4250},
		{4750, 4250},
	}, next.PlannedVertices)
}

func TestPlanRegionRequiresSlide(t *testing.T) {
	t.Parallel()
	tk := newTestToolkit(t, newStubTransport(happyTools()))

	_, err := stepPlanRegion(context.Background(), tk, State{RunID: "run-1", Status: run.StatusRunning})
	var perr *StepPreconditionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, StepPlanRegion, perr.Step)
}

func TestRegionVerticesProperties(t *testing.T) {
	t.Parallel()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("square in top-left, top-right, bottom-right, bottom-left order", prop.ForAll(
		func(cx, cy, size float64) bool {
			v := RegionVertices(viewer.Point{cx, cy}, size)
			if len(v) != 4 {
				return false
			}
			half := size / 2
			want := []viewer.Point{
				{cx - half, cy - half},
				{cx + half, cy - half},
				{cx + half, cy + half},
				{cx - half, cy + half},
			}
			for i := range want {
				if v[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 100000),
		gen.Float64Range(0, 100000),
		gen.Float64Range(1, 5000),
	))

	properties.TestingRun(t)
}

func TestAcquireLockStoresToken(t *testing.T) {
	t.Parallel()
	transport := newStubTransport(happyTools())
	tk := newTestToolkit(t, transport)

	next, err := stepAcquireLock(context.Background(), tk, State{RunID: "run-1", Status: run.StatusRunning})
	require.NoError(t, err)
	require.True(t, next.LockHeld)
	require.False(t, next.LockPlaceholder)
	require.Equal(t, "tok-1", next.LockToken)

	calls := transport.callsFor("nav.lock")
	require.Len(t, calls, 1)
	require.Equal(t, "run-1", calls[0].Args["owner"])
	require.EqualValues(t, 60, calls[0].Args["ttl_seconds"])
}

func TestAcquireLockFallsBackToPlaceholder(t *testing.T) {
	t.Parallel()
	tools := happyTools()
	tools["nav.lock"] = failTool("Tool nav.lock is not yet implemented")
	tk := newTestToolkit(t, newStubTransport(tools))

	s := State{RunID: "0d9f1c2b-aaaa-bbbb-cccc-111122223333", Status: run.StatusRunning}
	next, err := stepAcquireLock(context.Background(), tk, s)
	require.NoError(t, err)
	require.True(t, next.LockHeld)
	require.True(t, next.LockPlaceholder)
	require.Equal(t, PlaceholderToken(s.RunID), next.LockToken)
	require.Len(t, next.Steps, 1)
	require.Equal(t, true, next.Steps[0].Result["placeholder"])
}

func TestAcquireLockSurfacesOtherFailures(t *testing.T) {
	t.Parallel()
	tools := happyTools()
	tools["nav.lock"] = failTool("lock already held by pathologist")
	tk := newTestToolkit(t, newStubTransport(tools))

	_, err := stepAcquireLock(context.Background(), tk, State{RunID: "run-1", Status: run.StatusRunning})
	require.Error(t, err)
	require.Contains(t, err.Error(), "lock failed")
}

func TestBaselineViewToleratesMissingSnapshot(t *testing.T) {
	t.Parallel()
	tools := happyTools()
	tools["capture_snapshot"] = failTool("Tool capture_snapshot is not yet implemented")
	tk := newTestToolkit(t, newStubTransport(tools))

	next, err := stepResetToBaseline(context.Background(), tk, State{RunID: "run-1", Status: run.StatusRunning})
	require.NoError(t, err)
	require.Empty(t, next.SnapshotURL)
	require.Len(t, next.Steps, 1)
	require.Equal(t, "not_captured", next.Steps[0].Result["snapshot"])
}

func TestBaselineViewFailsOnTransportError(t *testing.T) {
	t.Parallel()
	tools := happyTools()
	tools["capture_snapshot"] = func(map[string]any) (any, error) {
		return nil, &mcp.TransportError{Op: "post", Err: errors.New("connection reset")}
	}
	tk := newTestToolkit(t, newStubTransport(tools))

	_, err := stepResetToBaseline(context.Background(), tk, State{RunID: "run-1", Status: run.StatusRunning})
	require.Error(t, err)
	require.Contains(t, err.Error(), "baseline view failed")
}

func TestSurveyTreatsNavigationTimeoutAsWarning(t *testing.T) {
	t.Parallel()
	tools := happyTools()
	tools["await_move"] = func(map[string]any) (any, error) {
		return map[string]any{"completed": false, "aborted": false, "position": []float64{0, 0}, "zoom": 1.0}, nil
	}
	transport := newStubTransport(tools)
	tk := newTestToolkit(t, transport)

	s := State{RunID: "run-1", Status: run.StatusRunning, Slide: &viewer.Slide{Width: 10000, Height: 8000}}
	next, err := stepSurvey(context.Background(), tk, s)
	require.NoError(t, err)
	require.Len(t, next.Steps, 1)
	require.Equal(t, "move-1", next.Steps[0].Result["move_token"])
	// The deadline probe plus at least one scheduled probe.
	require.GreaterOrEqual(t, transport.count("await_move"), 2)
}

func TestAnnotateRegionRequiresPlannedVertices(t *testing.T) {
	t.Parallel()
	tk := newTestToolkit(t, newStubTransport(happyTools()))

	_, err := stepAnnotateRegion(context.Background(), tk, State{RunID: "run-1", Status: run.StatusRunning})
	var perr *StepPreconditionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, StepAnnotateRegion, perr.Step)
}

func TestAnnotateRegionRecordsMetrics(t *testing.T) {
	t.Parallel()
	transport := newStubTransport(happyTools())
	tk := newTestToolkit(t, transport)

	s := State{
		RunID:           "run-1",
		Status:          run.StatusRunning,
		PlannedVertices: RegionVertices(viewer.Point{5000, 4000}, 1000),
	}
	next, err := stepAnnotateRegion(context.Background(), tk, s)
	require.NoError(t, err)
	require.Equal(t, []int{7}, next.AnnotationIDs)
	require.Len(t, next.Metrics, 1)
	require.Equal(t, 120, next.Metrics[0].CellCounts["tumor"])

	calls := transport.callsFor("create_annotation")
	require.Len(t, calls, 1)
	require.Equal(t, "ROI-run-1", calls[0].Args["name"])
}

func TestReleaseWithoutLockIsIdempotent(t *testing.T) {
	t.Parallel()
	transport := newStubTransport(happyTools())
	tk := newTestToolkit(t, transport)

	next, err := stepRelease(context.Background(), tk, State{RunID: "run-1", Status: run.StatusRunning})
	require.NoError(t, err)
	require.False(t, next.LockHeld)
	require.Equal(t, run.StatusCompleted, next.Status)
	require.Zero(t, transport.count("nav.unlock"))
	require.Len(t, next.Steps, 1)
	require.Equal(t, false, next.Steps[0].Result["lock_released"])
}

func TestReleasePreservesFailedStatus(t *testing.T) {
	t.Parallel()
	transport := newStubTransport(happyTools())
	tk := newTestToolkit(t, transport)

	s := State{
		RunID:     "run-1",
		Status:    run.StatusFailed,
		Error:     "survey failed: tool move_camera: boom",
		LockHeld:  true,
		LockToken: "tok-1",
	}
	next, err := stepRelease(context.Background(), tk, s)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, next.Status)
	require.False(t, next.LockHeld)
	require.Equal(t, 1, transport.count("nav.unlock"))
}

func TestReleaseSwallowsUnlockFailure(t *testing.T) {
	t.Parallel()
	tools := happyTools()
	tools["nav.unlock"] = failTool("lock expired")
	tk := newTestToolkit(t, newStubTransport(tools))

	s := State{RunID: "run-1", Status: run.StatusRunning, LockHeld: true, LockToken: "tok-1"}
	next, err := stepRelease(context.Background(), tk, s)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, next.Status)
	require.False(t, next.LockHeld)
}

func TestReleasePlaceholderTokenDoesNotError(t *testing.T) {
	t.Parallel()
	tools := happyTools()
	tools["nav.unlock"] = failTool("Tool nav.unlock is not yet implemented")
	tk := newTestToolkit(t, newStubTransport(tools))

	s := State{
		RunID:           "run-1",
		Status:          run.StatusRunning,
		LockHeld:        true,
		LockToken:       PlaceholderToken("run-1"),
		LockPlaceholder: true,
	}
	next, err := stepRelease(context.Background(), tk, s)
	require.NoError(t, err)
	require.False(t, next.LockHeld)
	require.Equal(t, run.StatusCompleted, next.Status)
}

func TestComposeSummary(t *testing.T) {
	t.Parallel()
	s := State{
		SlidePath:     "/slides/case-42.svs",
		Task:          "tumor census",
		Slide:         &viewer.Slide{Width: 10000, Height: 8000, Levels: 4},
		AnnotationIDs: []int{7},
		Metrics: []viewer.RegionMetrics{{
			Area:       1000000,
			CellCounts: map[string]int{"tumor": 120, "stroma": 80},
		}},
	}
	summary := composeSummary(s)
	require.Contains(t, summary, "Analysis complete for slide: /slides/case-42.svs")
	require.Contains(t, summary, "Task: tumor census")
	require.Contains(t, summary, "Slide dimensions: 10000x8000 (4 pyramid levels)")
	require.Contains(t, summary, "Annotations created: 1")
	require.Contains(t, summary, "Annotation 7:")
	require.Contains(t, summary, "Area: 1000000.00 sq pixels")
	require.Contains(t, summary, "stroma: 80")
	require.Contains(t, summary, "Total cells: 200")
}

func TestFormatCellCounts(t *testing.T) {
	t.Parallel()
	require.Empty(t, formatCellCounts(nil))
	require.Equal(t, "stroma=80, tumor=120", formatCellCounts(map[string]int{"tumor": 120, "stroma": 80}))
	many := map[string]int{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}
	require.Equal(t, "a=1, b=2, c=3, d=4, e=5, ...", formatCellCounts(many))
}

func TestAnnotationName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "ROI-0d9f1c2b", annotationName("0d9f1c2b-1111-2222-3333-444455556666"))
	require.Equal(t, "ROI-run", annotationName("run"))
}
