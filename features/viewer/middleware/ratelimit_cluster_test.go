package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"goa.design/pulse/rmap"
)

// fakeBudgetMap implements clusterMap in memory. The limiter's reconcile and
// publish goroutines touch it concurrently with the test, so every access
// holds the mutex.
type fakeBudgetMap struct {
	mu     sync.Mutex
	budget map[string]string
	events chan rmap.EventKind
}

func newFakeBudgetMap() *fakeBudgetMap {
	return &fakeBudgetMap{
		budget: make(map[string]string),
		events: make(chan rmap.EventKind, 8),
	}
}

func (f *fakeBudgetMap) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.budget[key]
	return v, ok
}

func (f *fakeBudgetMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.budget[key]; ok {
		return false, nil
	}
	f.budget[key] = value
	f.notify()
	return true, nil
}

func (f *fakeBudgetMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.budget[key]
	if cur != test {
		return cur, nil
	}
	f.budget[key] = value
	f.notify()
	return cur, nil
}

func (f *fakeBudgetMap) Subscribe() <-chan rmap.EventKind {
	return f.events
}

// set mimics another pilot process writing the shared budget.
func (f *fakeBudgetMap) set(key, value string) {
	f.mu.Lock()
	f.budget[key] = value
	f.notify()
	f.mu.Unlock()
}

func (f *fakeBudgetMap) notify() {
	select {
	case f.events <- rmap.EventChange:
	default:
	}
}

func currentRPM(l *AdaptiveRateLimiter) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRPM
}

// waitFor polls cond until it holds or the deadline passes. The limiter
// publishes budget changes from spawned goroutines, so map-side effects are
// only eventually visible.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// The cluster key names the viewer workstation whose capacity the budget
// guards.
const budgetKey = "scanner-7"

func TestClusterLimiter_SeedsEmptyBudget(t *testing.T) {
	t.Helper()

	m := newFakeBudgetMap()
	lim := newClusterAdaptiveRateLimiter(context.Background(), m, budgetKey, 600, 1200)

	v, ok := m.Get(budgetKey)
	if !ok {
		t.Fatal("expected the constructor to seed the shared budget")
	}
	if v != "600" {
		t.Fatalf("expected seeded budget 600, got %s", v)
	}
	if got := currentRPM(lim); got != 600 {
		t.Fatalf("expected local budget 600, got %f", got)
	}
}

func TestClusterLimiter_AdoptsPublishedBudget(t *testing.T) {
	t.Helper()

	m := newFakeBudgetMap()
	m.set(budgetKey, "150")

	lim := newClusterAdaptiveRateLimiter(context.Background(), m, budgetKey, 600, 1200)

	if got := currentRPM(lim); got != 150 {
		t.Fatalf("expected the limiter to adopt the published budget 150, got %f", got)
	}
}

func TestClusterLimiter_BackoffPublishesLoweredBudget(t *testing.T) {
	t.Helper()

	m := newFakeBudgetMap()
	m.set(budgetKey, "600")

	lim := newClusterAdaptiveRateLimiter(context.Background(), m, budgetKey, 600, 600)
	wrapped := lim.Middleware()(&fakeTransport{callErr: busyError()})

	_, _ = wrapped.Call(context.Background(), "tools/call", map[string]any{"name": "load_slide"})

	waitFor(t, func() bool {
		v, ok := m.Get(budgetKey)
		if !ok {
			return false
		}
		n, err := strconv.Atoi(v)
		return err == nil && n < 600
	}, "expected the shared budget to drop after a busy viewer")
}

func TestClusterLimiter_SuccessRaisesSharedBudget(t *testing.T) {
	t.Helper()

	m := newFakeBudgetMap()
	m.set(budgetKey, "300")

	lim := newClusterAdaptiveRateLimiter(context.Background(), m, budgetKey, 600, 1200)
	wrapped := lim.Middleware()(&fakeTransport{})

	if _, err := wrapped.Call(context.Background(), "tools/call", map[string]any{"name": "get_slide_info"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool {
		v, ok := m.Get(budgetKey)
		if !ok {
			return false
		}
		n, err := strconv.Atoi(v)
		return err == nil && n > 300
	}, "expected the shared budget to grow after a successful call")
}

func TestClusterLimiter_FollowsExternalBudgetChanges(t *testing.T) {
	t.Helper()

	m := newFakeBudgetMap()
	lim := newClusterAdaptiveRateLimiter(context.Background(), m, budgetKey, 600, 1200)

	// Another pilot halves the budget twice before this one sends anything.
	m.set(budgetKey, "90")

	waitFor(t, func() bool {
		return currentRPM(lim) == 90
	}, "expected the limiter to reconcile with the external budget")
}

func TestClusterLimiter_BlankKeyStaysLocal(t *testing.T) {
	t.Helper()

	m := newFakeBudgetMap()
	lim := newClusterAdaptiveRateLimiter(context.Background(), m, "", 600, 1200)

	if _, ok := m.Get(budgetKey); ok {
		t.Fatal("expected no shared budget without a cluster key")
	}
	if got := currentRPM(lim); got != 600 {
		t.Fatalf("expected a process-local limiter at 600, got %f", got)
	}
}
