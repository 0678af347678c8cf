package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func moveEnvelope(completed bool) json.RawMessage {
	return textEnvelope(fmt.Sprintf(`{"completed":%t,"aborted":false,"position":[5000,4000],"zoom":2}`, completed), false)
}

func TestAwaitMoveCompletesImmediately(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{handler: func(string, map[string]any) (json.RawMessage, error) {
		return moveEnvelope(true), nil
	}}
	c := newTestClient(t, ft)

	state, err := c.AwaitMove(context.Background(), "mv-1", AwaitOptions{})
	if err != nil {
		t.Fatalf("await move: %v", err)
	}
	if !state.Completed {
		t.Fatal("expected completed state")
	}
	if ft.callCount() != 1 {
		t.Fatalf("expected a single probe, got %d", ft.callCount())
	}
}

func TestAwaitMoveCompletesAfterPolls(t *testing.T) {
	t.Parallel()
	probes := 0
	ft := &fakeTransport{handler: func(string, map[string]any) (json.RawMessage, error) {
		probes++
		return moveEnvelope(probes >= 3), nil
	}}
	c := newTestClient(t, ft)

	state, err := c.AwaitMove(context.Background(), "mv-1", AwaitOptions{
		Interval: time.Millisecond,
		Deadline: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("await move: %v", err)
	}
	if !state.Completed {
		t.Fatal("expected completed state")
	}
	if probes != 3 {
		t.Fatalf("expected 3 probes, got %d", probes)
	}
}

func TestAwaitMoveBoundaryCompletionIsSuccess(t *testing.T) {
	t.Parallel()
	// The interval exceeds the deadline, so the loop probes once, sleeps past
	// the deadline, and only the final probe can observe completion.
	deadline := 100 * time.Millisecond
	start := time.Now()
	ft := &fakeTransport{handler: func(string, map[string]any) (json.RawMessage, error) {
		return moveEnvelope(time.Since(start) >= deadline), nil
	}}
	c := newTestClient(t, ft)

	state, err := c.AwaitMove(context.Background(), "mv-1", AwaitOptions{
		Interval: 300 * time.Millisecond,
		Deadline: deadline,
	})
	if err != nil {
		t.Fatalf("completion at the deadline reported as failure: %v", err)
	}
	if !state.Completed {
		t.Fatal("expected completed state from the final probe")
	}
}

func TestAwaitMoveTimeout(t *testing.T) {
	t.Parallel()
	probes := 0
	ft := &fakeTransport{handler: func(string, map[string]any) (json.RawMessage, error) {
		probes++
		return moveEnvelope(false), nil
	}}
	c := newTestClient(t, ft)

	state, err := c.AwaitMove(context.Background(), "mv-1", AwaitOptions{
		Interval: time.Millisecond,
		Deadline: 20 * time.Millisecond,
	})
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected await timeout, got %v", err)
	}
	if state.Completed {
		t.Fatal("timed-out state reports completion")
	}
	if probes < 2 {
		t.Fatalf("expected looped probes plus a final one, got %d", probes)
	}
}

func TestAwaitMoveContextCanceled(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{handler: func(string, map[string]any) (json.RawMessage, error) {
		return moveEnvelope(false), nil
	}}
	c := newTestClient(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.AwaitMove(ctx, "mv-1", AwaitOptions{
		Interval: time.Second,
		Deadline: time.Minute,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
