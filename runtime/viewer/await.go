package viewer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Completion poll settings. The viewer pushes no completion signal for
// animated operations, so waiting is a bounded poll at a fixed interval.
const (
	// DefaultAwaitInterval is the pause between completion probes.
	DefaultAwaitInterval = 50 * time.Millisecond
	// DefaultAwaitDeadline bounds the whole wait.
	DefaultAwaitDeadline = 5 * time.Second
)

// ErrAwaitTimeout reports that an animated operation was still incomplete at
// the await deadline.
var ErrAwaitTimeout = errors.New("await deadline exceeded")

// AwaitOptions configures the completion poll.
type AwaitOptions struct {
	Interval time.Duration
	Deadline time.Duration
}

// AwaitMove blocks until the move identified by token completes or the
// deadline passes. Exactly one final probe is issued after the deadline, so
// a move that completed on the boundary reports success rather than a
// timeout. On timeout the returned state is the final probe's answer and the
// error wraps ErrAwaitTimeout.
func (c *Client) AwaitMove(ctx context.Context, token string, opts AwaitOptions) (MoveState, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultAwaitInterval
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultAwaitDeadline
	}

	start := time.Now()
	for time.Since(start) < deadline {
		state, err := c.MoveStatus(ctx, token)
		if err != nil {
			return MoveState{}, err
		}
		if state.Completed {
			return state, nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return MoveState{}, ctx.Err()
		}
	}

	state, err := c.MoveStatus(ctx, token)
	if err != nil {
		return MoveState{}, err
	}
	if state.Completed {
		return state, nil
	}
	return state, fmt.Errorf("move %s incomplete after %s: %w", token, deadline, ErrAwaitTimeout)
}
