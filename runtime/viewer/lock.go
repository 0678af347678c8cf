package viewer

import (
	"context"
	"errors"
	"time"

	"github.com/pathscope/slidepilot/runtime/mcp"
)

// DefaultLockTTL caps how long an exclusive navigation lock is held before
// the viewer reclaims it.
const DefaultLockTTL = 5 * time.Minute

// LockOutcome tags the result of a lock attempt.
type LockOutcome int

// Lock attempt outcomes.
const (
	// LockAcquired means the viewer granted an exclusive token.
	LockAcquired LockOutcome = iota
	// LockUnsupported means the viewer does not implement the lock
	// capability.
	LockUnsupported
	// LockFailed covers every other failure.
	LockFailed
)

// LockAttempt is the outcome of TryLock, reported as data: Token is set only
// for LockAcquired, Err only for LockFailed.
type LockAttempt struct {
	Outcome LockOutcome
	Token   string
	Err     error
}

// LockState reports who holds the navigation lock.
type LockState struct {
	Locked bool   `json:"locked"`
	Owner  string `json:"owner"`
}

// TryLock requests the exclusive navigation lock. A zero ttl uses
// DefaultLockTTL.
func (c *Client) TryLock(ctx context.Context, owner string, ttl time.Duration) LockAttempt {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	var result struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, "nav.lock", map[string]any{
		"owner":       owner,
		"ttl_seconds": int(ttl / time.Second),
	}, &result)
	if err != nil {
		var nerr *NotImplementedError
		if errors.As(err, &nerr) {
			return LockAttempt{Outcome: LockUnsupported}
		}
		return LockAttempt{Outcome: LockFailed, Err: err}
	}
	if result.Token == "" {
		return LockAttempt{Outcome: LockFailed, Err: &mcp.ProtocolError{Reason: "nav.lock returned no token"}}
	}
	return LockAttempt{Outcome: LockAcquired, Token: result.Token}
}

// Unlock releases a navigation lock token.
func (c *Client) Unlock(ctx context.Context, token string) error {
	return c.call(ctx, "nav.unlock", map[string]any{"token": token}, nil)
}

// LockStatus reports the lock's current holder.
func (c *Client) LockStatus(ctx context.Context) (LockState, error) {
	var state LockState
	err := c.call(ctx, "nav.status", nil, &state)
	return state, err
}
