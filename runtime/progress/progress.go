// Package progress defines the events a run emits as it moves through its
// pipeline and the sinks they fan out to. Publishing is best-effort
// everywhere: a sink that fails never fails the run that fed it.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event levels, mirrored onto progress card log lines.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

type (
	// Event is one status update from a run: which step produced it, the
	// run's status at that moment, and a human-readable line.
	Event struct {
		RunID     string    `json:"run_id"`
		Step      string    `json:"step,omitempty"`
		Status    string    `json:"status"`
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Sink receives run events. Implementations must be safe for concurrent
	// use.
	Sink interface {
		Publish(ctx context.Context, ev Event) error
	}

	// SinkFunc adapts a function to implement Sink.
	SinkFunc func(ctx context.Context, ev Event) error

	// Broadcaster fans events out to any number of subscribers.
	// Implementations must be safe for concurrent use.
	Broadcaster interface {
		Subscribe(ctx context.Context) (Subscription, error)
		Publish(ev Event)
		Close() error
	}

	// Subscription exposes a channel of events and a Close method that
	// removes the subscriber and closes the channel exactly once.
	Subscription interface {
		C() <-chan Event
		Close() error
	}

	channelBroadcaster struct {
		mu     sync.RWMutex
		subs   map[chan Event]struct{}
		buf    int
		drop   bool
		closed bool
	}

	subscription struct {
		ch     chan Event
		parent *channelBroadcaster
		once   sync.Once
	}

	broadcastSink struct {
		b Broadcaster
	}

	multiSink struct {
		sinks []Sink
	}
)

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// NewBroadcaster constructs an in-memory Broadcaster backed by buffered
// channels. When drop is true, slow subscribers are skipped instead of
// blocking publishers. Use for single-process fan-out such as an SSE feed.
func NewBroadcaster(buf int, drop bool) Broadcaster {
	if buf < 0 {
		buf = 0
	}
	return &channelBroadcaster{subs: make(map[chan Event]struct{}), buf: buf, drop: drop}
}

// BroadcastSink adapts a Broadcaster into a Sink.
func BroadcastSink(b Broadcaster) Sink {
	return &broadcastSink{b: b}
}

// MultiSink publishes every event to each sink in order and joins their
// errors.
func MultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (s *broadcastSink) Publish(_ context.Context, ev Event) error {
	s.b.Publish(ev)
	return nil
}

func (s *multiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *channelBroadcaster) Subscribe(ctx context.Context) (Subscription, error) {
	ch := make(chan Event, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return &subscription{ch: ch, parent: nil}, nil
	}
	b.subs[ch] = struct{}{}
	s := &subscription{ch: ch, parent: b}
	b.mu.Unlock()
	// Auto-unsubscribe when the context is cancelled.
	if ctx.Done() != nil {
		go func() { <-ctx.Done(); _ = s.Close() }()
	}
	return s, nil
}

// Publish broadcasts the event to all current subscribers. When drop is
// false, a slow subscriber blocks publishing to all others.
func (b *channelBroadcaster) Publish(ev Event) {
	b.mu.RLock()
	for ch := range b.subs {
		if b.drop {
			select {
			case ch <- ev:
			default:
			}
		} else {
			ch <- ev
		}
	}
	b.mu.RUnlock()
}

func (b *channelBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	return nil
}

func (s *subscription) C() <-chan Event { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.parent != nil {
			s.parent.mu.Lock()
			delete(s.parent.subs, s.ch)
			close(s.ch)
			s.parent.mu.Unlock()
		}
	})
	return nil
}
