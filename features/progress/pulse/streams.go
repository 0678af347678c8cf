package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/pathscope/slidepilot/features/progress/pulse/clients/pulse"
	"github.com/pathscope/slidepilot/runtime/progress"
)

type (
	// Streams wires a caller-provided Pulse client into the slidepilot
	// runtime. It owns a publishing sink (handed to the workflow engine) and
	// can spawn subscribers that reuse the same client so services do not
	// manage multiple Pulse connections.
	Streams struct {
		sink   *Sink
		client clientspulse.Client
	}

	// StreamsOptions configures the helper returned by NewStreams.
	StreamsOptions struct {
		// Client is the Pulse client used for both publishing and
		// subscribing. Required; typically built via
		// features/progress/pulse/clients/pulse.
		Client clientspulse.Client
		// Sink holds optional overrides for the publishing sink. Leave
		// zero-valued for defaults.
		Sink Options
	}
)

// NewStreams constructs helpers for publishing run progress to Pulse and
// subscribing to the resulting streams. Callers pass the returned sink to
// the engine and keep the helper around to create subscribers (e.g., SSE
// fan-out across processes) later on.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can pass it to the engine.
func (s *Streams) Sink() progress.Sink {
	return s.sink
}

// NewSubscriber constructs a subscriber that reuses the helper's client,
// keeping publishing and consumption on the same Redis connection pool.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink. Call during service shutdown after
// all subscribers have been canceled.
func (s *Streams) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
