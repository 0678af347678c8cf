// Package pulse exposes a progress.Sink implementation that publishes run
// events to goa.design/pulse streams. It mirrors the layering used by the
// Mongo store: services build a Redis client, pass it to the Pulse client,
// and hand the resulting sink to the workflow engine. Each run publishes
// into its own stream so dashboards can follow a single analysis.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/pathscope/slidepilot/features/progress/pulse/clients/pulse"
	"github.com/pathscope/slidepilot/runtime/progress"
)

const (
	// EventRunUpdate names stream entries that carry run-level transitions.
	EventRunUpdate = "run_update"
	// EventStepUpdate names stream entries that carry per-step transitions.
	EventStepUpdate = "step_update"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `run/<RunID>`.
		StreamID func(progress.Event) (string, error)
		// OnPublished is invoked after each successful publish. Errors it
		// returns propagate to the caller.
		OnPublished func(context.Context, PublishedEvent) error
		// MarshalEnvelope overrides the envelope serialization (primarily for
		// tests).
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Sink publishes progress events into Pulse streams. Safe for concurrent
	// Publish calls.
	Sink struct {
		client clientspulse.Client
		opts   sinkOptions
	}

	// PublishedEvent describes one event that reached its stream.
	PublishedEvent struct {
		// Event is the progress event that was published.
		Event progress.Event
		// StreamID is the Pulse stream the event landed in.
		StreamID string
		// EntryID is the Redis entry ID assigned to the event.
		EntryID string
	}

	// Envelope wraps progress events for transmission over Pulse streams.
	Envelope struct {
		// Type identifies the entry kind, run_update or step_update.
		Type string `json:"type"`
		// RunID links the entry to a run.
		RunID string `json:"run_id"`
		// Timestamp records when the entry was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the full progress event.
		Payload progress.Event `json:"payload"`
	}

	sinkOptions struct {
		streamID        func(progress.Event) (string, error)
		onPublished     func(context.Context, PublishedEvent) error
		marshalEnvelope func(Envelope) ([]byte, error)
	}
)

// NewSink constructs a Pulse-backed progress sink. The Client field in opts
// is required; the remaining fields default to built-in implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.OnPublished != nil {
		cfg.onPublished = opts.OnPublished
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Publish implements progress.Sink. It derives the stream ID, wraps the
// event in an envelope, and appends it to the stream.
func (s *Sink) Publish(ctx context.Context, ev progress.Event) error {
	streamID, err := s.opts.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      EntryType(ev),
		RunID:     ev.RunID,
		Timestamp: time.Now().UTC(),
		Payload:   ev,
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{Event: ev, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// EntryType returns the stream entry name for the event: step events map to
// step_update, everything else to run_update.
func EntryType(ev progress.Event) string {
	if ev.Step != "" {
		return EventStepUpdate
	}
	return EventRunUpdate
}

func defaultStreamID(ev progress.Event) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("progress event missing run id")
	}
	return fmt.Sprintf("run/%s", ev.RunID), nil
}

func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
