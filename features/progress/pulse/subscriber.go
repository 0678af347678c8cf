package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/pathscope/slidepilot/features/progress/pulse/clients/pulse"
	"github.com/pathscope/slidepilot/runtime/progress"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into progress
	// events. Custom decoders can handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (progress.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "slidepilot_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in JSON
		// decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits progress events. It wraps a
	// Pulse sink (consumer group) and decodes incoming payloads.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; the remaining fields default per their documentation.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "slidepilot_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream ID and returns channels
// for events and errors. It spawns a goroutine that consumes from the sink,
// decodes payloads, and emits progress events. The returned cancel function
// stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "run/abc123")
//	defer cancel()
//	for ev := range events {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan progress.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan progress.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink channel, decodes them, and emits
// them on out. Each entry is acked after emission. Both channels close when
// ctx is canceled or the sink channel closes; decode or ack trouble lands on
// errs and stops consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- progress.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope and extracts the
// progress event. Envelope-level run id and timestamp fill in payloads from
// older publishers that omitted them.
func decodeEnvelope(payload []byte) (progress.Event, error) {
	var env struct {
		Type      string         `json:"type"`
		RunID     string         `json:"run_id"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   progress.Event `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return progress.Event{}, err
	}
	ev := env.Payload
	if ev.RunID == "" {
		ev.RunID = env.RunID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = env.Timestamp
	}
	return ev, nil
}
