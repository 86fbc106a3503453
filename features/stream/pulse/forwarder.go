// Package pulse fans hook bus events out to Pulse streams over Redis.
// Deployments register the Forwarder on the bus to tail capture, replay and
// proxy activity from other processes; Tail consumes the resulting streams.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/kurral/kurral/features/stream/pulse/clients/pulse"
	"github.com/kurral/kurral/runtime/hooks"
)

type (
	// Options configures the Forwarder.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// Stream names the target Pulse stream. Defaults to DefaultStream.
		Stream string
		// StreamID derives the target stream per event, overriding Stream.
		// RunStreamID routes events onto per-run streams.
		StreamID func(hooks.Event) (string, error)
		// OnPublished runs after each successful publish, e.g. to count or
		// trace fan-out.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// Forwarder implements hooks.Subscriber by publishing every bus event
	// onto a Pulse stream. Thread-safe for concurrent HandleEvent calls.
	Forwarder struct {
		client      clientspulse.Client
		streamID    func(hooks.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes one event successfully written to a stream.
	PublishedEvent struct {
		// Event is the bus event that was published.
		Event hooks.Event
		// StreamID is the stream the event landed on.
		StreamID string
		// EntryID is the Redis entry id assigned to the event.
		EntryID string
	}

	// Envelope is the wire form of a bus event on a Pulse stream. Payload
	// holds the JSON form of the concrete event.
	Envelope struct {
		Type      hooks.EventType `json:"type"`
		RunID     string          `json:"run_id"`
		KurralID  string          `json:"kurral_id,omitempty"`
		Timestamp int64           `json:"timestamp_ms"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// DefaultStream carries all bus events unless a StreamID override routes
// them elsewhere.
const DefaultStream = "kurral.events"

// NewForwarder constructs a Forwarder. The Client field in opts is required;
// Stream and StreamID default to publishing everything on DefaultStream.
func NewForwarder(opts Options) (*Forwarder, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func(hooks.Event) (string, error) { return name, nil }
	}
	return &Forwarder{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
	}, nil
}

var _ hooks.Subscriber = (*Forwarder)(nil)

// HandleEvent implements hooks.Subscriber. The event is wrapped in an
// Envelope and appended to the derived stream under its event type name.
func (f *Forwarder) HandleEvent(ctx context.Context, evt hooks.Event) error {
	streamID, err := f.streamID(evt)
	if err != nil {
		return err
	}
	handle, err := f.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	env := Envelope{
		Type:      evt.Type(),
		RunID:     evt.RunID(),
		KurralID:  evt.KurralID(),
		Timestamp: evt.Timestamp(),
		Payload:   payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	entryID, err := handle.Add(ctx, string(env.Type), body)
	if err != nil {
		return err
	}
	if f.onPublished != nil {
		return f.onPublished(ctx, PublishedEvent{Event: evt, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the forwarder's Pulse client.
func (f *Forwarder) Close(ctx context.Context) error {
	return f.client.Close(ctx)
}

// RunStreamID routes events onto per-run streams named run/<run id>. Events
// without a run id are rejected.
func RunStreamID(evt hooks.Event) (string, error) {
	if evt.RunID() == "" {
		return "", errors.New("bus event missing run id")
	}
	return "run/" + evt.RunID(), nil
}
