package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/kurral/kurral/features/stream/pulse/clients/pulse"
)

// Streams wires a caller-provided Pulse client into the event fan-out. It
// owns the publishing Forwarder (registered on the hook bus) and can spawn
// Tail consumers that reuse the same client so services do not need to
// manage multiple Pulse connections.
type Streams struct {
	fwd    *Forwarder
	client clientspulse.Client
}

// StreamsOptions configures the helper returned by NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for both publishing and consuming. It
	// is required and typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Forwarder holds optional overrides for the publishing side (stream
	// routing, publish callback). Leave zero-valued for defaults.
	Forwarder Options
}

// NewStreams constructs helpers for publishing hook bus events to Pulse and
// consuming the resulting streams. Callers register the returned Forwarder
// on the bus and keep the helper around to create Tail consumers later on.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	fwdOpts := opts.Forwarder
	fwdOpts.Client = opts.Client
	fwd, err := NewForwarder(fwdOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{fwd: fwd, client: opts.Client}, nil
}

// Forwarder exposes the publishing subscriber so callers can register it on
// the hook bus.
func (s *Streams) Forwarder() *Forwarder {
	return s.fwd
}

// NewTail constructs a Tail that reuses the helper's client. This keeps
// publishing and consumption on the same Redis connection pool.
func (s *Streams) NewTail(opts TailOptions) (*Tail, error) {
	opts.Client = s.client
	return NewTail(opts)
}

// Close shuts down the publishing side (and therefore the underlying Pulse
// client). Call this during service shutdown after all tails have been
// canceled.
func (s *Streams) Close(ctx context.Context) error {
	return s.fwd.Close(ctx)
}
