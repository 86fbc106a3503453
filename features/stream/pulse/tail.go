package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/kurral/kurral/features/stream/pulse/clients/pulse"
)

type (
	// TailOptions configures a Tail consumer.
	TailOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "kurral_tail".
		SinkName string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Tail consumes Pulse streams and emits decoded envelopes. Envelopes
	// are acknowledged after they are handed to the consumer, so a crashed
	// tail picks up unacknowledged events on restart.
	Tail struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewTail constructs a stream consumer. The Client field in opts is required;
// SinkName and Buffer default when zero.
func NewTail(opts TailOptions) (*Tail, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "kurral_tail"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Tail{
		client: opts.Client,
		buffer: buffer,
		name:   name,
	}, nil
}

// Subscribe opens a consumer group on the given stream and returns channels
// for envelopes and errors. A goroutine consumes from the sink, decodes
// envelopes, and acknowledges each one after emission. The returned cancel
// function stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	envs, errs, cancel, err := tail.Subscribe(ctx, pulse.DefaultStream)
//	defer cancel()
//	for env := range envs {
//	    // process envelope
//	}
func (t *Tail) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	str, err := t.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, t.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan Envelope, t.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go t.consume(runCtx, sink, envs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envs, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them, and emits
// them on the out channel, acking each after emission. Both channels close
// when ctx is canceled or the sink channel closes. Decode and ack failures
// go to errs, then consumption stops.
func (t *Tail) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
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
			var env Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("decode envelope: %w", err)
				return
			}
			select {
			case out <- env:
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
