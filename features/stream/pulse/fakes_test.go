package pulse

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/kurral/kurral/features/stream/pulse/clients/pulse"
	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/determinism"
)

type (
	fakeClient struct {
		stream func(name string, opts ...streamopts.Stream) (clientspulse.Stream, error)
		closed bool
	}

	fakeStream struct {
		add     func(ctx context.Context, event string, payload []byte) (string, error)
		newSink func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error)
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		closed bool
	}
)

func (f *fakeClient) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	return f.stream(name, opts...)
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return f.add(ctx, event, payload)
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	return f.newSink(ctx, name, opts...)
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func sealedTestArtifact(t *testing.T) *artifact.Artifact {
	t.Helper()

	a := artifact.NewOpen()
	a.RunID = "run-123"
	require.NoError(t, a.RecordToolCall(artifact.ToolCall{
		ToolName: "get_weather",
		Inputs:   map[string]any{"city": "Paris"},
		Outputs:  map[string]any{"temp": 22.5},
		Status:   artifact.StatusOK,
	}))
	require.NoError(t, a.Seal(determinism.New()))
	return a
}
