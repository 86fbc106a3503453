package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/store"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestStoreDelegatesToClient(t *testing.T) {
	a := artifact.NewOpen()
	a.RunID = "run-1"
	entries := []store.IndexEntry{{KurralID: a.KurralID, RunID: "run-1", CreatedAt: time.Unix(10, 0).UTC()}}
	client := &stubClient{artifact: a, entries: entries}

	s, err := NewStore(client)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, a))
	assert.Equal(t, []string{"put"}, client.calls)

	got, err := s.Get(ctx, a.KurralID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = s.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	assert.Same(t, a, got)

	listed, err := s.List(ctx, store.Filter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, entries, listed)

	require.NoError(t, s.Delete(ctx, a.KurralID))
	assert.Equal(t, []string{"put", "get", "getByRunID", "list", "delete"}, client.calls)
}

type stubClient struct {
	artifact *artifact.Artifact
	entries  []store.IndexEntry
	calls    []string
}

func (c *stubClient) Name() string               { return "stub" }
func (c *stubClient) Ping(context.Context) error { return nil }

func (c *stubClient) Put(_ context.Context, _ *artifact.Artifact) error {
	c.calls = append(c.calls, "put")
	return nil
}

func (c *stubClient) Get(_ context.Context, _ string) (*artifact.Artifact, error) {
	c.calls = append(c.calls, "get")
	return c.artifact, nil
}

func (c *stubClient) GetByRunID(_ context.Context, _ string) (*artifact.Artifact, error) {
	c.calls = append(c.calls, "getByRunID")
	return c.artifact, nil
}

func (c *stubClient) List(_ context.Context, _ store.Filter) ([]store.IndexEntry, error) {
	c.calls = append(c.calls, "list")
	return c.entries, nil
}

func (c *stubClient) Delete(_ context.Context, _ string) error {
	c.calls = append(c.calls, "delete")
	return nil
}
