package mongo

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/determinism"
	"github.com/kurral/kurral/runtime/store"
)

func sealedArtifact(t *testing.T, runID string, createdAt time.Time) *artifact.Artifact {
	t.Helper()

	a := artifact.NewOpen()
	a.RunID = runID
	a.CreatedAt = createdAt
	a.TenantID = "tenant-a"
	a.SemanticBuckets = []string{"support", "billing"}
	require.NoError(t, a.RecordToolCall(artifact.ToolCall{
		ToolName: "lookup_invoice",
		Inputs:   map[string]any{"invoice": "INV-7"},
		Outputs:  map[string]any{"total": 41.5},
		Status:   artifact.StatusOK,
	}))
	require.NoError(t, a.Seal(determinism.New()))
	return a
}

func TestClientPutUpsertsByKurralID(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()

	a := sealedArtifact(t, "run-1", time.Unix(100, 0).UTC())
	require.NoError(t, c.Put(ctx, a))
	require.Len(t, coll.docs, 1)
	assert.Equal(t, a.KurralID, coll.docs[0].KurralID)
	assert.Equal(t, "run-1", coll.docs[0].RunID)
	assert.Equal(t, "tenant-a", coll.docs[0].TenantID)

	// A second write for the same id replaces the document.
	require.NoError(t, c.Put(ctx, a))
	require.Len(t, coll.docs, 1)

	got, err := c.Get(ctx, a.KurralID)
	require.NoError(t, err)
	assert.Equal(t, a.KurralID, got.KurralID)
	assert.Equal(t, a.RunID, got.RunID)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "lookup_invoice", got.ToolCalls[0].ToolName)
}

func TestClientPutRequiresKurralID(t *testing.T) {
	t.Parallel()

	c := &client{coll: newFakeCollection()}
	err := c.Put(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrArtifactInvalid)
}

func TestClientGetNotFound(t *testing.T) {
	t.Parallel()

	c := &client{coll: newFakeCollection()}
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientGetByRunIDPicksNewest(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()

	older := sealedArtifact(t, "run-7", time.Unix(100, 0).UTC())
	newer := sealedArtifact(t, "run-7", time.Unix(200, 0).UTC())
	require.NoError(t, c.Put(ctx, older))
	require.NoError(t, c.Put(ctx, newer))

	got, err := c.GetByRunID(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, newer.KurralID, got.KurralID)

	_, err = c.GetByRunID(ctx, "run-absent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientListFiltersAndLimits(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()

	for i, runID := range []string{"run-1", "run-2", "run-3"} {
		a := sealedArtifact(t, runID, time.Unix(int64(100+i), 0).UTC())
		require.NoError(t, c.Put(ctx, a))
	}

	entries, err := c.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, "run-3", entries[0].RunID)
	assert.Equal(t, "run-1", entries[2].RunID)

	entries, err = c.List(ctx, store.Filter{RunID: "run-2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-2", entries[0].RunID)

	entries, err = c.List(ctx, store.Filter{Bucket: "support", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = c.List(ctx, store.Filter{TenantID: "tenant-other"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientDelete(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()

	a := sealedArtifact(t, "run-1", time.Unix(100, 0).UTC())
	require.NoError(t, c.Put(ctx, a))
	require.NoError(t, c.Delete(ctx, a.KurralID))
	assert.Empty(t, coll.docs)

	assert.ErrorIs(t, c.Delete(ctx, a.KurralID), store.ErrNotFound)
}

type fakeCollection struct {
	docs []artifactDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{}
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	f, _ := filter.(bson.M)
	kurralID, _ := f["kurral_id"].(string)
	doc, ok := replacement.(artifactDocument)
	if !ok {
		return &mongodriver.UpdateResult{}, nil
	}
	for i := range c.docs {
		if c.docs[i].KurralID == kurralID {
			c.docs[i] = doc
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	upsert := len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil && *opts[0].Upsert
	if upsert {
		c.docs = append(c.docs, doc)
		return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return &fakeCursor{}, nil
	}

	matched := make([]artifactDocument, 0, len(c.docs))
	for _, doc := range c.docs {
		if !matchesDoc(doc, f) {
			continue
		}
		matched = append(matched, doc)
	}

	if len(opts) > 0 && opts[0] != nil && opts[0].Sort != nil {
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		})
	}
	if len(opts) > 0 && opts[0] != nil && opts[0].Limit != nil {
		if limit := *opts[0].Limit; limit > 0 && int64(len(matched)) > limit {
			matched = matched[:limit]
		}
	}
	return &fakeCursor{docs: matched}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	f, _ := filter.(bson.M)
	kurralID, _ := f["kurral_id"].(string)
	for i := range c.docs {
		if c.docs[i].KurralID == kurralID {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return &mongodriver.DeleteResult{DeletedCount: 1}, nil
		}
	}
	return &mongodriver.DeleteResult{}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

func matchesDoc(doc artifactDocument, f bson.M) bool {
	if id, ok := f["kurral_id"].(string); ok && doc.KurralID != id {
		return false
	}
	if runID, ok := f["run_id"].(string); ok && doc.RunID != runID {
		return false
	}
	if tenant, ok := f["tenant_id"].(string); ok && doc.TenantID != tenant {
		return false
	}
	if bucket, ok := f["semantic_buckets"].(string); ok {
		found := false
		for _, b := range doc.SemanticBuckets {
			if b == bucket {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeCursor struct {
	docs []artifactDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.err != nil {
		return c.err
	}
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	p, ok := val.(*artifactDocument)
	if !ok {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error {
	return c.err
}

func (c *fakeCursor) Close(context.Context) error {
	return nil
}
