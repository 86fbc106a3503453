package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New("http://127.0.0.1:1", "")
	require.Error(t, err)

	c, err := New("", "key-123")
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, c.base)
}

// TestUploadSendsCanonicalArtifact verifies the upload wire shape: the
// artifact travels under artifact_data with the API key header set, and
// the service-assigned storage location comes back.
func TestUploadSendsCanonicalArtifact(t *testing.T) {
	t.Parallel()

	a := sealedArtifact(t, "run-1", time.Unix(100, 0).UTC())

	var (
		gotPath   string
		gotKey    string
		gotCT     string
		gotUpload uploadRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("kurral")
		gotCT = r.Header.Get("Content-Type")
		defer func() { _ = r.Body.Close() }()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotUpload))

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"kurral_id":%q,"object_storage_uri":"r2://kurral/%s.kurral","message":"Artifact uploaded successfully"}`,
			a.KurralID, a.KurralID)
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)

	res, err := c.Upload(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, a.KurralID, res.KurralID)
	assert.Equal(t, "r2://kurral/"+a.KurralID+".kurral", res.ObjectStorageURI)

	assert.Equal(t, "/api/v1/artifacts/upload", gotPath)
	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, "application/json", gotCT)

	sent, err := artifact.Deserialize(gotUpload.ArtifactData)
	require.NoError(t, err)
	assert.Equal(t, a.KurralID, sent.KurralID)
	assert.Equal(t, "run-1", sent.RunID)
}

func TestUploadConflict(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"detail":"Artifact already exists"}`)
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)

	err = c.Put(context.Background(), sealedArtifact(t, "run-1", time.Unix(100, 0).UTC()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyUploaded)
	// A duplicate is not a backend outage and must not trigger fallback.
	assert.NotErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestPutRequiresKurralID(t *testing.T) {
	t.Parallel()

	c, err := New("http://127.0.0.1:1", "key-123")
	require.NoError(t, err)

	err = c.Put(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrArtifactInvalid)
}

func TestGetRoundTripsArtifact(t *testing.T) {
	t.Parallel()

	a := sealedArtifact(t, "run-1", time.Unix(100, 0).UTC())
	payload, err := artifact.Serialize(a)
	require.NoError(t, err)

	var gotTenant string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/artifacts/"+a.KurralID, r.URL.Path)
		gotTenant = r.URL.Query().Get("tenant_id")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123", WithTenant("tenant-a"))
	require.NoError(t, err)

	got, err := c.Get(context.Background(), a.KurralID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", gotTenant)
	assert.Equal(t, a.KurralID, got.KurralID)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, a.ToolCalls[0].OutputHash, got.ToolCalls[0].OutputHash)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"Artifact not found"}`)
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestUnreachableServiceIsStorageUnavailable verifies that transport
// failures wrap store.ErrStorageUnavailable so the capture path can fall
// back to local storage.
func TestUnreachableServiceIsStorageUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)
	ctx := context.Background()

	err = c.Put(ctx, sealedArtifact(t, "run-1", time.Unix(100, 0).UTC()))
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)

	_, err = c.Get(ctx, "any")
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)

	_, err = c.List(ctx, store.Filter{})
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
}

// TestListWalksPagesNewestFirst verifies pagination, the query parameters
// the service filters on, and that zone-less service timestamps decode.
func TestListWalksPagesNewestFirst(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/artifacts", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "1000", q.Get("page_size"))
		require.Equal(t, "tenant-a", q.Get("tenant_id"))
		require.Equal(t, "support", q.Get("semantic_bucket"))

		switch q.Get("page") {
		case "1":
			fmt.Fprint(w, `{"items":[
				{"kurral_id":"id-3","run_id":"run-3","tenant_id":"tenant-a","semantic_buckets":["support"],"created_at":"2024-03-01T10:00:00Z"},
				{"kurral_id":"id-2","run_id":"run-2","tenant_id":"tenant-a","semantic_buckets":["support"],"created_at":"2024-02-01T10:00:00"}
			],"total":3,"page":1,"page_size":1000,"pages":2}`)
		case "2":
			fmt.Fprint(w, `{"items":[
				{"kurral_id":"id-1","run_id":"run-1","tenant_id":"tenant-a","semantic_buckets":["support"],"created_at":"2024-01-01T10:00:00Z"}
			],"total":3,"page":2,"page_size":1000,"pages":2}`)
		default:
			t.Errorf("unexpected page %q", q.Get("page"))
		}
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)

	entries, err := c.List(context.Background(), store.Filter{TenantID: "tenant-a", Bucket: "support"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"id-3", "id-2", "id-1"},
		[]string{entries[0].KurralID, entries[1].KurralID, entries[2].KurralID})
	assert.Equal(t, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), entries[1].CreatedAt)
}

func TestListStopsAtLimit(t *testing.T) {
	t.Parallel()

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"items":[
			{"kurral_id":"id-2","run_id":"run-2","created_at":"2024-02-01T10:00:00Z"},
			{"kurral_id":"id-1","run_id":"run-1","created_at":"2024-01-01T10:00:00Z"}
		],"total":10,"page":1,"page_size":1000,"pages":5}`)
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)

	entries, err := c.List(context.Background(), store.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "id-2", entries[0].KurralID)
	assert.Equal(t, 1, requests)
}

// TestGetByRunIDFetchesNewest verifies the listing walk narrows on run id
// client side and downloads the matching artifact.
func TestGetByRunIDFetchesNewest(t *testing.T) {
	t.Parallel()

	a := sealedArtifact(t, "run-2", time.Unix(200, 0).UTC())
	payload, err := artifact.Serialize(a)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/artifacts":
			fmt.Fprintf(w, `{"items":[
				{"kurral_id":"id-other","run_id":"run-9","created_at":"2024-03-01T10:00:00Z"},
				{"kurral_id":%q,"run_id":"run-2","created_at":"2024-02-01T10:00:00Z"}
			],"total":2,"page":1,"page_size":1000,"pages":1}`, a.KurralID)
		case "/api/v1/artifacts/" + a.KurralID:
			_, _ = w.Write(payload)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)

	got, err := c.GetByRunID(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, "run-2", got.RunID)

	_, err = c.GetByRunID(context.Background(), "run-gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	deleted := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		id := r.URL.Path[len("/api/v1/artifacts/"):]
		if deleted[id] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"detail":"Artifact not found"}`)
			return
		}
		deleted[id] = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, "id-1"))
	assert.ErrorIs(t, c.Delete(ctx, "id-1"), store.ErrNotFound)
}

func TestPingHealth(t *testing.T) {
	t.Parallel()

	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"healthy"}`)
	}))
	defer server.Close()

	c, err := New(server.URL, "key-123")
	require.NoError(t, err)

	assert.Equal(t, "artifact-store-api", c.Name())
	require.NoError(t, c.Ping(context.Background()))

	healthy = false
	require.Error(t, c.Ping(context.Background()))
}
