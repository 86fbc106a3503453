// Package store defines the artifact persistence contract and its index
// model. Artifacts are stored one document per kurral_id with a sidecar
// index for run-id lookup and tenant listings. Backends include the local
// filesystem (store/local), a bounded in-memory LRU (store/inmem), MongoDB
// (features/store/mongo) and the remote metadata service
// (features/store/remote).
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// Store persists sealed artifacts.
	Store interface {
		// Put writes a sealed artifact. Writing an existing kurral_id
		// overwrites the previous document.
		Put(ctx context.Context, a *artifact.Artifact) error

		// Get returns the artifact with the given kurral_id, or ErrNotFound.
		Get(ctx context.Context, kurralID string) (*artifact.Artifact, error)

		// GetByRunID returns the most recently created artifact for the run,
		// or ErrNotFound.
		GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error)

		// List returns index entries matching the filter, newest first.
		List(ctx context.Context, f Filter) ([]IndexEntry, error)

		// Delete removes an artifact, returning ErrNotFound when absent.
		Delete(ctx context.Context, kurralID string) error
	}

	// Filter narrows List results. Zero values match everything.
	Filter struct {
		// TenantID keeps only artifacts of one tenant.
		TenantID string

		// Bucket keeps only artifacts carrying the semantic bucket.
		Bucket string

		// RunID keeps only artifacts of one run.
		RunID string

		// Limit caps the result length; zero means no cap.
		Limit int
	}

	// IndexEntry is the per-artifact metadata mirrored into the index.
	IndexEntry struct {
		KurralID        string    `json:"kurral_id"`
		RunID           string    `json:"run_id"`
		CreatedAt       time.Time `json:"created_at"`
		TenantID        string    `json:"tenant_id,omitempty"`
		SemanticBuckets []string  `json:"semantic_buckets,omitempty"`
	}

	// Index is the sidecar document holding all entries of a store.
	Index struct {
		Artifacts []IndexEntry `json:"artifacts"`
		UpdatedAt time.Time    `json:"updated_at"`
	}
)

// Ext is the artifact file extension.
const Ext = ".kurral"

var (
	// ErrNotFound reports a lookup for an artifact the store does not hold.
	ErrNotFound = errors.New("artifact not found")

	// ErrStorageUnavailable reports a backend I/O failure. Capture falls
	// back to local storage on it; replay surfaces it.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// EntryOf derives the index entry for an artifact.
func EntryOf(a *artifact.Artifact) IndexEntry {
	return IndexEntry{
		KurralID:        a.KurralID,
		RunID:           a.RunID,
		CreatedAt:       a.CreatedAt,
		TenantID:        a.TenantID,
		SemanticBuckets: a.SemanticBuckets,
	}
}

// ObjectKey returns the object storage key for an artifact:
// tenant/YYYY/MM/<id>.kurral. Artifacts without a tenant use "default".
func ObjectKey(a *artifact.Artifact) string {
	tenant := a.TenantID
	if tenant == "" {
		tenant = "default"
	}
	t := a.CreatedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s%s", tenant, t.Year(), int(t.Month()), a.KurralID, Ext)
}

// Match reports whether the entry passes the filter, ignoring Limit.
func (f Filter) Match(e IndexEntry) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Bucket != "" {
		found := false
		for _, b := range e.SemanticBuckets {
			if b == f.Bucket {
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

// Select applies the filter to entries and returns matches sorted by
// creation time descending, capped at Limit.
func (f Filter) Select(entries []IndexEntry) []IndexEntry {
	var out []IndexEntry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
