// Package local persists artifacts on the filesystem, one canonical JSON
// file per artifact under the store root, with an index.json sidecar for
// run-id lookup and listings. Payload writes are atomic (write to a temp
// file, fsync, rename); the index is rewritten under a lock file so
// concurrent processes do not lose entries.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/store"
	"github.com/kurral/kurral/runtime/telemetry"
)

const (
	indexFile = "index.json"
	lockFile  = "index.lock"

	lockRetry = 10 * time.Millisecond
	lockWait  = 2 * time.Second
	lockStale = 5 * time.Second
)

type (
	// Options configures a local store.
	Options struct {
		// Root is the store directory, created if absent.
		Root string

		// Logger reports index repairs. Defaults to a no-op logger.
		Logger telemetry.Logger

		// Metrics records stored artifact sizes. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Store is the filesystem backend.
	Store struct {
		root    string
		log     telemetry.Logger
		metrics telemetry.Metrics

		// mu serializes index updates within the process; the lock file
		// serializes them across processes.
		mu sync.Mutex
	}
)

// New constructs a local store rooted at opts.Root.
func New(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("local store: root is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return &Store{root: opts.Root, log: opts.Logger, metrics: opts.Metrics}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, a *artifact.Artifact) error {
	if a == nil || a.KurralID == "" {
		return fmt.Errorf("%w: artifact without kurral_id", artifact.ErrArtifactInvalid)
	}
	data, err := artifact.Serialize(a)
	if err != nil {
		return err
	}
	if err := atomicWrite(s.payloadPath(a.KurralID), data); err != nil {
		return fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	s.metrics.RecordGauge(telemetry.MetricStoredBytes, float64(len(data)))
	entry := store.EntryOf(a)
	return s.updateIndex(ctx, func(idx *store.Index) {
		for i := range idx.Artifacts {
			if idx.Artifacts[i].KurralID == entry.KurralID {
				idx.Artifacts[i] = entry
				return
			}
		}
		idx.Artifacts = append(idx.Artifacts, entry)
	})
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, kurralID string) (*artifact.Artifact, error) {
	data, err := os.ReadFile(s.payloadPath(kurralID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return artifact.Deserialize(data)
}

// GetByRunID implements store.Store, returning the newest artifact of the
// run.
func (s *Store) GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error) {
	idx, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	entries := store.Filter{RunID: runID, Limit: 1}.Select(idx.Artifacts)
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	return s.Get(ctx, entries[0].KurralID)
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, f store.Filter) ([]store.IndexEntry, error) {
	idx, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	return f.Select(idx.Artifacts), nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, kurralID string) error {
	if err := os.Remove(s.payloadPath(kurralID)); err != nil {
		if os.IsNotExist(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return s.updateIndex(ctx, func(idx *store.Index) {
		for i := range idx.Artifacts {
			if idx.Artifacts[i].KurralID == kurralID {
				idx.Artifacts = append(idx.Artifacts[:i], idx.Artifacts[i+1:]...)
				return
			}
		}
	})
}

// Reindex rebuilds the index by scanning the payload files. It repairs a
// lost or corrupted index.json and returns the number of indexed artifacts.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	names, err := filepath.Glob(filepath.Join(s.root, "*"+store.Ext))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	entries := make([]store.IndexEntry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
		}
		a, err := artifact.Deserialize(data)
		if err != nil {
			s.log.Warn(ctx, "skipping unreadable artifact during reindex",
				"path", name, "err", err.Error())
			continue
		}
		entries = append(entries, store.EntryOf(a))
	}
	err = s.updateIndex(ctx, func(idx *store.Index) {
		idx.Artifacts = entries
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) payloadPath(kurralID string) string {
	// Artifact ids are UUIDs; strip path separators so an id cannot
	// escape the store root.
	safe := strings.ReplaceAll(kurralID, string(os.PathSeparator), "_")
	return filepath.Join(s.root, safe+store.Ext)
}

func (s *Store) indexPath() string { return filepath.Join(s.root, indexFile) }

// readIndex loads the index. A missing file yields an empty index; a
// corrupted one is logged and treated as empty so writes can repair it.
func (s *Store) readIndex(ctx context.Context) (*store.Index, error) {
	var idx store.Index
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &idx, nil
		}
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		s.log.Warn(ctx, "artifact index unreadable, treating as empty", "err", err.Error())
		return &store.Index{}, nil
	}
	return &idx, nil
}

func (s *Store) updateIndex(ctx context.Context, mutate func(*store.Index)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.lockIndex(ctx)
	if err != nil {
		return err
	}
	defer release()

	idx, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	mutate(idx)
	idx.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(s.indexPath(), data); err != nil {
		return fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return nil
}

// lockIndex acquires the cross-process index lock. Locks older than
// lockStale are assumed abandoned and broken.
func (s *Store) lockIndex(ctx context.Context) (func(), error) {
	path := filepath.Join(s.root, lockFile)
	deadline := time.Now().Add(lockWait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
		}
		if fi, serr := os.Stat(path); serr == nil && time.Since(fi.ModTime()) > lockStale {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: index lock timeout", store.ErrStorageUnavailable)
		}
		time.Sleep(lockRetry)
	}
}

// atomicWrite writes data to path via a synced temp file and rename. The
// temp file is removed on any failure.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
