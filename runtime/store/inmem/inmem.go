// Package inmem provides a bounded in-memory artifact store with LRU
// eviction, suited to tests and short-lived tooling runs.
package inmem

import (
	"container/list"
	"context"
	"sync"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/store"
)

// Default caps applied when Options leaves them zero.
const (
	DefaultMaxEntries = 256
	DefaultMaxBytes   = 64 << 20
)

type (
	// Options bounds the store. Eviction drops the least recently used
	// artifact once either cap is exceeded.
	Options struct {
		MaxEntries int
		MaxBytes   int64
	}

	// Store keeps serialized artifacts in memory.
	Store struct {
		mu         sync.Mutex
		lru        *list.List
		items      map[string]*list.Element
		bytes      int64
		maxEntries int
		maxBytes   int64
	}

	item struct {
		entry store.IndexEntry
		data  []byte
	}
)

// New constructs an empty in-memory store.
func New(opts Options) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Store{
		lru:        list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
	}
}

// Put implements store.Store. Artifacts are held in canonical serialized
// form so memory accounting matches the on-disk size.
func (s *Store) Put(_ context.Context, a *artifact.Artifact) error {
	data, err := artifact.Serialize(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[a.KurralID]; ok {
		s.bytes -= int64(len(el.Value.(*item).data))
		s.lru.Remove(el)
		delete(s.items, a.KurralID)
	}
	el := s.lru.PushFront(&item{entry: store.EntryOf(a), data: data})
	s.items[a.KurralID] = el
	s.bytes += int64(len(data))
	s.evict()
	return nil
}

// Get implements store.Store and refreshes the artifact's recency.
func (s *Store) Get(_ context.Context, kurralID string) (*artifact.Artifact, error) {
	s.mu.Lock()
	el, ok := s.items[kurralID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotFound
	}
	s.lru.MoveToFront(el)
	data := el.Value.(*item).data
	s.mu.Unlock()
	return artifact.Deserialize(data)
}

// GetByRunID implements store.Store.
func (s *Store) GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error) {
	s.mu.Lock()
	var best *store.IndexEntry
	for _, el := range s.items {
		e := el.Value.(*item).entry
		if e.RunID != runID {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			cp := e
			best = &cp
		}
	}
	s.mu.Unlock()
	if best == nil {
		return nil, store.ErrNotFound
	}
	return s.Get(ctx, best.KurralID)
}

// List implements store.Store.
func (s *Store) List(_ context.Context, f store.Filter) ([]store.IndexEntry, error) {
	s.mu.Lock()
	entries := make([]store.IndexEntry, 0, len(s.items))
	for _, el := range s.items {
		entries = append(entries, el.Value.(*item).entry)
	}
	s.mu.Unlock()
	return f.Select(entries), nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, kurralID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[kurralID]
	if !ok {
		return store.ErrNotFound
	}
	s.bytes -= int64(len(el.Value.(*item).data))
	s.lru.Remove(el)
	delete(s.items, kurralID)
	return nil
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Bytes returns the total serialized size of stored artifacts.
func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// evict drops least recently used artifacts until both caps hold. The most
// recent artifact is never evicted, so a single oversized artifact is still
// stored.
func (s *Store) evict() {
	for s.lru.Len() > 1 && (s.lru.Len() > s.maxEntries || s.bytes > s.maxBytes) {
		el := s.lru.Back()
		it := el.Value.(*item)
		s.bytes -= int64(len(it.data))
		s.lru.Remove(el)
		delete(s.items, it.entry.KurralID)
	}
}
