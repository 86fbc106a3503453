package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/kurral/kurral/features/store/mongo/clients/mongo"
	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/store"
)

// Store implements store.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed artifact store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, a *artifact.Artifact) error {
	return s.client.Put(ctx, a)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, kurralID string) (*artifact.Artifact, error) {
	return s.client.Get(ctx, kurralID)
}

// GetByRunID implements store.Store.
func (s *Store) GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error) {
	return s.client.GetByRunID(ctx, runID)
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, f store.Filter) ([]store.IndexEntry, error) {
	return s.client.List(ctx, f)
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, kurralID string) error {
	return s.client.Delete(ctx, kurralID)
}
