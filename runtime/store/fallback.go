package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/telemetry"
)

type (
	// FallbackOptions configures a Fallback store.
	FallbackOptions struct {
		// Primary is the preferred backend, typically remote.
		Primary Store

		// Secondary takes over when the primary fails, typically local.
		Secondary Store

		// Logger reports failovers. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Fallback composes two stores so that capture keeps working when the
	// preferred backend is down. Writes that land on the secondary are
	// reported through the logger, never as errors.
	Fallback struct {
		primary   Store
		secondary Store
		log       telemetry.Logger
	}
)

// NewFallback constructs a Fallback store.
func NewFallback(opts FallbackOptions) (*Fallback, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("fallback store: primary is required")
	}
	if opts.Secondary == nil {
		return nil, fmt.Errorf("fallback store: secondary is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Fallback{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		log:       opts.Logger,
	}, nil
}

// Put implements Store. A primary failure falls through to the secondary.
func (s *Fallback) Put(ctx context.Context, a *artifact.Artifact) error {
	err := s.primary.Put(ctx, a)
	if err == nil {
		return nil
	}
	s.log.Warn(ctx, "primary store write failed, using fallback",
		"kurral_id", a.KurralID, "err", err.Error())
	if ferr := s.secondary.Put(ctx, a); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

// Get implements Store, consulting the secondary when the primary fails or
// does not hold the artifact.
func (s *Fallback) Get(ctx context.Context, kurralID string) (*artifact.Artifact, error) {
	a, err := s.primary.Get(ctx, kurralID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warn(ctx, "primary store read failed, using fallback",
			"kurral_id", kurralID, "err", err.Error())
	}
	return s.secondary.Get(ctx, kurralID)
}

// GetByRunID implements Store.
func (s *Fallback) GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error) {
	a, err := s.primary.GetByRunID(ctx, runID)
	if err == nil {
		return a, nil
	}
	return s.secondary.GetByRunID(ctx, runID)
}

// List implements Store. Listings come from the primary unless it fails.
func (s *Fallback) List(ctx context.Context, f Filter) ([]IndexEntry, error) {
	entries, err := s.primary.List(ctx, f)
	if err == nil {
		return entries, nil
	}
	s.log.Warn(ctx, "primary store list failed, using fallback", "err", err.Error())
	return s.secondary.List(ctx, f)
}

// Delete implements Store, removing the artifact from both backends. The
// delete succeeds when at least one backend held the artifact.
func (s *Fallback) Delete(ctx context.Context, kurralID string) error {
	perr := s.primary.Delete(ctx, kurralID)
	serr := s.secondary.Delete(ctx, kurralID)
	if perr == nil || serr == nil {
		return nil
	}
	if errors.Is(perr, ErrNotFound) && errors.Is(serr, ErrNotFound) {
		return ErrNotFound
	}
	return errors.Join(perr, serr)
}
