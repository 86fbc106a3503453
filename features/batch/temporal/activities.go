package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/kurral/kurral/runtime/ars"
	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/store"
)

// Application error types carried on non-retryable activity failures.
const (
	errTypeNotFound = "ArtifactNotFound"
	errTypeInvalid  = "ArtifactInvalid"
)

type (
	// ActivitiesOptions configures the worker-side activities. Store and
	// Engine are required.
	ActivitiesOptions struct {
		// Store loads baseline artifacts by kurral id.
		Store store.Store

		// Engine replays baselines and scores the drift.
		Engine *ars.BacktestEngine
	}

	// Activities hosts the activity implementations the backtest worker
	// registers. Safe for concurrent use.
	Activities struct {
		store  store.Store
		engine *ars.BacktestEngine
	}
)

// NewActivities constructs the replay activities.
func NewActivities(opts ActivitiesOptions) (*Activities, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("backtest engine is required")
	}
	return &Activities{store: opts.Store, engine: opts.Engine}, nil
}

// ReplayArtifact loads one baseline, replays it under the candidate
// overrides and scores the drift against the recording. Missing and
// malformed artifacts fail non-retryably; storage outages return plain
// errors so the activity retry policy applies.
func (a *Activities) ReplayArtifact(ctx context.Context, input ReplayInput) (*ReplayOutcome, error) {
	if input.KurralID == "" {
		return nil, temporal.NewNonRetryableApplicationError("artifact id is required", errTypeInvalid, nil)
	}
	baseline, err := a.store.Get(ctx, input.KurralID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("artifact %s not found", input.KurralID), errTypeNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", input.KurralID, err)
	}

	score, res, err := a.engine.ScoreBaseline(ctx, baseline, input.Candidate)
	if errors.Is(err, artifact.ErrArtifactInvalid) {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("artifact %s is not replayable", input.KurralID), errTypeInvalid, err)
	}
	if err != nil {
		return nil, err
	}

	threshold := input.Threshold
	if threshold <= 0 {
		threshold = ars.DefaultThreshold
	}
	return &ReplayOutcome{
		KurralID: input.KurralID,
		Score:    score,
		Match:    res.Match,
		Passed:   score >= threshold,
	}, nil
}
