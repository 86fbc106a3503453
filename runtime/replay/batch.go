package replay

import (
	"context"
	"errors"
	"sync"

	"github.com/kurral/kurral/runtime/artifact"
)

// DefaultBatchConcurrency bounds concurrent replays in a batch.
const DefaultBatchConcurrency = 5

// BatchEngine replays many artifacts with bounded concurrency.
type BatchEngine struct {
	engine      *Engine
	concurrency int
}

// NewBatch wraps an engine for batch replays. Non-positive concurrency
// selects the default.
func NewBatch(engine *Engine, concurrency int) *BatchEngine {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	return &BatchEngine{engine: engine, concurrency: concurrency}
}

// ReplayAll replays every artifact, preserving input order in the results.
// Each artifact is attempted regardless of earlier failures; the result slot
// of a failed replay is nil and the errors are joined.
func (b *BatchEngine) ReplayAll(ctx context.Context, artifacts []*artifact.Artifact, ov Overrides) ([]*Result, error) {
	results := make([]*Result, len(artifacts))
	errs := make([]error, len(artifacts))
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for i, a := range artifacts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], errs[i] = b.engine.Replay(ctx, a, ov)
		}()
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// ReplayWithSampling replays the same artifact n times, a variance probe for
// runs that should be deterministic.
func (b *BatchEngine) ReplayWithSampling(ctx context.Context, a *artifact.Artifact, samples int, ov Overrides) ([]*Result, error) {
	if samples <= 0 {
		samples = 1
	}
	artifacts := make([]*artifact.Artifact, samples)
	for i := range artifacts {
		artifacts[i] = a
	}
	return b.ReplayAll(ctx, artifacts, ov)
}
