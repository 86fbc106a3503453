package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/hooks"
)

type (
	// EnrichmentSource supplies post-run trace data from an external tracing
	// backend. FetchRun may return (nil, nil) when the backend holds nothing
	// for the run.
	EnrichmentSource interface {
		FetchRun(ctx context.Context, runID string) (*Enrichment, error)
	}

	// Enrichment is trace data merged into a persisted artifact. Nil members
	// leave the artifact untouched; trace data only fills gaps and never
	// overwrites what capture observed directly.
	Enrichment struct {
		// LLMConfig replaces an absent or unknown-model configuration.
		LLMConfig *artifact.ModelConfig

		// TokenUsage replaces usage whose total is zero.
		TokenUsage *artifact.TokenUsage

		// ToolCalls fills in tool calls when capture observed none.
		ToolCalls []artifact.ToolCall
	}
)

// enrichAsync schedules one enrichment attempt for a freshly persisted
// artifact. The worker waits for the settle period, fetches trace data,
// merges it into a copy of the stored artifact and rewrites it. Failures are
// logged and never reach the caller; the sealed artifact already persisted
// stands on its own.
func (r *Recorder) enrichAsync(kurralID, runID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.enrichDeadline)
		defer cancel()

		if r.enrichSettle > 0 {
			t := time.NewTimer(r.enrichSettle)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
		if err := r.enrich(ctx, kurralID, runID); err != nil {
			r.log.Warn(ctx, "artifact enrichment failed", "run_id", runID, "kurral_id", kurralID, "err", err)
		}
	}()
}

func (r *Recorder) enrich(ctx context.Context, kurralID, runID string) error {
	enr, err := r.enrichment.FetchRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("fetch trace: %w", err)
	}
	if enr == nil {
		return nil
	}
	stored, err := r.store.Get(ctx, kurralID)
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}
	cp, err := stored.OpenCopy()
	if err != nil {
		return err
	}
	added, modelUpdated := mergeEnrichment(cp, enr)
	if added == 0 && !modelUpdated {
		return nil
	}
	if err := cp.Seal(r.scorer); err != nil {
		return fmt.Errorf("reseal artifact: %w", err)
	}
	if err := r.store.Put(ctx, cp); err != nil {
		return fmt.Errorf("rewrite artifact: %w", err)
	}
	r.publish(ctx, hooks.NewArtifactEnrichedEvent(runID, kurralID, added, modelUpdated))
	r.log.Info(ctx, "artifact enriched",
		"run_id", runID,
		"kurral_id", kurralID,
		"tool_calls_added", added,
		"model_updated", modelUpdated,
	)
	return nil
}

func mergeEnrichment(a *artifact.Artifact, enr *Enrichment) (added int, modelUpdated bool) {
	if len(enr.ToolCalls) > 0 && len(a.ToolCalls) == 0 {
		a.ToolCalls = append([]artifact.ToolCall(nil), enr.ToolCalls...)
		added = len(enr.ToolCalls)
	}
	if enr.LLMConfig != nil && unknownModel(a.LLMConfig) {
		a.LLMConfig = enr.LLMConfig
		modelUpdated = true
	}
	if enr.TokenUsage != nil && (a.TokenUsage == nil || a.TokenUsage.TotalTokens == 0) {
		a.TokenUsage = enr.TokenUsage
		modelUpdated = true
	}
	return added, modelUpdated
}

func unknownModel(cfg *artifact.ModelConfig) bool {
	return cfg == nil || cfg.ModelName == "" || cfg.ModelName == "unknown"
}
