package temporal

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/kurral/kurral/runtime/ars"
	"github.com/kurral/kurral/runtime/replay"
)

// Registration names shared by workers and starters.
const (
	// TaskQueue is the queue backtest workers poll and starters submit to.
	TaskQueue = "kurral-backtest"

	// BacktestWorkflowName registers BacktestWorkflow.
	BacktestWorkflowName = "kurral.backtest"

	// ReplayActivityName registers Activities.ReplayArtifact.
	ReplayActivityName = "kurral.backtest.replay"
)

// Activity defaults applied when BacktestInput leaves the knobs zero.
const (
	DefaultReplayTimeout  = 5 * time.Minute
	DefaultReplayAttempts = 3
)

type (
	// BacktestInput describes one durable backtest. Baselines travel as
	// artifact ids rather than payloads; activities load them from the store,
	// which keeps workflow history small.
	BacktestInput struct {
		ArtifactIDs []string         `json:"artifact_ids"`
		Candidate   replay.Overrides `json:"candidate"`
		Threshold   float64          `json:"threshold,omitempty"`

		// ReplayTimeout bounds each replay activity start-to-close.
		ReplayTimeout time.Duration `json:"replay_timeout,omitempty"`

		// MaxAttempts caps per-activity retries for transient failures.
		MaxAttempts int `json:"max_attempts,omitempty"`
	}

	// ReplayInput is one activity invocation: load, replay and score a
	// single baseline.
	ReplayInput struct {
		KurralID  string           `json:"kurral_id"`
		Candidate replay.Overrides `json:"candidate"`
		Threshold float64          `json:"threshold"`
	}

	// ReplayOutcome scores one baseline. Error carries the activity failure
	// for baselines whose replay exhausted its retries; such outcomes score
	// zero.
	ReplayOutcome struct {
		KurralID string  `json:"kurral_id"`
		Score    float64 `json:"ars_score"`
		Match    bool    `json:"match"`
		Passed   bool    `json:"passed"`
		Error    string  `json:"error,omitempty"`
	}

	// BacktestOutput aggregates the fan-out. Outcomes preserve the input
	// order of BacktestInput.ArtifactIDs.
	BacktestOutput struct {
		BacktestID  string          `json:"backtest_id"`
		CompletedAt time.Time       `json:"timestamp"`
		Threshold   float64         `json:"threshold"`
		Replayed    int             `json:"replays_executed"`
		Score       float64         `json:"ars_score"`
		Passed      bool            `json:"passed"`
		Spread      ars.ScoreSpread `json:"breakdown"`
		Failures    int             `json:"failures"`
		Outcomes    []ReplayOutcome `json:"outcomes"`
		Summary     string          `json:"summary"`
	}
)

// BacktestWorkflow fans one replay activity out per baseline artifact and
// aggregates the scores. A replay that fails past its retry policy does not
// fail the backtest; it is recorded as a zero-score outcome and counted as a
// failure, so one poisoned baseline cannot sink a suite of hundreds.
func BacktestWorkflow(ctx workflow.Context, input BacktestInput) (*BacktestOutput, error) {
	if len(input.ArtifactIDs) == 0 {
		return nil, errors.New("backtest requires at least one artifact id")
	}
	threshold := input.Threshold
	if threshold <= 0 {
		threshold = ars.DefaultThreshold
	}
	timeout := input.ReplayTimeout
	if timeout <= 0 {
		timeout = DefaultReplayTimeout
	}
	attempts := input.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultReplayAttempts
	}

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			//nolint:gosec // attempt counts are small operator-supplied values
			MaximumAttempts: int32(attempts),
		},
	})

	futures := make([]workflow.Future, len(input.ArtifactIDs))
	for i, id := range input.ArtifactIDs {
		futures[i] = workflow.ExecuteActivity(actx, ReplayActivityName, ReplayInput{
			KurralID:  id,
			Candidate: input.Candidate,
			Threshold: threshold,
		})
	}

	outcomes := make([]ReplayOutcome, 0, len(futures))
	scores := make([]float64, 0, len(futures))
	failures := 0
	for i, fut := range futures {
		var out ReplayOutcome
		if err := fut.Get(actx, &out); err != nil {
			out = ReplayOutcome{KurralID: input.ArtifactIDs[i], Error: err.Error()}
		}
		if !out.Passed {
			failures++
		}
		outcomes = append(outcomes, out)
		scores = append(scores, out.Score)
	}

	spread := ars.SpreadOf(scores, failures)
	passed := spread.AverageARS >= threshold
	verdict := "FAILED"
	if passed {
		verdict = "PASSED"
	}
	return &BacktestOutput{
		BacktestID:  workflow.GetInfo(ctx).WorkflowExecution.ID,
		CompletedAt: workflow.Now(ctx).UTC(),
		Threshold:   threshold,
		Replayed:    len(outcomes),
		Score:       spread.AverageARS,
		Passed:      passed,
		Spread:      spread,
		Failures:    failures,
		Outcomes:    outcomes,
		Summary: fmt.Sprintf("backtest %s: %d baselines replayed, average ARS %.4f against threshold %.4f, %d failures",
			verdict, len(outcomes), spread.AverageARS, threshold, failures),
	}, nil
}
