package temporal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/kurral/kurral/runtime/ars"
)

func newBacktestEnv(t *testing.T, replayFn any) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(BacktestWorkflow, workflow.RegisterOptions{Name: BacktestWorkflowName})
	env.RegisterActivityWithOptions(replayFn, activity.RegisterOptions{Name: ReplayActivityName})
	return env
}

func TestBacktestWorkflowAggregates(t *testing.T) {
	t.Parallel()

	scores := map[string]float64{"art-1": 1.0, "art-2": 0.8, "art-3": 0.95}
	env := newBacktestEnv(t, func(_ context.Context, in ReplayInput) (*ReplayOutcome, error) {
		score := scores[in.KurralID]
		return &ReplayOutcome{
			KurralID: in.KurralID,
			Score:    score,
			Match:    score == 1.0,
			Passed:   score >= in.Threshold,
		}, nil
	})

	env.ExecuteWorkflow(BacktestWorkflowName, BacktestInput{
		ArtifactIDs: []string{"art-1", "art-2", "art-3"},
		Threshold:   0.9,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out BacktestOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, 3, out.Replayed)
	require.InDelta(t, (1.0+0.8+0.95)/3, out.Score, 1e-9)
	require.True(t, out.Passed)
	require.Equal(t, 1, out.Failures)
	require.InDelta(t, 0.8, out.Spread.MinARS, 1e-9)
	require.InDelta(t, 1.0, out.Spread.MaxARS, 1e-9)
	require.InDelta(t, 2.0/3, out.Spread.PassRate, 1e-9)
	require.NotEmpty(t, out.BacktestID)
	require.Contains(t, out.Summary, "PASSED")

	ids := make([]string, 0, len(out.Outcomes))
	for _, o := range out.Outcomes {
		ids = append(ids, o.KurralID)
	}
	require.Equal(t, []string{"art-1", "art-2", "art-3"}, ids)
}

func TestBacktestWorkflowDefaultsThreshold(t *testing.T) {
	t.Parallel()

	var seen atomic.Value
	env := newBacktestEnv(t, func(_ context.Context, in ReplayInput) (*ReplayOutcome, error) {
		seen.Store(in.Threshold)
		return &ReplayOutcome{KurralID: in.KurralID, Score: 0.95, Match: true, Passed: 0.95 >= in.Threshold}, nil
	})

	env.ExecuteWorkflow(BacktestWorkflowName, BacktestInput{ArtifactIDs: []string{"art-1"}})

	require.NoError(t, env.GetWorkflowError())
	var out BacktestOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.InDelta(t, ars.DefaultThreshold, out.Threshold, 1e-9)
	require.InDelta(t, ars.DefaultThreshold, seen.Load().(float64), 1e-9)
	require.True(t, out.Passed)
	require.Zero(t, out.Failures)
}

func TestBacktestWorkflowRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	env := newBacktestEnv(t, func(_ context.Context, in ReplayInput) (*ReplayOutcome, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("storage unavailable")
		}
		return &ReplayOutcome{KurralID: in.KurralID, Score: 1.0, Match: true, Passed: true}, nil
	})

	env.ExecuteWorkflow(BacktestWorkflowName, BacktestInput{
		ArtifactIDs: []string{"art-1"},
		MaxAttempts: 3,
	})

	require.NoError(t, env.GetWorkflowError())
	var out BacktestOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, int32(3), calls.Load())
	require.True(t, out.Passed)
	require.Zero(t, out.Failures)
}

func TestBacktestWorkflowRecordsExhaustedReplay(t *testing.T) {
	t.Parallel()

	env := newBacktestEnv(t, func(_ context.Context, in ReplayInput) (*ReplayOutcome, error) {
		if in.KurralID == "art-missing" {
			return nil, temporal.NewNonRetryableApplicationError(
				"artifact art-missing not found", errTypeNotFound, nil)
		}
		return &ReplayOutcome{KurralID: in.KurralID, Score: 1.0, Match: true, Passed: true}, nil
	})

	env.ExecuteWorkflow(BacktestWorkflowName, BacktestInput{
		ArtifactIDs: []string{"art-1", "art-missing"},
	})

	require.NoError(t, env.GetWorkflowError())
	var out BacktestOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, 2, out.Replayed)
	require.Equal(t, 1, out.Failures)
	require.False(t, out.Passed)

	missing := out.Outcomes[1]
	require.Equal(t, "art-missing", missing.KurralID)
	require.Zero(t, missing.Score)
	require.False(t, missing.Passed)
	require.Contains(t, missing.Error, "not found")
}

func TestBacktestWorkflowRequiresArtifacts(t *testing.T) {
	t.Parallel()

	env := newBacktestEnv(t, func(_ context.Context, in ReplayInput) (*ReplayOutcome, error) {
		return nil, errors.New("unreachable")
	})

	env.ExecuteWorkflow(BacktestWorkflowName, BacktestInput{})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least one artifact id")
}
