package ars

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/replay"
	"github.com/kurral/kurral/runtime/telemetry"
)

type (
	// Replayer replays one artifact under overrides. *replay.Engine
	// implements it.
	Replayer interface {
		Replay(ctx context.Context, a *artifact.Artifact, ov replay.Overrides) (*replay.Result, error)
	}

	// SampleStrategy selects which baselines a backtest replays.
	SampleStrategy string

	// BacktestOptions configures a BacktestEngine. Replayer is required.
	BacktestOptions struct {
		Replayer   Replayer
		Calculator *Calculator
		Logger     telemetry.Logger
		Clock      func() time.Time
	}

	// BacktestEngine replays baselines under a candidate configuration and
	// scores the drift against the recordings.
	BacktestEngine struct {
		replayer Replayer
		calc     *Calculator
		log      telemetry.Logger
		clock    func() time.Time
	}

	// BacktestRequest is one backtest over a set of baseline artifacts.
	// Zero-valued knobs select defaults.
	BacktestRequest struct {
		Baselines  []*artifact.Artifact
		Candidate  replay.Overrides
		Threshold  float64
		Strategy   SampleStrategy
		MaxReplays int
	}

	// ScoreSpread describes the distribution of pair scores.
	ScoreSpread struct {
		AverageARS float64 `json:"average_ars"`
		MinARS     float64 `json:"min_ars"`
		MaxARS     float64 `json:"max_ars"`
		MedianARS  float64 `json:"median_ars"`
		PassRate   float64 `json:"pass_rate"`
	}

	// BacktestFailure is one baseline that scored below the threshold.
	BacktestFailure struct {
		KurralID        string         `json:"kurral_id"`
		Score           float64        `json:"ars_score"`
		BaselineOutput  map[string]any `json:"baseline_output,omitempty"`
		CandidateOutput map[string]any `json:"candidate_output,omitempty"`
	}

	// BacktestResult aggregates one backtest run.
	BacktestResult struct {
		BacktestID      string            `json:"backtest_id"`
		Timestamp       time.Time         `json:"timestamp"`
		BaselineCount   int               `json:"baseline_count"`
		ReplaysExecuted int               `json:"replays_executed"`
		Score           float64           `json:"ars_score"`
		Passed          bool              `json:"passed"`
		Threshold       float64           `json:"threshold"`
		Breakdown       ScoreSpread       `json:"breakdown"`
		Failures        []BacktestFailure `json:"failures"`
		Summary         string            `json:"summary"`
	}
)

// Sampling strategies.
const (
	// SampleAll replays every baseline up to the replay cap.
	SampleAll SampleStrategy = "all"
	// SampleFixed replays the first DefaultInitialSamples baselines.
	SampleFixed SampleStrategy = "fixed"
	// SampleAdaptive starts from the fixed sample; AdaptiveBacktester widens
	// the window when the score spread is high.
	SampleAdaptive SampleStrategy = "adaptive"
)

// Backtest defaults.
const (
	DefaultInitialSamples = 5
	DefaultMaxReplays     = 100
	DefaultVarianceSpread = 0.10
)

// NewBacktest constructs a BacktestEngine.
func NewBacktest(opts BacktestOptions) (*BacktestEngine, error) {
	if opts.Replayer == nil {
		return nil, errors.New("replayer is required")
	}
	e := &BacktestEngine{
		replayer: opts.Replayer,
		calc:     opts.Calculator,
		log:      opts.Logger,
		clock:    opts.Clock,
	}
	if e.calc == nil {
		e.calc = NewCalculator()
	}
	if e.log == nil {
		e.log = telemetry.NewNoopLogger()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

// Run replays the selected baselines under the candidate overrides, scores
// each against its recording, and aggregates.
func (e *BacktestEngine) Run(ctx context.Context, req BacktestRequest) (*BacktestResult, error) {
	if req.Threshold <= 0 {
		req.Threshold = DefaultThreshold
	}
	if req.Strategy == "" {
		req.Strategy = SampleAdaptive
	}
	if req.MaxReplays <= 0 {
		req.MaxReplays = DefaultMaxReplays
	}
	selected, err := selectBaselines(req.Baselines, req.Strategy, req.MaxReplays)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, 0, len(selected))
	var failures []BacktestFailure
	for _, baseline := range selected {
		score, res, err := e.ScoreBaseline(ctx, baseline, req.Candidate)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
		if score < req.Threshold {
			failures = append(failures, BacktestFailure{
				KurralID:        baseline.KurralID,
				Score:           score,
				BaselineOutput:  baseline.Outputs,
				CandidateOutput: res.Outputs,
			})
		}
	}

	spread := SpreadOf(scores, len(failures))
	passed := spread.AverageARS >= req.Threshold
	res := &BacktestResult{
		BacktestID:      uuid.NewString(),
		Timestamp:       e.clock().UTC(),
		BaselineCount:   len(req.Baselines),
		ReplaysExecuted: len(selected),
		Score:           spread.AverageARS,
		Passed:          passed,
		Threshold:       req.Threshold,
		Breakdown:       spread,
		Failures:        failures,
		Summary: fmt.Sprintf("backtest %s: %d/%d baselines replayed, average ARS %.4f against threshold %.4f, %d failures",
			passVerdict(passed), len(selected), len(req.Baselines), spread.AverageARS, req.Threshold, len(failures)),
	}
	e.log.Info(ctx, "backtest completed",
		"backtest_id", res.BacktestID,
		"replays", res.ReplaysExecuted,
		"average_ars", spread.AverageARS,
		"failures", len(failures),
		"passed", passed,
	)
	return res, nil
}

// ScoreBaseline replays one baseline under the candidate overrides and scores
// the drift against the recording. Scoring shapes the replay result as an
// artifact: the baseline with the replayed outputs swapped in.
func (e *BacktestEngine) ScoreBaseline(ctx context.Context, baseline *artifact.Artifact, ov replay.Overrides) (float64, *replay.Result, error) {
	res, err := e.replayer.Replay(ctx, baseline, ov)
	if err != nil {
		return 0, nil, fmt.Errorf("replay %s: %w", baseline.KurralID, err)
	}
	candidate, err := baseline.OpenCopy()
	if err != nil {
		return 0, nil, err
	}
	candidate.Outputs = res.Outputs
	score, err := e.calc.Calculate(baseline, candidate)
	if err != nil {
		return 0, nil, err
	}
	return score, res, nil
}

func selectBaselines(baselines []*artifact.Artifact, strategy SampleStrategy, maxReplays int) ([]*artifact.Artifact, error) {
	switch strategy {
	case SampleAll:
		if len(baselines) > maxReplays {
			return baselines[:maxReplays], nil
		}
		return baselines, nil
	case SampleFixed, SampleAdaptive:
		if len(baselines) > DefaultInitialSamples {
			return baselines[:DefaultInitialSamples], nil
		}
		return baselines, nil
	default:
		return nil, fmt.Errorf("unknown sampling strategy %q", strategy)
	}
}

// SpreadOf summarizes the distribution of pair scores. Failures is the count
// of scores below the threshold in force.
func SpreadOf(scores []float64, failures int) ScoreSpread {
	if len(scores) == 0 {
		return ScoreSpread{}
	}
	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return ScoreSpread{
		AverageARS: sum / float64(len(scores)),
		MinARS:     sorted[0],
		MaxARS:     sorted[len(sorted)-1],
		MedianARS:  sorted[len(sorted)/2],
		PassRate:   float64(len(scores)-failures) / float64(len(scores)),
	}
}

func passVerdict(passed bool) string {
	if passed {
		return "PASSED"
	}
	return "FAILED"
}

// AdaptiveBacktester widens the replay window when the initial sample shows
// a wide score spread.
type AdaptiveBacktester struct {
	engine         *BacktestEngine
	initialSamples int
	spread         float64
}

// NewAdaptiveBacktester wraps a backtest engine. Non-positive knobs select
// the defaults.
func NewAdaptiveBacktester(engine *BacktestEngine, initialSamples int, spread float64) *AdaptiveBacktester {
	if initialSamples <= 0 {
		initialSamples = DefaultInitialSamples
	}
	if spread <= 0 {
		spread = DefaultVarianceSpread
	}
	return &AdaptiveBacktester{engine: engine, initialSamples: initialSamples, spread: spread}
}

// Run backtests the initial sample first and reruns over the full window
// when the min/max spread exceeds the variance threshold.
func (a *AdaptiveBacktester) Run(ctx context.Context, req BacktestRequest) (*BacktestResult, error) {
	first := req
	first.Strategy = SampleAll
	first.MaxReplays = a.initialSamples
	res, err := a.engine.Run(ctx, first)
	if err != nil {
		return nil, err
	}
	if res.Breakdown.MaxARS-res.Breakdown.MinARS <= a.spread {
		return res, nil
	}

	wide := req
	wide.Strategy = SampleAll
	return a.engine.Run(ctx, wide)
}
