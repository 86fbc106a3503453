package ars

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/replay"
	"github.com/kurral/kurral/runtime/telemetry"
)

type (
	// VersionConfig describes one agent version under comparison. Nil fields
	// keep the recorded value.
	VersionConfig struct {
		Name        string   `json:"name"`
		ModelName   *string  `json:"model_name,omitempty"`
		Prompt      *string  `json:"prompt,omitempty"`
		Temperature *float64 `json:"temperature,omitempty"`
		MaxTokens   *int     `json:"max_tokens,omitempty"`
	}

	// ABTestOptions configures an ABTestEngine. Replayer is required.
	ABTestOptions struct {
		Replayer   Replayer
		Calculator *Calculator
		Logger     telemetry.Logger
		Clock      func() time.Time
	}

	// ABTestEngine replays a test suite under two version configurations and
	// recommends whether the candidate is safe to deploy.
	ABTestEngine struct {
		replayer Replayer
		calc     *Calculator
		log      telemetry.Logger
		clock    func() time.Time
	}

	// ABTestRequest is one A/B comparison over a suite of baseline
	// artifacts. MaxSamples of 0 replays the whole suite.
	ABTestRequest struct {
		Suite      []*artifact.Artifact
		VersionA   VersionConfig
		VersionB   VersionConfig
		Threshold  float64
		MinSamples int
		MaxSamples int
	}

	// Recommendation is the deployment verdict of an A/B test.
	Recommendation string

	// ArtifactScore is the per-artifact comparison of the two versions.
	ArtifactScore struct {
		ArtifactID   string   `json:"artifact_id"`
		Buckets      []string `json:"semantic_buckets,omitempty"`
		AScore       float64  `json:"a_ars"`
		BScore       float64  `json:"b_ars"`
		BImprovement float64  `json:"b_improvement"`
	}

	// Regression is an artifact where version B scored below both version A
	// and the threshold.
	Regression struct {
		ArtifactID      string  `json:"artifact_id"`
		AScore          float64 `json:"a_ars"`
		BScore          float64 `json:"b_ars"`
		Regression      float64 `json:"regression"`
		BaselineOutput  string  `json:"baseline_output,omitempty"`
		CandidateOutput string  `json:"version_b_output,omitempty"`
	}

	// ABTestResult compares the two versions over the replayed suite.
	ABTestResult struct {
		TestID          string          `json:"test_id"`
		Timestamp       time.Time       `json:"timestamp"`
		VersionA        VersionConfig   `json:"version_a"`
		VersionB        VersionConfig   `json:"version_b"`
		SuiteSize       int             `json:"test_suite_size"`
		ReplaysExecuted int             `json:"replays_executed"`
		AMean           float64         `json:"a_mean_ars"`
		BMean           float64         `json:"b_mean_ars"`
		AMin            float64         `json:"a_min_ars"`
		BMin            float64         `json:"b_min_ars"`
		AMax            float64         `json:"a_max_ars"`
		BMax            float64         `json:"b_max_ars"`
		BImprovement    float64         `json:"b_improvement"`
		Recommendation  Recommendation  `json:"recommendation"`
		PerArtifact     []ArtifactScore `json:"per_artifact_scores"`
		Regressions     []Regression    `json:"failures"`
		Summary         string          `json:"summary"`
	}
)

// Deployment recommendations.
const (
	RecommendDeploy Recommendation = "deploy"
	RecommendReject Recommendation = "reject"
	RecommendReview Recommendation = "needs_review"
)

// rejectImprovementFloor is the mean regression below which the candidate is
// rejected outright.
const rejectImprovementFloor = -0.05

// NewABTest constructs an ABTestEngine.
func NewABTest(opts ABTestOptions) (*ABTestEngine, error) {
	if opts.Replayer == nil {
		return nil, errors.New("replayer is required")
	}
	e := &ABTestEngine{
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

// Run replays the suite under both versions concurrently, scores each
// version against the recordings, and recommends deploy, reject or review.
func (e *ABTestEngine) Run(ctx context.Context, req ABTestRequest) (*ABTestResult, error) {
	if len(req.Suite) == 0 {
		return nil, errors.New("test suite is empty")
	}
	if req.Threshold <= 0 {
		req.Threshold = DefaultThreshold
	}
	if req.MinSamples <= 0 {
		req.MinSamples = DefaultInitialSamples
	}
	suite := selectSuite(req.Suite, req.MinSamples, req.MaxSamples)

	var aCands, bCands []*artifact.Artifact
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		aCands, err = e.replayVersion(gctx, suite, req.VersionA)
		return err
	})
	g.Go(func() error {
		var err error
		bCands, err = e.replayVersion(gctx, suite, req.VersionB)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	per := make([]ArtifactScore, 0, len(suite))
	aScores := make([]float64, 0, len(suite))
	bScores := make([]float64, 0, len(suite))
	var regressions []Regression
	for i, baseline := range suite {
		aScore, err := e.calc.Calculate(baseline, aCands[i])
		if err != nil {
			return nil, err
		}
		bScore, err := e.calc.Calculate(baseline, bCands[i])
		if err != nil {
			return nil, err
		}
		aScores = append(aScores, aScore)
		bScores = append(bScores, bScore)
		per = append(per, ArtifactScore{
			ArtifactID:   baseline.KurralID,
			Buckets:      baseline.SemanticBuckets,
			AScore:       aScore,
			BScore:       bScore,
			BImprovement: bScore - aScore,
		})
		if bScore < aScore && bScore < req.Threshold {
			regressions = append(regressions, Regression{
				ArtifactID:      baseline.KurralID,
				AScore:          aScore,
				BScore:          bScore,
				Regression:      aScore - bScore,
				BaselineOutput:  fullTextOf(baseline.Outputs),
				CandidateOutput: fullTextOf(bCands[i].Outputs),
			})
		}
	}

	aMean, aMin, aMax := meanMinMax(aScores)
	bMean, bMin, bMax := meanMinMax(bScores)
	improvement := bMean - aMean
	rec := recommend(bMean, improvement, len(regressions), req.Threshold)

	res := &ABTestResult{
		TestID:          uuid.NewString(),
		Timestamp:       e.clock().UTC(),
		VersionA:        req.VersionA,
		VersionB:        req.VersionB,
		SuiteSize:       len(req.Suite),
		ReplaysExecuted: len(suite) * 2,
		AMean:           aMean,
		BMean:           bMean,
		AMin:            aMin,
		BMin:            bMin,
		AMax:            aMax,
		BMax:            bMax,
		BImprovement:    improvement,
		Recommendation:  rec,
		PerArtifact:     per,
		Regressions:     regressions,
		Summary: fmt.Sprintf("A/B test %s: %s mean ARS %.4f, %s mean ARS %.4f, improvement %+.2f%%, threshold %.4f, %d regressions",
			strings.ToUpper(string(rec)), req.VersionA.Name, aMean, req.VersionB.Name, bMean, improvement*100, req.Threshold, len(regressions)),
	}
	e.log.Info(ctx, "ab test completed",
		"test_id", res.TestID,
		"version_a", req.VersionA.Name,
		"version_b", req.VersionB.Name,
		"a_mean_ars", aMean,
		"b_mean_ars", bMean,
		"recommendation", string(rec),
	)
	return res, nil
}

// ModelMigration compares the recorded model against a new one, the common
// pre-deployment check for a model swap.
func (e *ABTestEngine) ModelMigration(ctx context.Context, suite []*artifact.Artifact, fromModel, toModel string, threshold float64) (*ABTestResult, error) {
	return e.Run(ctx, ABTestRequest{
		Suite:     suite,
		VersionA:  VersionConfig{Name: "baseline-" + fromModel, ModelName: &fromModel},
		VersionB:  VersionConfig{Name: "candidate-" + toModel, ModelName: &toModel},
		Threshold: threshold,
	})
}

// PromptChange compares the current prompt against a new one.
func (e *ABTestEngine) PromptChange(ctx context.Context, suite []*artifact.Artifact, currentPrompt, newPrompt string, threshold float64) (*ABTestResult, error) {
	return e.Run(ctx, ABTestRequest{
		Suite:     suite,
		VersionA:  VersionConfig{Name: "current-prompt", Prompt: &currentPrompt},
		VersionB:  VersionConfig{Name: "new-prompt", Prompt: &newPrompt},
		Threshold: threshold,
	})
}

// TemperatureTuning compares two sampling temperatures.
func (e *ABTestEngine) TemperatureTuning(ctx context.Context, suite []*artifact.Artifact, currentTemp, newTemp float64, threshold float64) (*ABTestResult, error) {
	return e.Run(ctx, ABTestRequest{
		Suite:     suite,
		VersionA:  VersionConfig{Name: fmt.Sprintf("temp-%g", currentTemp), Temperature: &currentTemp},
		VersionB:  VersionConfig{Name: fmt.Sprintf("temp-%g", newTemp), Temperature: &newTemp},
		Threshold: threshold,
	})
}

func (e *ABTestEngine) replayVersion(ctx context.Context, suite []*artifact.Artifact, v VersionConfig) ([]*artifact.Artifact, error) {
	ov := v.overrides()
	out := make([]*artifact.Artifact, len(suite))
	for i, baseline := range suite {
		res, err := e.replayer.Replay(ctx, baseline, ov)
		if err != nil {
			return nil, fmt.Errorf("replay %s under %s: %w", baseline.KurralID, v.Name, err)
		}
		cp, err := baseline.OpenCopy()
		if err != nil {
			return nil, err
		}
		cp.Outputs = res.Outputs
		out[i] = cp
	}
	return out, nil
}

// overrides maps the version knobs onto replay overrides.
func (v VersionConfig) overrides() replay.Overrides {
	return replay.Overrides{
		ModelName:   v.ModelName,
		Prompt:      v.Prompt,
		Temperature: v.Temperature,
		MaxTokens:   v.MaxTokens,
	}
}

func selectSuite(suite []*artifact.Artifact, minSamples, maxSamples int) []*artifact.Artifact {
	if maxSamples <= 0 {
		return suite
	}
	n := max(minSamples, min(maxSamples, len(suite)))
	if n > len(suite) {
		n = len(suite)
	}
	return suite[:n]
}

// recommend turns the aggregate comparison into a deployment verdict.
func recommend(bMean, improvement float64, regressions int, threshold float64) Recommendation {
	switch {
	case bMean >= threshold && improvement >= 0 && regressions == 0:
		return RecommendDeploy
	case bMean < threshold || improvement < rejectImprovementFloor:
		return RecommendReject
	default:
		return RecommendReview
	}
}

func fullTextOf(outputs map[string]any) string {
	s, _ := outputs[artifact.OutputKeyFullText].(string)
	return s
}

func meanMinMax(scores []float64) (mean, lo, hi float64) {
	if len(scores) == 0 {
		return 0, 0, 0
	}
	lo, hi = scores[0], scores[0]
	var sum float64
	for _, s := range scores {
		sum += s
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return sum / float64(len(scores)), lo, hi
}
