package determinism

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurral/kurral/runtime/artifact"
)

func ptr[T any](v T) *T { return &v }

func pinnedArtifact() *artifact.Artifact {
	a := artifact.NewOpen()
	a.RunID = "run-pinned"
	a.Environment = "production"
	a.LLMConfig = &artifact.ModelConfig{
		ModelName:    "gpt-4o",
		ModelVersion: "2024-08-06",
		Provider:     "openai",
		Parameters: artifact.ModelParameters{
			Temperature: 0,
			Seed:        ptr(int64(7)),
		},
	}
	a.Prompt = &artifact.ResolvedPrompt{
		Template:  "Hi {{name}}",
		Variables: map[string]any{"name": "Ada"},
		FinalText: "Hi Ada",
	}
	a.TimeEnv = &artifact.TimeEnvironment{
		Timestamp:       time.Now().UTC(),
		Timezone:        "UTC",
		EnvironmentVars: map[string]string{"HOME": "/root"},
	}
	return a
}

func TestFullyPinnedRunScoresA(t *testing.T) {
	report, err := New().Score(pinnedArtifact())
	require.NoError(t, err)

	assert.InDelta(t, 1.0, report.OverallScore, 1e-9)
	assert.Equal(t, artifact.ConfidenceA, report.Confidence)
	assert.Empty(t, report.MissingFields)
	assert.Empty(t, report.Warnings)

	require.Len(t, report.Components, 6)
	for name, cs := range report.Components {
		assert.InDelta(t, 1.0, cs.Score, 1e-9, name)
		assert.Equal(t, Weights()[name], cs.Weight, name)
	}
}

func TestUnpinnedRunScoresC(t *testing.T) {
	a := artifact.NewOpen()
	a.RunID = "run-bare"
	require.NoError(t, a.RecordToolCall(artifact.ToolCall{
		ToolName:   "fetch",
		EffectType: artifact.EffectHTTP,
		Status:     artifact.StatusOK,
	}))

	report, err := New().Score(a)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, report.OverallScore, 1e-9)
	assert.Equal(t, artifact.ConfidenceC, report.Confidence)
	assert.Contains(t, report.MissingFields, "llm_config")
	assert.Contains(t, report.MissingFields, "prompt")
	assert.Contains(t, report.MissingFields, "time_env")
	assert.Contains(t, report.MissingFields, "environment")
	assert.NotEmpty(t, report.Warnings)
}

func TestPartiallyPinnedRunScoresB(t *testing.T) {
	a := artifact.NewOpen()
	a.RunID = "run-partial"
	a.Environment = "staging"
	a.LLMConfig = &artifact.ModelConfig{
		ModelName:  "gpt-4o-2024-08-06",
		Parameters: artifact.ModelParameters{Temperature: 0.2},
	}
	a.Prompt = &artifact.ResolvedPrompt{
		Template:  "Hi {{name}}",
		Variables: map[string]any{"name": "Ada"},
		FinalText: "Hi Ada",
	}
	a.TimeEnv = &artifact.TimeEnvironment{Timestamp: time.Now().UTC(), Timezone: "UTC"}

	report, err := New().Score(a)
	require.NoError(t, err)

	// 0.25*0.8 + 0.20*0 + 0.20*1 + 0.15*1 + 0.10*0.8 + 0.10*0.8
	assert.InDelta(t, 0.71, report.OverallScore, 1e-9)
	assert.Equal(t, artifact.ConfidenceB, report.Confidence)
}

func TestModelVersionTiers(t *testing.T) {
	cases := []struct {
		name string
		cfg  *artifact.ModelConfig
		want float64
	}{
		{"explicit version", &artifact.ModelConfig{ModelName: "gpt-4o", ModelVersion: "2024-08-06"}, 1.0},
		{"version in name", &artifact.ModelConfig{ModelName: "gpt-4o-2024-08-06"}, 0.8},
		{"family name only", &artifact.ModelConfig{ModelName: "claude"}, 0.3},
		{"no config", nil, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := artifact.NewOpen()
			a.RunID = "r"
			a.LLMConfig = c.cfg
			report, err := New().Score(a)
			require.NoError(t, err)
			assert.InDelta(t, c.want, report.Components[ComponentModelVersion].Score, 1e-9)
		})
	}
}

func TestParameterTiers(t *testing.T) {
	cases := []struct {
		name        string
		temperature float64
		want        float64
		wantWarning bool
	}{
		{"zero temperature", 0, 1.0, false},
		{"low temperature", 0.2, 0.8, false},
		{"mid temperature", 0.5, 0.6, false},
		{"high temperature", 0.9, 0.5, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := artifact.NewOpen()
			a.RunID = "r"
			a.LLMConfig = &artifact.ModelConfig{
				ModelName:  "m",
				Parameters: artifact.ModelParameters{Temperature: c.temperature},
			}
			report, err := New().Score(a)
			require.NoError(t, err)
			assert.InDelta(t, c.want, report.Components[ComponentParameters].Score, 1e-9)
			if c.wantWarning {
				assert.NotEmpty(t, report.Warnings)
			}
		})
	}
}

func TestToolCacheFraction(t *testing.T) {
	a := artifact.NewOpen()
	a.RunID = "run-tools"
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := []artifact.ToolCall{
		{ToolName: "a", Inputs: map[string]any{"x": 1.0}, Outputs: "ok", EffectType: artifact.EffectOther, Status: artifact.StatusOK, StartedAt: started},
		{ToolName: "b", Inputs: map[string]any{"x": 2.0}, EffectType: artifact.EffectHTTP, Status: artifact.StatusError, ErrorText: "boom", StartedAt: started.Add(time.Second)},
		{ToolName: "c", EffectType: artifact.EffectOther, Status: artifact.StatusOK, StartedAt: started.Add(2 * time.Second)},
	}
	for _, tc := range calls {
		require.NoError(t, a.RecordToolCall(tc))
	}
	require.NoError(t, a.Seal(nil))

	report, err := New().Score(a)
	require.NoError(t, err)

	// Only the first call has both a cache key and OK status.
	assert.InDelta(t, 1.0/3.0, report.Components[ComponentToolCache].Score, 1e-9)
	assert.Contains(t, report.Warnings[len(report.Warnings)-1], "2 of 3 tool calls")
}

func TestLevelBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  artifact.Confidence
	}{
		{1.0, artifact.ConfidenceA},
		{0.90, artifact.ConfidenceA},
		{0.899, artifact.ConfidenceB},
		{0.50, artifact.ConfidenceB},
		{0.499, artifact.ConfidenceC},
		{0, artifact.ConfidenceC},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Level(c.score), "score %v", c.score)
	}
}

func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	scorer := New()

	properties.Property("scores stay in [0,1] and match the confidence level", prop.ForAll(
		func(modelName string, hasVersion, hasSeed bool, temperature, topP float64, hasTopP, hasEnv, hasPrompt bool) bool {
			a := artifact.NewOpen()
			a.RunID = "run-prop"
			cfg := &artifact.ModelConfig{
				ModelName:  modelName,
				Parameters: artifact.ModelParameters{Temperature: temperature},
			}
			if hasVersion {
				cfg.ModelVersion = "2024-08-06"
			}
			if hasSeed {
				cfg.Parameters.Seed = ptr(int64(7))
			}
			if hasTopP {
				cfg.Parameters.TopP = ptr(topP)
			}
			a.LLMConfig = cfg
			if hasEnv {
				a.Environment = "staging"
			}
			if hasPrompt {
				a.Prompt = &artifact.ResolvedPrompt{
					Template:  "Hi {{name}}",
					Variables: map[string]any{"name": "Ada"},
					FinalText: "Hi Ada",
				}
			}

			report, err := scorer.Score(a)
			if err != nil {
				return false
			}
			if report.OverallScore < 0 || report.OverallScore > 1 {
				return false
			}
			if report.Confidence != Level(report.OverallScore) {
				return false
			}
			for name, cs := range report.Components {
				if cs.Score < 0 || cs.Score > 1 || cs.Weight != Weights()[name] {
					return false
				}
			}
			return len(report.Components) == 6
		},
		gen.AlphaString(),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 2),
		gen.Float64Range(0, 1),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestSealRunsScorer(t *testing.T) {
	a := pinnedArtifact()
	require.NoError(t, a.Seal(New()))

	require.NotNil(t, a.DeterminismReport)
	assert.True(t, a.Deterministic)
	assert.Equal(t, artifact.ConfidenceA, a.ReplayConfidence)
	assert.Equal(t, a.DeterminismReport.Confidence, a.ReplayConfidence)
}

func TestScoreNilArtifact(t *testing.T) {
	_, err := New().Score(nil)
	require.Error(t, err)
}
