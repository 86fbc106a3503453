// Package determinism scores how reproducible a captured run is. Six
// weighted components rate the model pinning, sampling configuration,
// prompt capture, tool cacheability and environment snapshot of an
// artifact; the weighted sum maps to a replay confidence of A, B or C.
// The confidence is informational: replay treats every artifact the same.
package determinism

import (
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/kurral/kurral/runtime/artifact"
)

// Component names as they appear in the determinism report.
const (
	ComponentModelVersion = "model_version"
	ComponentRandomSeed   = "random_seed"
	ComponentPrompt       = "prompt"
	ComponentToolCache    = "tool_cache"
	ComponentEnvironment  = "environment"
	ComponentParameters   = "parameters"
)

// Confidence thresholds on the overall score.
const (
	ThresholdA = 0.90
	ThresholdB = 0.50
)

var weights = map[string]float64{
	ComponentModelVersion: 0.25,
	ComponentRandomSeed:   0.20,
	ComponentPrompt:       0.20,
	ComponentToolCache:    0.15,
	ComponentEnvironment:  0.10,
	ComponentParameters:   0.10,
}

// versionTail matches model names that embed a version as a hyphenated
// numeric tail, e.g. "gpt-4o-2024-08-06".
var versionTail = regexp.MustCompile(`-[0-9][0-9A-Za-z.]*$`)

func init() {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if math.Abs(total-1.0) > 1e-9 {
		panic(fmt.Sprintf("determinism: component weights sum to %v, want 1.0", total))
	}
}

// Scorer computes determinism reports. It is stateless and safe for
// concurrent use.
type Scorer struct{}

var _ artifact.Scorer = (*Scorer)(nil)

// New returns a Scorer.
func New() *Scorer { return &Scorer{} }

// Weights returns a copy of the component weight table.
func Weights() map[string]float64 {
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}

// Level maps an overall score to its replay confidence.
func Level(score float64) artifact.Confidence {
	switch {
	case score >= ThresholdA:
		return artifact.ConfidenceA
	case score >= ThresholdB:
		return artifact.ConfidenceB
	default:
		return artifact.ConfidenceC
	}
}

// Score implements artifact.Scorer.
func (s *Scorer) Score(a *artifact.Artifact) (*artifact.DeterminismReport, error) {
	if a == nil {
		return nil, errors.New("determinism: nil artifact")
	}

	r := &report{components: make(map[string]artifact.ComponentScore, len(weights))}
	scoreModelVersion(a.LLMConfig, r)
	scoreRandomSeed(a.LLMConfig, r)
	scorePrompt(a.Prompt, r)
	scoreToolCache(a.ToolCalls, r)
	scoreEnvironment(a, r)
	scoreParameters(a.LLMConfig, r)

	overall := 0.0
	for name, cs := range r.components {
		overall += weights[name] * cs.Score
	}

	return &artifact.DeterminismReport{
		OverallScore:  overall,
		Confidence:    Level(overall),
		Components:    r.components,
		MissingFields: r.missing,
		Warnings:      r.warnings,
	}, nil
}

type report struct {
	components map[string]artifact.ComponentScore
	missing    []string
	warnings   []string
}

func (r *report) add(name string, score float64, detail string) {
	r.components[name] = artifact.ComponentScore{
		Score:  score,
		Weight: weights[name],
		Detail: detail,
	}
}

func (r *report) miss(field string) { r.missing = append(r.missing, field) }
func (r *report) warn(msg string)   { r.warnings = append(r.warnings, msg) }

func scoreModelVersion(cfg *artifact.ModelConfig, r *report) {
	switch {
	case cfg == nil || cfg.ModelName == "":
		r.miss("llm_config")
		r.add(ComponentModelVersion, 0, "no model configuration captured")
	case cfg.ModelVersion != "":
		r.add(ComponentModelVersion, 1.0, "explicit model version pinned")
	case versionTail.MatchString(cfg.ModelName):
		r.add(ComponentModelVersion, 0.8, "version embedded in model name")
	default:
		r.miss("llm_config.model_version")
		r.add(ComponentModelVersion, 0.3, "generic model family name only")
	}
}

func scoreRandomSeed(cfg *artifact.ModelConfig, r *report) {
	if cfg != nil && cfg.Parameters.Seed != nil {
		r.add(ComponentRandomSeed, 1.0, "random seed pinned")
		return
	}
	r.miss("llm_config.parameters.seed")
	r.warn("random seed not pinned; sampling is not reproducible")
	r.add(ComponentRandomSeed, 0, "no random seed")
}

func scorePrompt(p *artifact.ResolvedPrompt, r *report) {
	if p == nil {
		r.miss("prompt")
		r.add(ComponentPrompt, 0, "no prompt captured")
		return
	}
	score := 0.0
	if p.Template != "" {
		score += 0.3
	} else {
		r.miss("prompt.template")
	}
	if len(p.Variables) > 0 && p.FinalText != "" {
		score += 0.4
	}
	if p.FinalText != "" {
		score += 0.3
	} else {
		r.miss("prompt.final_text")
	}
	r.add(ComponentPrompt, math.Min(score, 1.0), "prompt capture completeness")
}

func scoreToolCache(calls []artifact.ToolCall, r *report) {
	if len(calls) == 0 {
		r.add(ComponentToolCache, 1.0, "no tool calls")
		return
	}
	ok := 0
	for _, tc := range calls {
		if tc.CacheKey != "" && tc.Status == artifact.StatusOK {
			ok++
		}
	}
	if ok < len(calls) {
		r.warn(fmt.Sprintf("%d of %d tool calls cannot be stubbed from cache", len(calls)-ok, len(calls)))
	}
	detail := fmt.Sprintf("%d of %d tool calls cacheable", ok, len(calls))
	r.add(ComponentToolCache, float64(ok)/float64(len(calls)), detail)
}

func scoreEnvironment(a *artifact.Artifact, r *report) {
	score := 0.0
	if a.TimeEnv != nil {
		score += 0.5
		if len(a.TimeEnv.EnvironmentVars) > 0 {
			score += 0.2
		}
	} else {
		r.miss("time_env")
	}
	if a.Environment != "" {
		score += 0.3
	} else {
		r.miss("environment")
	}
	r.add(ComponentEnvironment, math.Min(score, 1.0), "environment snapshot completeness")
}

func scoreParameters(cfg *artifact.ModelConfig, r *report) {
	if cfg == nil {
		r.add(ComponentParameters, 0, "no sampling parameters captured")
		return
	}
	p := cfg.Parameters
	score := 0.0
	switch t := p.Temperature; {
	case t == 0:
		score += 0.5
	case t < 0.3:
		score += 0.3
	case t < 0.7:
		score += 0.1
	default:
		r.warn(fmt.Sprintf("temperature %.2f is outside the deterministic range", t))
	}
	switch {
	case p.TopP == nil || *p.TopP == 1:
		score += 0.3
	case *p.TopP > 0.9:
		score += 0.2
	}
	if p.FrequencyPenalty == nil || *p.FrequencyPenalty == 0 {
		score += 0.1
	}
	if p.PresencePenalty == nil || *p.PresencePenalty == 0 {
		score += 0.1
	}
	r.add(ComponentParameters, math.Min(score, 1.0), "sampling parameter determinism")
}
