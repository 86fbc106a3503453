// Package ars computes the Agent Regression Score: a weighted similarity in
// [0,1] between a baseline artifact and a candidate artifact, quantifying
// behavioral drift across model, prompt or configuration changes. Four
// components contribute: output similarity (0.40), tool match rate (0.30),
// side-effect divergence (0.20) and error delta (0.10). Structural
// difference is never an error; a component that cannot be compared scores
// zero. Batch, backtest and A/B engines aggregate pair scores against a
// pass threshold.
package ars

import (
	"bytes"
	"errors"
	"slices"
	"strings"

	"github.com/kurral/kurral/runtime/artifact"
)

// Component names, used as keys in score breakdowns.
const (
	ComponentOutputSimilarity     = "output_similarity"
	ComponentToolMatchRate        = "tool_match_rate"
	ComponentSideEffectDivergence = "side_effect_divergence"
	ComponentErrorDelta           = "error_delta"
)

// Component weights. They sum to 1.
const (
	weightOutputSimilarity     = 0.40
	weightToolMatchRate        = 0.30
	weightSideEffectDivergence = 0.20
	weightErrorDelta           = 0.10
)

// DefaultThreshold is the score below which a pair counts as a regression.
const DefaultThreshold = 0.90

type (
	// Calculator scores baseline/candidate artifact pairs. The zero value is
	// ready to use and safe for concurrent use.
	Calculator struct{}

	// Breakdown is a scored pair with its per-component contributions.
	Breakdown struct {
		Score      float64            `json:"ars_score"`
		Components map[string]float64 `json:"breakdown"`
		Weights    map[string]float64 `json:"weights"`
		Passed     bool               `json:"passed"`
	}

	// sideEffect is one side-effecting invocation in comparison form.
	sideEffect struct {
		Tool    string         `json:"tool"`
		Inputs  map[string]any `json:"inputs,omitempty"`
		Outputs any            `json:"outputs,omitempty"`
	}
)

// NewCalculator returns a Calculator.
func NewCalculator() *Calculator { return &Calculator{} }

// Weights returns the component weight table keyed by component name.
func Weights() map[string]float64 {
	return map[string]float64{
		ComponentOutputSimilarity:     weightOutputSimilarity,
		ComponentToolMatchRate:        weightToolMatchRate,
		ComponentSideEffectDivergence: weightSideEffectDivergence,
		ComponentErrorDelta:           weightErrorDelta,
	}
}

// Calculate returns the weighted score for one pair. 1.0 is a perfect match,
// 0.0 complete divergence.
func (c *Calculator) Calculate(baseline, candidate *artifact.Artifact) (float64, error) {
	b, err := c.CalculateWithBreakdown(baseline, candidate)
	if err != nil {
		return 0, err
	}
	return b.Score, nil
}

// CalculateWithBreakdown returns the score together with the per-component
// contributions. Passed reflects the default threshold.
func (c *Calculator) CalculateWithBreakdown(baseline, candidate *artifact.Artifact) (*Breakdown, error) {
	if baseline == nil || candidate == nil {
		return nil, errors.New("baseline and candidate artifacts are required")
	}
	components := map[string]float64{
		ComponentOutputSimilarity:     outputSimilarity(baseline, candidate),
		ComponentToolMatchRate:        toolMatchRate(baseline, candidate),
		ComponentSideEffectDivergence: sideEffectDivergence(baseline, candidate),
		ComponentErrorDelta:           errorDelta(baseline, candidate),
	}
	score := components[ComponentOutputSimilarity]*weightOutputSimilarity +
		components[ComponentToolMatchRate]*weightToolMatchRate +
		components[ComponentSideEffectDivergence]*weightSideEffectDivergence +
		components[ComponentErrorDelta]*weightErrorDelta
	return &Breakdown{
		Score:      score,
		Components: components,
		Weights:    Weights(),
		Passed:     score >= DefaultThreshold,
	}, nil
}

// outputSimilarity compares the canonical output documents. Equal documents
// score 1.0; unserializable outputs score 0.
func outputSimilarity(baseline, candidate *artifact.Artifact) float64 {
	b, errB := artifact.CanonicalJSON(baseline.Outputs)
	c, errC := artifact.CanonicalJSON(candidate.Outputs)
	if errB != nil || errC != nil {
		return 0
	}
	if bytes.Equal(b, c) {
		return 1
	}
	return lcsRatio(string(b), string(c))
}

// toolMatchRate is the Jaccard index over (tool name, canonical inputs)
// signatures. Two empty sequences match perfectly, identical sequences score
// 1.0 without set conversion.
func toolMatchRate(baseline, candidate *artifact.Artifact) float64 {
	if len(baseline.ToolCalls) == 0 && len(candidate.ToolCalls) == 0 {
		return 1
	}
	if len(baseline.ToolCalls) == 0 || len(candidate.ToolCalls) == 0 {
		return 0
	}
	bs, okB := callSignatures(baseline.ToolCalls)
	cs, okC := callSignatures(candidate.ToolCalls)
	if !okB || !okC {
		return 0
	}
	if slices.Equal(bs, cs) {
		return 1
	}
	return jaccard(bs, cs)
}

// callSignatures renders each call as name and canonical inputs joined by a
// separator that cannot appear in a tool name.
func callSignatures(calls []artifact.ToolCall) ([]string, bool) {
	sigs := make([]string, len(calls))
	for i, tc := range calls {
		in, err := artifact.CanonicalJSON(tc.Inputs)
		if err != nil {
			return nil, false
		}
		sigs[i] = tc.ToolName + "\x1f" + string(in)
	}
	return sigs, true
}

func jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}
	intersection := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// sideEffectDivergence compares the side-effecting subsets of the tool
// calls. Equal subsets score 1.0, a side effect present on only one side
// scores 0, and diverging subsets score their canonical LCS ratio.
func sideEffectDivergence(baseline, candidate *artifact.Artifact) float64 {
	be := extractSideEffects(baseline)
	ce := extractSideEffects(candidate)
	if len(be) == 0 && len(ce) == 0 {
		return 1
	}
	if len(be) == 0 || len(ce) == 0 {
		return 0
	}
	bj, errB := artifact.CanonicalJSON(be)
	cj, errC := artifact.CanonicalJSON(ce)
	if errB != nil || errC != nil {
		return 0
	}
	if bytes.Equal(bj, cj) {
		return 1
	}
	return lcsRatio(string(bj), string(cj))
}

func extractSideEffects(a *artifact.Artifact) []sideEffect {
	var effects []sideEffect
	for _, tc := range a.ToolCalls {
		if IsSideEffectTool(tc.ToolName) {
			effects = append(effects, sideEffect{Tool: tc.ToolName, Inputs: tc.Inputs, Outputs: tc.Outputs})
		}
	}
	return effects
}

// sideEffectPatterns are matched as substrings of the lowercased tool name.
var sideEffectPatterns = []string{"write", "delete", "update", "create", "send", "post", "put", "patch"}

// IsSideEffectTool reports whether a tool name denotes a side-effecting
// operation.
func IsSideEffectTool(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sideEffectPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// errorDelta compares the error status of the two runs. Matching status
// scores 1.0, a new or vanished error scores 0, and two different error
// messages score half their similarity.
func errorDelta(baseline, candidate *artifact.Artifact) float64 {
	be, ce := baseline.Error, candidate.Error
	if be == "" && ce == "" {
		return 1
	}
	if be == ce {
		return 1
	}
	if (be == "") != (ce == "") {
		return 0
	}
	return lcsRatio(be, ce) * 0.5
}

// lcsRatio is the normalized longest-common-subsequence similarity of two
// strings: 2*LCS/(len(a)+len(b)). Two empty strings are identical.
func lcsRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return 2 * float64(prev[len(b)]) / float64(len(a)+len(b))
}
