package ars

import (
	"fmt"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// BatchCalculator scores positional baseline/candidate pairs and
	// aggregates the results against a pass threshold.
	BatchCalculator struct {
		calc      *Calculator
		threshold float64
	}

	// PairScore is one scored pair of a batch.
	PairScore struct {
		BaselineID  string     `json:"baseline_id"`
		CandidateID string     `json:"candidate_id"`
		Score       float64    `json:"ars_score"`
		Breakdown   *Breakdown `json:"breakdown"`
	}

	// BatchResult aggregates a batch of pair scores. Passed reflects the
	// average score against the batch threshold; Failures counts individual
	// pairs below it.
	BatchResult struct {
		TotalPairs int         `json:"total_pairs"`
		AverageARS float64     `json:"average_ars"`
		MinARS     float64     `json:"min_ars"`
		MaxARS     float64     `json:"max_ars"`
		Failures   int         `json:"failures"`
		Passed     bool        `json:"passed"`
		Results    []PairScore `json:"results"`
	}
)

// NewBatchCalculator returns a batch calculator. A non-positive threshold
// selects the default.
func NewBatchCalculator(threshold float64) *BatchCalculator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &BatchCalculator{calc: NewCalculator(), threshold: threshold}
}

// CalculateBatch scores each pair positionally. The lists must have equal
// length.
func (b *BatchCalculator) CalculateBatch(baselines, candidates []*artifact.Artifact) (*BatchResult, error) {
	if len(baselines) != len(candidates) {
		return nil, fmt.Errorf("baseline and candidate lists differ in length: %d != %d", len(baselines), len(candidates))
	}
	res := &BatchResult{Results: make([]PairScore, 0, len(baselines))}
	var sum float64
	for i := range baselines {
		bd, err := b.calc.CalculateWithBreakdown(baselines[i], candidates[i])
		if err != nil {
			return nil, err
		}
		res.Results = append(res.Results, PairScore{
			BaselineID:  baselines[i].KurralID,
			CandidateID: candidates[i].KurralID,
			Score:       bd.Score,
			Breakdown:   bd,
		})
		sum += bd.Score
		if bd.Score < b.threshold {
			res.Failures++
		}
		if i == 0 || bd.Score < res.MinARS {
			res.MinARS = bd.Score
		}
		if bd.Score > res.MaxARS {
			res.MaxARS = bd.Score
		}
	}
	res.TotalPairs = len(res.Results)
	if res.TotalPairs > 0 {
		res.AverageARS = sum / float64(res.TotalPairs)
	}
	res.Passed = res.AverageARS >= b.threshold
	return res, nil
}
