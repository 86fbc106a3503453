package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kurral/kurral/runtime/ars"
	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/replay"
	"github.com/kurral/kurral/runtime/store"
	"github.com/kurral/kurral/runtime/telemetry"
)

// =============================================================================
// A/B Test Command Handler
// =============================================================================

func runModelMigration(cmd *cobra.Command, baseline, modelA, modelB string, threshold float64, maxReplays int, output string) error {
	ctx := cmd.Context()

	baselines, err := loadArtifactSet(baseline)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "A/B test: model migration")
	fmt.Fprintf(out, "  baseline:  %s\n", modelA)
	fmt.Fprintf(out, "  candidate: %s\n", modelB)
	fmt.Fprintf(out, "  artifacts: %d\n\n", len(baselines))

	eng, err := newReplayEngine()
	if err != nil {
		return err
	}
	bt, err := ars.NewBacktest(ars.BacktestOptions{
		Replayer: eng,
		Logger:   telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	if maxReplays <= 0 {
		maxReplays = len(baselines)
	}
	res, err := bt.Run(ctx, ars.BacktestRequest{
		Baselines:  baselines,
		Candidate:  replay.Overrides{ModelName: &modelB},
		Threshold:  threshold,
		Strategy:   ars.SampleAll,
		MaxReplays: maxReplays,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s\n\n", res.Summary)
	fmt.Fprintf(out, "Mean ARS:   %.4f\n", res.Breakdown.AverageARS)
	fmt.Fprintf(out, "Min ARS:    %.4f\n", res.Breakdown.MinARS)
	fmt.Fprintf(out, "Max ARS:    %.4f\n", res.Breakdown.MaxARS)
	fmt.Fprintf(out, "Median ARS: %.4f\n", res.Breakdown.MedianARS)
	fmt.Fprintf(out, "Pass rate:  %.0f%%\n", res.Breakdown.PassRate*100)

	if len(res.Failures) > 0 {
		fmt.Fprintf(out, "\nRegressions (%d):\n", len(res.Failures))
		for i, f := range res.Failures {
			if i == 5 {
				fmt.Fprintf(out, "  ... and %d more\n", len(res.Failures)-5)
				break
			}
			fmt.Fprintf(out, "  %d. %s  ARS %.4f\n", i+1, f.KurralID, f.Score)
		}
	}

	if output != "" {
		if err := saveResultJSON(output, res); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nResults saved to: %s\n", output)
	}

	if !res.Passed {
		return fmt.Errorf("backtest failed: average ARS %.4f below threshold %.4f", res.Score, res.Threshold)
	}
	return nil
}

func runPromptChange(cmd *cobra.Command, baseline, promptA, promptB string, threshold float64, output string) error {
	ctx := cmd.Context()

	suite, err := loadArtifactSet(baseline)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "A/B test: prompt change")
	fmt.Fprintf(out, "  artifacts: %d\n\n", len(suite))

	eng, err := newReplayEngine()
	if err != nil {
		return err
	}
	ab, err := ars.NewABTest(ars.ABTestOptions{
		Replayer: eng,
		Logger:   telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	res, err := ab.PromptChange(ctx, suite, promptA, promptB, threshold)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s\n\n", res.Summary)
	fmt.Fprintf(out, "A mean ARS:     %.4f\n", res.AMean)
	fmt.Fprintf(out, "B mean ARS:     %.4f\n", res.BMean)
	fmt.Fprintf(out, "Improvement:    %+.2f%%\n", res.BImprovement*100)
	fmt.Fprintf(out, "Recommendation: %s\n", res.Recommendation)

	if len(res.Regressions) > 0 {
		fmt.Fprintf(out, "\nRegressions (%d):\n", len(res.Regressions))
		for i, r := range res.Regressions {
			if i == 5 {
				fmt.Fprintf(out, "  ... and %d more\n", len(res.Regressions)-5)
				break
			}
			fmt.Fprintf(out, "  %d. %s  A %.4f  B %.4f\n", i+1, r.ArtifactID, r.AScore, r.BScore)
		}
	}

	if output != "" {
		if err := saveResultJSON(output, res); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nResults saved to: %s\n", output)
	}

	if res.Recommendation == ars.RecommendReject {
		return fmt.Errorf("prompt change rejected: candidate mean ARS %.4f", res.BMean)
	}
	return nil
}

func runCompareBatch(cmd *cobra.Command, baseline, candidate string, threshold float64, output string) error {
	baselines, err := loadArtifactSet(baseline)
	if err != nil {
		return err
	}
	candidates, err := loadArtifactSet(candidate)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "ARS batch comparison")
	fmt.Fprintf(out, "  pairs: %d\n\n", len(baselines))

	res, err := ars.NewBatchCalculator(threshold).CalculateBatch(baselines, candidates)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Average ARS: %.4f\n", res.AverageARS)
	fmt.Fprintf(out, "Min ARS:     %.4f\n", res.MinARS)
	fmt.Fprintf(out, "Max ARS:     %.4f\n", res.MaxARS)
	fmt.Fprintf(out, "Failures:    %d of %d\n", res.Failures, res.TotalPairs)
	fmt.Fprintf(out, "Verdict:     %s\n", passVerdictOf(res.Passed))

	if output != "" {
		if err := saveResultJSON(output, res); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nResults saved to: %s\n", output)
	}

	if !res.Passed {
		return fmt.Errorf("comparison failed: average ARS %.4f below threshold", res.AverageARS)
	}
	return nil
}

func passVerdictOf(passed bool) string {
	if passed {
		return "PASSED"
	}
	return "FAILED"
}

func saveResultJSON(path string, res any) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}

// loadArtifactSet reads one .kurral file or every .kurral file in a
// directory, lexicographic order.
func loadArtifactSet(path string) ([]*artifact.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !info.IsDir() {
		a, err := readArtifactFile(path)
		if err != nil {
			return nil, err
		}
		return []*artifact.Artifact{a}, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*"+store.Ext))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	baselines := make([]*artifact.Artifact, 0, len(matches))
	for _, m := range matches {
		a, err := readArtifactFile(m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(m), err)
		}
		baselines = append(baselines, a)
	}
	if len(baselines) == 0 {
		return nil, fmt.Errorf("no artifacts found in %s", path)
	}
	return baselines, nil
}
