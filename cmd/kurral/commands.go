// Package main provides the kurral command line interface.
//
// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its handler.
package main

import (
	"github.com/spf13/cobra"

	"github.com/kurral/kurral/runtime/ars"
)

// =============================================================================
// Replay Command
// =============================================================================

func buildReplayCmd() *cobra.Command {
	var (
		latest      bool
		runID       string
		storagePath string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "replay [artifact]",
		Short: "Replay a stored artifact",
		Long: `Replay a Kurral artifact offline. The artifact is selected by file path,
by kurral_id, by run id or with --latest. Tool calls are answered from the
recorded cache; nothing external is executed.`,
		Example: `  # Replay by file path
  kurral replay artifacts/2f6f1c.kurral

  # Replay the most recent artifact
  kurral replay --latest

  # Replay by run id with the full result
  kurral replay --run-id local_quoter_1700000000 --verbose`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return runReplay(cmd, ref, latest, runID, storagePath, verbose)
		},
	}

	cmd.Flags().BoolVarP(&latest, "latest", "l", false, "Replay the most recent artifact")
	cmd.Flags().StringVar(&runID, "run-id", "", "Replay the artifact recorded for this run id")
	cmd.Flags().StringVar(&storagePath, "storage-path", "",
		"Artifact store directory (defaults to the configured path)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the full replay result as JSON")

	return cmd
}

// =============================================================================
// List Command
// =============================================================================

func buildListCmd() *cobra.Command {
	var (
		limit       int
		bucket      string
		storagePath string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored artifacts",
		Long:  `List artifacts most recent first, optionally filtered by semantic bucket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, limit, bucket, storagePath)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of artifacts to show")
	cmd.Flags().StringVarP(&bucket, "bucket", "b", "", "Filter by semantic bucket")
	cmd.Flags().StringVar(&storagePath, "storage-path", "",
		"Artifact store directory (defaults to the configured path)")

	return cmd
}

// =============================================================================
// A/B Test Commands
// =============================================================================

func buildABCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ab",
		Short: "A/B test agent versions against recorded baselines",
	}
	cmd.AddCommand(buildABModelMigrationCmd(), buildABPromptChangeCmd(), buildABCompareCmd())
	return cmd
}

func buildABModelMigrationCmd() *cobra.Command {
	var (
		baseline   string
		modelA     string
		modelB     string
		threshold  float64
		maxReplays int
		output     string
	)

	cmd := &cobra.Command{
		Use:   "model-migration",
		Short: "Test the impact of a model migration",
		Long: `Replay a directory of baseline artifacts under a candidate model and score
each replay against its recording. The test fails when the average ARS
drops below the threshold.`,
		Example: `  kurral ab model-migration \
      --baseline ./artifacts \
      --model-a gpt-4 \
      --model-b gpt-4-turbo \
      --threshold 0.90`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelMigration(cmd, baseline, modelA, modelB, threshold, maxReplays, output)
		},
	}

	cmd.Flags().StringVar(&baseline, "baseline", "", "Baseline artifact directory or .kurral file (required)")
	cmd.Flags().StringVar(&modelA, "model-a", "", "Baseline model name (required)")
	cmd.Flags().StringVar(&modelB, "model-b", "", "Candidate model name (required)")
	cmd.Flags().Float64Var(&threshold, "threshold", ars.DefaultThreshold, "ARS threshold for passing (0.0-1.0)")
	cmd.Flags().IntVar(&maxReplays, "max-replays", 0, "Cap on replays executed (0 = replay every baseline)")
	cmd.Flags().StringVar(&output, "output", "", "Save the full result as JSON to this file")
	for _, name := range []string{"baseline", "model-a", "model-b"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	return cmd
}

func buildABPromptChangeCmd() *cobra.Command {
	var (
		baseline  string
		promptA   string
		promptB   string
		threshold float64
		output    string
	)

	cmd := &cobra.Command{
		Use:   "prompt-change",
		Short: "Test the impact of a prompt change",
		Long: `Replay a directory of baseline artifacts under the current and the candidate
prompt and compare the drift of each version against the recordings. The
command fails when the candidate is rejected.`,
		Example: `  kurral ab prompt-change \
      --baseline ./artifacts \
      --prompt-a "You are a helpful assistant." \
      --prompt-b "You are a terse assistant."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPromptChange(cmd, baseline, promptA, promptB, threshold, output)
		},
	}

	cmd.Flags().StringVar(&baseline, "baseline", "", "Baseline artifact directory or .kurral file (required)")
	cmd.Flags().StringVar(&promptA, "prompt-a", "", "Current prompt text (required)")
	cmd.Flags().StringVar(&promptB, "prompt-b", "", "Candidate prompt text (required)")
	cmd.Flags().Float64Var(&threshold, "threshold", ars.DefaultThreshold, "ARS threshold for passing (0.0-1.0)")
	cmd.Flags().StringVar(&output, "output", "", "Save the full result as JSON to this file")
	for _, name := range []string{"baseline", "prompt-a", "prompt-b"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	return cmd
}

func buildABCompareCmd() *cobra.Command {
	var (
		baseline  string
		candidate string
		threshold float64
		output    string
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Score two recorded artifact sets pair by pair",
		Long: `Score a candidate artifact set against a baseline set without replaying
anything. Sets are paired in lexicographic file order and must have equal
length.`,
		Example: `  kurral ab compare \
      --baseline ./recordings/v1 \
      --candidate ./recordings/v2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompareBatch(cmd, baseline, candidate, threshold, output)
		},
	}

	cmd.Flags().StringVar(&baseline, "baseline", "", "Baseline artifact directory or .kurral file (required)")
	cmd.Flags().StringVar(&candidate, "candidate", "", "Candidate artifact directory or .kurral file (required)")
	cmd.Flags().Float64Var(&threshold, "threshold", ars.DefaultThreshold, "ARS threshold for passing (0.0-1.0)")
	cmd.Flags().StringVar(&output, "output", "", "Save the full result as JSON to this file")
	for _, name := range []string{"baseline", "candidate"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	return cmd
}

// =============================================================================
// Stats Command
// =============================================================================

func buildStatsCmd() *cobra.Command {
	var storagePath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show artifact store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, storagePath)
		},
	}

	cmd.Flags().StringVar(&storagePath, "storage-path", "",
		"Artifact store directory (defaults to the configured path)")

	return cmd
}

// =============================================================================
// Validate Command
// =============================================================================

func buildValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <artifact.kurral>",
		Short: "Validate an artifact file",
		Long:  `Check an artifact file against the schema and its sealing invariants.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Kurral configuration",
	}
	cmd.AddCommand(buildConfigShowCmd(), buildConfigInitCmd(), buildConfigPathCmd())
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}
}

func buildConfigInitCmd() *cobra.Command {
	var (
		user    bool
		project bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to a config file",
		Long: `Capture the effective configuration (defaults, config file and environment
overrides) into a config file so environment variables are no longer needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, user, project)
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Save to the user config (~/.config/kurral/)")
	cmd.Flags().BoolVar(&project, "project", false, "Save to the project config (./.kurral/)")

	return cmd
}

func buildConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigPath(cmd)
		},
	}
}
