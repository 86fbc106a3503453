// Package main provides the kurral command line interface.
//
// Kurral captures deterministic execution traces of LLM agents and replays
// them offline. The CLI replays stored artifacts, lists and validates them,
// runs A/B backtests between agent versions, and serves the MCP
// record/replay proxy.
//
// # Basic Usage
//
// Replay the most recent artifact:
//
//	kurral replay --latest
//
// List stored artifacts:
//
//	kurral list --bucket customer_support
//
// Compare two models over a directory of recordings:
//
//	kurral ab model-migration --baseline ./artifacts --model-a gpt-4 --model-b gpt-4-turbo
//
// Start the MCP proxy in record mode:
//
//	kurral serve --mode record --upstream http://localhost:3000
//
// # Environment Variables
//
// Configuration can be provided via KURRAL_* environment variables or a
// config file (see "kurral config path"):
//
//   - KURRAL_STORAGE_BACKEND: artifact store backend (local, memory, mongo, api)
//   - KURRAL_LOCAL_STORAGE_PATH: local store directory (default ./artifacts)
//   - KURRAL_API_URL, KURRAL_API_KEY: Kurral metadata service for the api backend
//   - KURRAL_REDIS_URL: Redis connection for the tool-call cache and event streams
//   - KURRAL_MONGO_URL, KURRAL_MONGO_DATABASE: MongoDB connection for the mongo backend
//   - KURRAL_DEBUG: enable debug logging
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

// Build information, populated by ldflags.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	// Cobra prints "Error: <message>" to stderr; stdout stays reserved for
	// command results.
	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kurral",
		Short: "Kurral - deterministic agent capture and replay",
		Long: `Kurral captures deterministic execution traces of LLM agents and replays
them offline: byte-stable artifacts, tool-call caching, divergence scoring
and an MCP record/replay proxy.

Documentation: https://github.com/kurral/kurral`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildReplayCmd(),
		buildListCmd(),
		buildABCmd(),
		buildServeCmd(),
		buildStatsCmd(),
		buildValidateCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
