// Package main provides the kurral command line interface.
//
// handlers.go contains the RunE handler functions for the store-facing
// commands plus shared artifact loading helpers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kurral/kurral/config"
	"github.com/kurral/kurral/runtime/artifact"
	cacheinmem "github.com/kurral/kurral/runtime/cache/inmem"
	"github.com/kurral/kurral/runtime/replay"
	"github.com/kurral/kurral/runtime/store"
	"github.com/kurral/kurral/runtime/store/local"
	"github.com/kurral/kurral/runtime/telemetry"
)

// =============================================================================
// Shared Helpers
// =============================================================================

// openStore opens the local artifact store at the flag-provided path or at
// the configured one.
func openStore(ctx context.Context, storagePath string) (*local.Store, error) {
	if storagePath == "" {
		cfg, err := config.Load(ctx)
		if err != nil {
			return nil, err
		}
		storagePath = cfg.Storage.LocalPath
	}
	return local.New(local.Options{
		Root:    storagePath,
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
	})
}

// resolveArtifact loads the replay subject from a file path, a kurral id, a
// run id or the most recent index entry, in that precedence order.
func resolveArtifact(ctx context.Context, st *local.Store, ref string, latest bool, runID string) (*artifact.Artifact, error) {
	switch {
	case ref != "":
		if info, err := os.Stat(ref); err == nil && !info.IsDir() {
			return readArtifactFile(ref)
		}
		return st.Get(ctx, ref)
	case runID != "":
		return st.GetByRunID(ctx, runID)
	case latest:
		entries, err := st.List(ctx, store.Filter{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, errors.New("no artifacts in store")
		}
		return st.Get(ctx, entries[0].KurralID)
	default:
		return nil, errors.New("an artifact path, --latest or --run-id is required")
	}
}

func readArtifactFile(path string) (*artifact.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return artifact.Deserialize(data)
}

// newReplayEngine builds the offline replay engine used by the replay and ab
// commands: a fresh in-process cache primed per artifact, writes guarded.
func newReplayEngine() (*replay.Engine, error) {
	return replay.New(replay.Options{
		Cache:       cacheinmem.New(cacheinmem.Options{}),
		Logger:      telemetry.NewClueLogger(),
		GuardWrites: true,
	})
}

// finalAnswer picks the most readable answer out of a replayed output map:
// well-known keys first, then the first non-empty string value in key order,
// then the whole map as JSON.
func finalAnswer(outputs map[string]any) string {
	if len(outputs) == 0 {
		return "(no outputs)"
	}
	for _, key := range []string{"result", "full_text", "output", "answer"} {
		if answer, ok := answerValue(outputs[key]); ok {
			return answer
		}
	}
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := outputs[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return jsonString(outputs)
}

// answerValue renders a well-known output value: strings verbatim, other
// types as JSON. Empty and nil values are skipped so the search continues.
func answerValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		if strings.TrimSpace(val) == "" {
			return "", false
		}
		return val, true
	default:
		return jsonString(val), true
	}
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// =============================================================================
// Replay Command Handler
// =============================================================================

func runReplay(cmd *cobra.Command, ref string, latest bool, runID, storagePath string, verbose bool) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, storagePath)
	if err != nil {
		return err
	}
	a, err := resolveArtifact(ctx, st, ref, latest, runID)
	if err != nil {
		return err
	}

	eng, err := newReplayEngine()
	if err != nil {
		return err
	}
	res, err := eng.Replay(ctx, a, replay.Overrides{})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Replay type: canonical")
	if res.Partial {
		fmt.Fprintln(out, "Partial: replay interrupted before completion")
	}
	fmt.Fprintf(out, "Duration: %dms\n", res.DurationMS)
	fmt.Fprintf(out, "Cache: %d hits, %d misses\n", res.CacheHits, res.CacheMisses)
	fmt.Fprintf(out, "Hash match: %t\n", res.Validation.HashMatch)
	fmt.Fprintf(out, "\n=== Final Answer ===\n%s\n", finalAnswer(res.Outputs))

	if verbose {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n=== Full Result ===\n%s\n", data)
	}
	return nil
}

// =============================================================================
// List Command Handler
// =============================================================================

func runList(cmd *cobra.Command, limit int, bucket, storagePath string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, storagePath)
	if err != nil {
		return err
	}
	entries, err := st.List(ctx, store.Filter{Bucket: bucket, Limit: limit})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No artifacts found")
		return nil
	}

	fmt.Fprintf(out, "Found %d artifacts:\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "ID:       %s\n", e.KurralID)
		fmt.Fprintf(out, "Run:      %s\n", e.RunID)
		fmt.Fprintf(out, "Created:  %s\n", e.CreatedAt.Format(time.RFC3339))
		if len(e.SemanticBuckets) > 0 {
			fmt.Fprintf(out, "Buckets:  %s\n", strings.Join(e.SemanticBuckets, ", "))
		}
		fmt.Fprintln(out, "---")
	}
	return nil
}

// =============================================================================
// Stats Command Handler
// =============================================================================

func runStats(cmd *cobra.Command, storagePath string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, storagePath)
	if err != nil {
		return err
	}
	entries, err := st.List(ctx, store.Filter{})
	if err != nil {
		return err
	}

	var totalBytes int64
	buckets := map[string]int{}
	for _, e := range entries {
		if info, err := os.Stat(filepath.Join(st.Root(), e.KurralID+store.Ext)); err == nil {
			totalBytes += info.Size()
		}
		for _, b := range e.SemanticBuckets {
			buckets[b]++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Storage path: %s\n", st.Root())
	fmt.Fprintf(out, "Artifacts:    %d\n", len(entries))
	fmt.Fprintf(out, "Total size:   %s\n", formatBytes(totalBytes))
	if len(buckets) > 0 {
		names := make([]string, 0, len(buckets))
		for b := range buckets {
			names = append(names, b)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, b := range names {
			parts[i] = fmt.Sprintf("%s (%d)", b, buckets[b])
		}
		fmt.Fprintf(out, "Buckets:      %s\n", strings.Join(parts, ", "))
	}
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// =============================================================================
// Validate Command Handler
// =============================================================================

func runValidate(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	a, err := artifact.Deserialize(data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: valid\n", filepath.Base(path))
	fmt.Fprintf(out, "  kurral_id:  %s\n", a.KurralID)
	fmt.Fprintf(out, "  run_id:     %s\n", a.RunID)
	fmt.Fprintf(out, "  schema:     %s\n", a.SchemaVersion)
	fmt.Fprintf(out, "  created:    %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  tool calls: %d\n", len(a.ToolCalls)+len(a.MCPToolCalls))
	if a.ReplayConfidence != "" && a.DeterminismReport != nil {
		fmt.Fprintf(out, "  confidence: %s (%.2f)\n", a.ReplayConfidence, a.DeterminismReport.OverallScore)
	}
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigShow(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return err
	}
	masked := *cfg
	if masked.API.Key != "" {
		masked.API.Key = "***"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s", data)
	fmt.Fprintln(out, "\nConfig file locations (first hit wins):")
	printLocations(out)
	return nil
}

func runConfigInit(cmd *cobra.Command, user, project bool) error {
	if user && project {
		return errors.New("--user and --project are mutually exclusive")
	}
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return err
	}
	path := config.UserPath()
	if project {
		path = config.ProjectPath()
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Config file locations (first hit wins):")
	printLocations(out)
	return nil
}

func printLocations(out io.Writer) {
	for _, p := range config.Locations() {
		status := "not found"
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			status = "exists"
		}
		fmt.Fprintf(out, "  %-9s %s\n", status, p)
	}
}
