// Package cache defines the content-addressed tool output cache that backs
// replay. Entries are addressed by the cache key derived from the tool name
// and the canonical form of its input, so any capture of the same invocation
// resolves to the same entry. Backends are pluggable; the in-memory backend
// lives in cache/inmem and a Redis backend in features/cache/redis.
package cache

import (
	"context"
	"time"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// Cache is the backend contract. Implementations expire entries after
	// their configured TTL; expired entries surface as misses.
	Cache interface {
		// Put stores an entry under its cache key, stamping StoredAt.
		Put(ctx context.Context, key string, e Entry) error

		// Get looks up an entry. A missing or expired key is (zero, false,
		// nil); the error return is reserved for backend failures.
		Get(ctx context.Context, key string) (Entry, bool, error)

		// Evict removes one entry. Evicting an absent key is a no-op.
		Evict(ctx context.Context, key string) error

		// EvictExpired sweeps expired entries and reports how many were
		// removed. Backends with native expiry may report zero.
		EvictExpired(ctx context.Context) (int, error)

		// Clear removes all entries.
		Clear(ctx context.Context) error

		// Stats reports entry and traffic counters.
		Stats(ctx context.Context) (Stats, error)
	}

	// Entry is one cached tool-call stub. It carries enough of the recorded
	// call that replay can reproduce the output, the latency and the error
	// without the artifact at hand.
	Entry struct {
		// ToolName is the tool that produced the output.
		ToolName string `json:"tool_name,omitempty"`

		// Input is the recorded tool input, JSON-native.
		Input map[string]any `json:"input,omitempty"`

		// Output is the recorded tool output, JSON-native.
		Output any `json:"output,omitempty"`

		// Status is the recorded call status.
		Status artifact.ToolStatus `json:"status,omitempty"`

		// LatencyMS is the recorded call latency.
		LatencyMS int64 `json:"latency_ms,omitempty"`

		// Summary is an optional human-readable description of the output.
		Summary string `json:"summary,omitempty"`

		// ErrorText carries the recorded error of a failed call.
		ErrorText string `json:"error_text,omitempty"`

		// EffectType is the recorded side-effect classification.
		EffectType artifact.EffectType `json:"effect_type,omitempty"`

		// OutputHash is the recorded canonical output hash.
		OutputHash string `json:"output_hash,omitempty"`

		// StoredAt is stamped by the backend on Put.
		StoredAt time.Time `json:"stored_at"`
	}

	// Stats are cache traffic counters.
	Stats struct {
		Entries   int   `json:"entries"`
		Hits      int64 `json:"hits"`
		Misses    int64 `json:"misses"`
		Evictions int64 `json:"evictions"`
	}
)

// DefaultTTL is the entry lifetime applied when a backend is configured
// without one.
const DefaultTTL = time.Hour

// EntryOf builds the stub for a recorded tool call.
func EntryOf(tc artifact.ToolCall) Entry {
	return Entry{
		ToolName:   tc.ToolName,
		Input:      tc.Inputs,
		Output:     tc.Outputs,
		Status:     tc.Status,
		LatencyMS:  tc.LatencyMS,
		Summary:    tc.Summary,
		ErrorText:  tc.ErrorText,
		EffectType: tc.EffectType,
		OutputHash: tc.OutputHash,
	}
}

// PutCall caches a tool invocation result under its derived key and returns
// the key.
func PutCall(ctx context.Context, c Cache, toolName string, input, output any, summary string) (string, error) {
	key, err := artifact.CacheKey(toolName, input)
	if err != nil {
		return "", err
	}
	e := Entry{ToolName: toolName, Output: output, Summary: summary, Status: artifact.StatusOK}
	if in, ok := input.(map[string]any); ok {
		e.Input = in
	}
	if err := c.Put(ctx, key, e); err != nil {
		return "", err
	}
	return key, nil
}

// GetCall looks up the cached result of a tool invocation by deriving its
// key from the tool name and input.
func GetCall(ctx context.Context, c Cache, toolName string, input any) (Entry, bool, error) {
	key, err := artifact.CacheKey(toolName, input)
	if err != nil {
		return Entry{}, false, err
	}
	return c.Get(ctx, key)
}

// Prime loads the tool calls of a sealed artifact into the cache and reports
// how many stubs were written. Failed calls prime too: their stubs carry the
// recorded status and error text so replay can reproduce the failure.
func Prime(ctx context.Context, c Cache, a *artifact.Artifact) (int, error) {
	n := 0
	for _, tc := range a.ToolCalls {
		if tc.CacheKey == "" {
			continue
		}
		if err := c.Put(ctx, tc.CacheKey, EntryOf(tc)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
