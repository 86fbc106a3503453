// Package artifact defines the Kurral artifact: the immutable record of one
// agent execution sufficient to replay it offline. It provides the artifact
// schema types, canonical JSON serialization, content hashing, and the
// open/seal lifecycle. An artifact is mutable only while open; sealing
// computes every derived hash, runs the determinism scorer, assigns the
// replay confidence, and freezes the value.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Artifact is the root trace document. Field names mirror the on-disk
	// schema; optional fields are omitted from canonical output when empty.
	Artifact struct {
		// KurralID uniquely identifies the artifact across the store (UUID v4).
		KurralID string `json:"kurral_id"`

		// RunID is the originating run identifier, free-form. Defaults to
		// "local_<agent>_<unix>" when the recorder names the run itself.
		RunID string `json:"run_id"`

		// TenantID scopes the artifact to a tenant in multi-tenant stores.
		TenantID string `json:"tenant_id,omitempty"`

		// SemanticBuckets are ordered free-form tags grouping artifacts by
		// business meaning (e.g. "refund_flow").
		SemanticBuckets []string `json:"semantic_buckets,omitempty"`

		// Environment labels the capture environment (e.g. "production").
		Environment string `json:"environment,omitempty"`

		// SchemaVersion is MAJOR.MINOR.PATCH. Readers refuse newer majors.
		SchemaVersion string `json:"schema_version"`

		// CreatedAt is the capture timestamp, UTC.
		CreatedAt time.Time `json:"created_at"`

		// CreatedBy optionally identifies the creator, e.g. "recorder:<agent>".
		CreatedBy string `json:"created_by,omitempty"`

		// Deterministic reports whether the overall determinism score reached
		// the deterministic threshold (0.90).
		Deterministic bool `json:"deterministic"`

		// ReplayConfidence is the reproducibility rating derived from the
		// determinism score. It is metadata only: replay execution is identical
		// across confidence levels.
		ReplayConfidence Confidence `json:"replay_confidence,omitempty"`

		// DeterminismReport carries the per-component determinism scores.
		DeterminismReport *DeterminismReport `json:"determinism_report,omitempty"`

		// Inputs is the sanitized snapshot of the agent inputs.
		Inputs map[string]any `json:"inputs,omitempty"`

		// Outputs is the agent output payload. Streaming runs populate the
		// well-known keys full_text, items, total_items, truncated, stream_map
		// and stream_metadata.
		Outputs map[string]any `json:"outputs,omitempty"`

		// Error is the agent error text when the run failed.
		Error string `json:"error,omitempty"`

		// LLMConfig records the model configuration in effect for the run.
		LLMConfig *ModelConfig `json:"llm_config,omitempty"`

		// Prompt is the resolved prompt with its derived hashes.
		Prompt *ResolvedPrompt `json:"prompt,omitempty"`

		// GraphVersion fingerprints the agent graph and its tool schemas.
		GraphVersion *GraphVersion `json:"graph_version,omitempty"`

		// ToolCalls are the observed tool invocations in observation order.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`

		// MCPToolCalls are tool invocations captured at the MCP proxy,
		// including their SSE event sequences.
		MCPToolCalls []MCPToolCall `json:"mcp_tool_calls,omitempty"`

		// TimeEnv snapshots the wall clock and environment at capture time.
		TimeEnv *TimeEnvironment `json:"time_env,omitempty"`

		// DurationMS is the wall-clock duration of the run in milliseconds.
		DurationMS int64 `json:"duration_ms"`

		// CostUSD is the estimated run cost when known.
		CostUSD *float64 `json:"cost_usd,omitempty"`

		// TokenUsage aggregates provider-reported token counts.
		TokenUsage *TokenUsage `json:"token_usage,omitempty"`

		// Tags is a free-form string map.
		Tags map[string]string `json:"tags,omitempty"`

		sealed    bool
		fragments []fragment
	}

	// Confidence rates an artifact's reproducibility. The rating never gates
	// replay behavior.
	Confidence string

	// ModelConfig describes the model invocation configuration.
	ModelConfig struct {
		ModelName     string          `json:"model_name"`
		ModelVersion  string          `json:"model_version,omitempty"`
		Provider      string          `json:"provider,omitempty"`
		Parameters    ModelParameters `json:"parameters"`
		StopSequences []string        `json:"stop_sequences,omitempty"`
	}

	// ModelParameters are the sampling parameters relevant to determinism.
	ModelParameters struct {
		Temperature      float64  `json:"temperature"`
		Seed             *int64   `json:"seed,omitempty"`
		TopP             *float64 `json:"top_p,omitempty"`
		TopK             *int     `json:"top_k,omitempty"`
		MaxTokens        *int     `json:"max_tokens,omitempty"`
		FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	}

	// ResolvedPrompt is the prompt as sent to the model, with derived hashes
	// over the template, the final rendered text and the variables map.
	ResolvedPrompt struct {
		Template      string          `json:"template,omitempty"`
		TemplateID    string          `json:"template_id,omitempty"`
		Variables     map[string]any  `json:"variables,omitempty"`
		FinalText     string          `json:"final_text,omitempty"`
		SystemPrompt  string          `json:"system_prompt,omitempty"`
		Messages      []PromptMessage `json:"messages,omitempty"`
		TemplateHash  string          `json:"template_hash,omitempty"`
		FinalTextHash string          `json:"final_text_hash,omitempty"`
		VariablesHash string          `json:"variables_hash,omitempty"`
	}

	// PromptMessage is one message of a chat-style prompt.
	PromptMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ToolCall records one tool invocation observed during capture.
	ToolCall struct {
		ToolName   string         `json:"tool_name"`
		Namespace  string         `json:"namespace,omitempty"`
		Inputs     map[string]any `json:"inputs,omitempty"`
		Outputs    any            `json:"outputs,omitempty"`
		EffectType EffectType     `json:"effect_type"`
		LatencyMS  int64          `json:"latency_ms"`
		Status     ToolStatus     `json:"status"`
		ErrorText  string         `json:"error_text,omitempty"`
		Summary    string         `json:"summary,omitempty"`

		// CacheKey is SHA-256(tool_name | 0x1F | canonical_json(inputs)),
		// computed at seal time. It is the sole means by which a replayed
		// tool call finds its cached output.
		CacheKey string `json:"cache_key,omitempty"`

		// OutputHash is SHA-256(canonical_json(outputs)) when outputs are
		// present, computed at seal time.
		OutputHash string `json:"output_hash,omitempty"`

		// StubbedInReplay marks copies produced by the replay engine. Never
		// true on captured artifacts.
		StubbedInReplay bool `json:"stubbed_in_replay,omitempty"`

		StartedAt time.Time `json:"started_at"`
		EndedAt   time.Time `json:"ended_at"`
	}

	// EffectType classifies the externally visible consequence of a tool call.
	EffectType string

	// ToolStatus is the terminal status of a tool call.
	ToolStatus string

	// MCPToolCall records one JSON-RPC tool invocation captured at the MCP
	// proxy together with its SSE event sequence when the response streamed.
	MCPToolCall struct {
		Server    string         `json:"server"`
		Method    string         `json:"method"`
		ToolName  string         `json:"tool_name,omitempty"`
		Arguments map[string]any `json:"arguments,omitempty"`
		Result    any            `json:"result,omitempty"`
		WasSSE    bool           `json:"was_sse"`
		Events    []MCPEvent     `json:"events,omitempty"`
		CacheKey  string         `json:"cache_key,omitempty"`
	}

	// MCPEvent is one parsed SSE record of a streamed MCP call. TSMS is
	// relative to the start of the call.
	MCPEvent struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data,omitempty"`
		TSMS      int64          `json:"ts_ms"`
	}

	// GraphVersion fingerprints the agent graph structure and tool schemas.
	GraphVersion struct {
		GraphHash  string       `json:"graph_hash"`
		SchemaHash string       `json:"schema_hash,omitempty"`
		Tools      []ToolSchema `json:"tools,omitempty"`
	}

	// ToolSchema is the per-tool schema fingerprint inside a GraphVersion.
	ToolSchema struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		SchemaHash  string `json:"schema_hash"`
	}

	// TimeEnvironment snapshots the clock and the redacted environment
	// variables at capture time. WallClockTime repeats the timestamp as an
	// RFC 3339 string so documents stay readable without date parsing.
	TimeEnvironment struct {
		Timestamp       time.Time         `json:"timestamp"`
		Timezone        string            `json:"timezone"`
		WallClockTime   string            `json:"wall_clock_time,omitempty"`
		EnvironmentVars map[string]string `json:"environment_vars,omitempty"`
	}

	// TokenUsage aggregates provider token counts. Optional counters are
	// pointers so unreported values are omitted rather than recorded as zero.
	TokenUsage struct {
		PromptTokens        int      `json:"prompt_tokens"`
		CompletionTokens    int      `json:"completion_tokens"`
		TotalTokens         int      `json:"total_tokens"`
		CachedTokens        *int     `json:"cached_tokens,omitempty"`
		CacheCreationTokens *int     `json:"cache_creation_tokens,omitempty"`
		CacheReadTokens     *int     `json:"cache_read_tokens,omitempty"`
		CacheHitRate        *float64 `json:"cache_hit_rate,omitempty"`
		ReasoningTokens     *int     `json:"reasoning_tokens,omitempty"`
	}

	// DeterminismReport is the scorer output persisted with the artifact.
	DeterminismReport struct {
		OverallScore  float64                   `json:"overall_score"`
		Confidence    Confidence                `json:"confidence"`
		Components    map[string]ComponentScore `json:"components"`
		MissingFields []string                  `json:"missing_fields,omitempty"`
		Warnings      []string                  `json:"warnings,omitempty"`
	}

	// ComponentScore is one weighted determinism component.
	ComponentScore struct {
		Score  float64 `json:"score"`
		Weight float64 `json:"weight"`
		Detail string  `json:"detail,omitempty"`
	}

	// Scorer computes a determinism report for an artifact. The concrete
	// implementation lives in runtime/determinism; the indirection keeps the
	// schema package free of scoring rules.
	Scorer interface {
		Score(a *Artifact) (*DeterminismReport, error)
	}

	fragment struct {
		text string
		tsMS int64
	}
)

// Confidence levels. A is assigned at overall score >= 0.90, B at >= 0.50,
// C below.
const (
	ConfidenceA Confidence = "A"
	ConfidenceB Confidence = "B"
	ConfidenceC Confidence = "C"
)

// Effect types.
const (
	EffectHTTP    EffectType = "HTTP"
	EffectDBWrite EffectType = "DB_WRITE"
	EffectEmail   EffectType = "EMAIL"
	EffectFS      EffectType = "FS"
	EffectMCP     EffectType = "MCP"
	EffectOther   EffectType = "OTHER"
)

// Tool call statuses.
const (
	StatusOK    ToolStatus = "OK"
	StatusError ToolStatus = "ERROR"
)

// Well-known output keys populated for streaming runs.
const (
	OutputKeyFullText       = "full_text"
	OutputKeyItems          = "items"
	OutputKeyTotalItems     = "total_items"
	OutputKeyTruncated      = "truncated"
	OutputKeyStreamMap      = "stream_map"
	OutputKeyStreamMetadata = "stream_metadata"
)

// CurrentSchemaVersion is written into newly opened artifacts.
const CurrentSchemaVersion = "1.0.0"

// DefaultStreamLimit caps the number of stream-map entries and retained
// items. Fragments beyond the limit still contribute to full_text.
const DefaultStreamLimit = 100

// DeterministicThreshold is the overall score at which an artifact is
// flagged deterministic.
const DeterministicThreshold = 0.90

var (
	// ErrArtifactInvalid reports a schema mismatch, a failed integrity check
	// or a sealing-time invariant violation. Operations that raise it must
	// not be retried.
	ErrArtifactInvalid = errors.New("artifact invalid")

	// ErrSealed reports a mutation attempted on a sealed artifact.
	ErrSealed = errors.New("artifact is sealed")
)

// InvariantViolationError describes which sealing invariant failed.
// It unwraps to ErrArtifactInvalid.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

// Error implements error.
func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("artifact invalid: %s: %s", e.Invariant, e.Detail)
}

// Unwrap makes the error match ErrArtifactInvalid under errors.Is.
func (e *InvariantViolationError) Unwrap() error { return ErrArtifactInvalid }

// NewOpen returns a new open artifact with a fresh UUID, the current schema
// version and a UTC creation timestamp. Callers populate the exported fields
// and record tool calls and stream fragments before sealing.
func NewOpen() *Artifact {
	return &Artifact{
		KurralID:      uuid.NewString(),
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     time.Now().UTC(),
	}
}

// Sealed reports whether the artifact has been sealed.
func (a *Artifact) Sealed() bool { return a.sealed }

// OpenCopy returns an unsealed deep copy of the artifact. The enrichment
// worker uses it to merge trace data into a stored artifact and seal the
// result again; the receiver is left untouched.
func (a *Artifact) OpenCopy() (*Artifact, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("copy artifact: %w", err)
	}
	var cp Artifact
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("copy artifact: %w", err)
	}
	return &cp, nil
}

// RecordToolCall appends a tool call while the artifact is open. Observation
// order is preserved; seal applies a stable start-timestamp tie-break.
func (a *Artifact) RecordToolCall(tc ToolCall) error {
	if a.sealed {
		return ErrSealed
	}
	a.ToolCalls = append(a.ToolCalls, tc)
	return nil
}

// RecordStreamFragment appends an output fragment with its timestamp in
// milliseconds relative to the run start. Fragments are folded into the
// outputs stream map at seal time.
func (a *Artifact) RecordStreamFragment(text string, tsMS int64) error {
	if a.sealed {
		return ErrSealed
	}
	a.fragments = append(a.fragments, fragment{text: text, tsMS: tsMS})
	return nil
}

// Seal finalizes the artifact: orders tool calls, computes cache keys,
// output hashes and prompt hashes, folds recorded stream fragments into the
// outputs, runs the scorer when one is supplied, and validates the sealing
// invariants. After Seal the artifact is read-only; mutators return
// ErrSealed. A nil scorer keeps any previously attached report.
func (a *Artifact) Seal(scorer Scorer) error {
	if a.sealed {
		return ErrSealed
	}

	sort.SliceStable(a.ToolCalls, func(i, j int) bool {
		return a.ToolCalls[i].StartedAt.Before(a.ToolCalls[j].StartedAt)
	})

	for i := range a.ToolCalls {
		tc := &a.ToolCalls[i]
		if tc.Inputs != nil && tc.CacheKey == "" {
			key, err := CacheKey(tc.ToolName, tc.Inputs)
			if err != nil {
				return &InvariantViolationError{Invariant: "cache_key", Detail: err.Error()}
			}
			tc.CacheKey = key
		}
		if tc.Outputs != nil {
			h, err := Hash(tc.Outputs)
			if err != nil {
				return &InvariantViolationError{Invariant: "output_hash", Detail: err.Error()}
			}
			tc.OutputHash = h
		}
	}

	for i := range a.MCPToolCalls {
		mc := &a.MCPToolCalls[i]
		if mc.Arguments != nil && mc.CacheKey == "" {
			key, err := CacheKey(mc.ToolName, mc.Arguments)
			if err != nil {
				return &InvariantViolationError{Invariant: "cache_key", Detail: err.Error()}
			}
			mc.CacheKey = key
		}
	}

	if a.Prompt != nil {
		if err := a.Prompt.computeHashes(); err != nil {
			return &InvariantViolationError{Invariant: "prompt_hash", Detail: err.Error()}
		}
	}

	if len(a.fragments) > 0 {
		a.foldStream()
	}
	if err := validateStreamOutputs(a.Outputs); err != nil {
		return err
	}

	if scorer != nil {
		report, err := scorer.Score(a)
		if err != nil {
			return fmt.Errorf("score artifact: %w", err)
		}
		a.DeterminismReport = report
		a.ReplayConfidence = report.Confidence
		a.Deterministic = report.OverallScore >= DeterministicThreshold
	}

	a.sealed = true
	a.fragments = nil
	return nil
}

// foldStream converts the recorded fragments into the well-known streaming
// output keys. Values are written in JSON-native form so serialized and
// deserialized artifacts compare equal.
func (a *Artifact) foldStream() {
	var (
		full    strings.Builder
		entries []any
		items   []any
	)
	offset := 0
	for i, f := range a.fragments {
		full.WriteString(f.text)
		if i < DefaultStreamLimit {
			entries = append(entries, map[string]any{
				"fragment":     f.text,
				"offset":       float64(offset),
				"length":       float64(len(f.text)),
				"index":        float64(i),
				"timestamp_ms": float64(f.tsMS),
			})
			items = append(items, f.text)
		}
		offset += len(f.text)
	}

	total := len(a.fragments)
	truncated := total > DefaultStreamLimit
	durationMS := a.fragments[total-1].tsMS

	if a.Outputs == nil {
		a.Outputs = make(map[string]any)
	}
	a.Outputs[OutputKeyFullText] = full.String()
	a.Outputs[OutputKeyItems] = items
	a.Outputs[OutputKeyTotalItems] = float64(total)
	a.Outputs[OutputKeyTruncated] = truncated
	a.Outputs[OutputKeyStreamMap] = entries

	meta := map[string]any{
		"total_fragments":          float64(total),
		"total_stream_duration_ms": float64(durationMS),
		"stream_map_truncated":     truncated,
	}
	if total > 0 {
		meta["avg_fragment_length"] = float64(full.Len()) / float64(total)
	}
	if durationMS > 0 {
		meta["fragments_per_second"] = float64(total) / (float64(durationMS) / 1000.0)
	}
	a.Outputs[OutputKeyStreamMetadata] = meta
}

// validateStreamOutputs enforces the stream-map invariant: offsets strictly
// increasing and contiguous, and, on untruncated maps, lengths summing to
// the full text length. Truncated maps cover a prefix of the full text.
func validateStreamOutputs(outputs map[string]any) error {
	if outputs == nil {
		return nil
	}
	raw, ok := outputs[OutputKeyStreamMap]
	if !ok {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return &InvariantViolationError{Invariant: "stream_map", Detail: "stream_map is not a list"}
	}

	next := 0.0
	sum := 0.0
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return &InvariantViolationError{Invariant: "stream_map", Detail: fmt.Sprintf("entry %d is not an object", i)}
		}
		off, _ := m["offset"].(float64)
		length, _ := m["length"].(float64)
		if i > 0 && off != next {
			return &InvariantViolationError{
				Invariant: "stream_map",
				Detail:    fmt.Sprintf("entry %d offset %v, want %v", i, off, next),
			}
		}
		if i == 0 && off != 0 {
			return &InvariantViolationError{Invariant: "stream_map", Detail: "first offset is not zero"}
		}
		next = off + length
		sum += length
	}

	truncated, _ := outputs[OutputKeyTruncated].(bool)
	fullText, ok := outputs[OutputKeyFullText].(string)
	if ok && !truncated && len(entries) > 0 && int(sum) != len(fullText) {
		return &InvariantViolationError{
			Invariant: "stream_map",
			Detail:    fmt.Sprintf("lengths sum to %d, full_text is %d bytes", int(sum), len(fullText)),
		}
	}
	return nil
}

// computeHashes fills the three derived prompt hashes.
func (p *ResolvedPrompt) computeHashes() error {
	if p.Template != "" {
		h, err := Hash(p.Template)
		if err != nil {
			return err
		}
		p.TemplateHash = h
	}
	if p.FinalText != "" {
		h, err := Hash(p.FinalText)
		if err != nil {
			return err
		}
		p.FinalTextHash = h
	}
	if p.Variables != nil {
		h, err := Hash(p.Variables)
		if err != nil {
			return err
		}
		p.VariablesHash = h
	}
	return nil
}

// CheckSchemaVersion reports whether a document with the given schema version
// may be read by this package. Readers accept any version with a matching
// major and refuse newer majors.
func CheckSchemaVersion(v string) error {
	major, err := schemaMajor(v)
	if err != nil {
		return fmt.Errorf("%w: bad schema_version %q", ErrArtifactInvalid, v)
	}
	current, err := schemaMajor(CurrentSchemaVersion)
	if err != nil {
		return err
	}
	if major > current {
		return fmt.Errorf("%w: schema_version %s is newer than supported %s", ErrArtifactInvalid, v, CurrentSchemaVersion)
	}
	return nil
}

func schemaMajor(v string) (int, error) {
	head, _, ok := strings.Cut(v, ".")
	if !ok {
		return 0, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", v)
	}
	return strconv.Atoi(head)
}
