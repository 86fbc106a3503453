// Package replay re-executes recorded runs offline. The engine primes the
// tool cache from a sealed artifact, stubs every replayable tool call,
// reconstructs the streaming output view and validates replayed outputs
// against the recording. Replay never contacts a model or a live tool:
// model-state overrides layer onto the result's LLM state, while a prompt or
// input override invalidates the recorded outputs and substitutes a
// deterministic simulated completion. Divergence is reported as data rather
// than as an error, and replay behavior is identical across confidence
// classes.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/cache"
	"github.com/kurral/kurral/runtime/hooks"
	"github.com/kurral/kurral/runtime/intercept"
	"github.com/kurral/kurral/runtime/telemetry"
)

type (
	// Options configures an Engine. Cache is required.
	Options struct {
		// Cache receives the primed tool stubs.
		Cache cache.Cache

		// Bus receives replay lifecycle events.
		Bus hooks.Bus

		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Clock supplies timestamps. Tests substitute a fake clock.
		Clock func() time.Time

		// GuardWrites raises the side-effect guard for the duration of each
		// replay, turning guarded writes into logged no-ops.
		GuardWrites bool
	}

	// Engine replays sealed artifacts. Safe for concurrent use.
	Engine struct {
		cache   cache.Cache
		bus     hooks.Bus
		log     telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		clock   func() time.Time
		guard   bool
	}

	// Overrides adjusts the replayed run. The zero value is a canonical
	// replay. Temperature, ModelName and MaxTokens only surface in the
	// result's LLM state; Prompt and Inputs change the question asked, so
	// they diverge the replayed outputs.
	Overrides struct {
		Inputs      map[string]any
		Prompt      *string
		Temperature *float64
		ModelName   *string
		MaxTokens   *int
	}

	// Result describes one replay. A replay cut short by context
	// cancellation is marked Partial: match is false and the diff lists
	// every output key that was never reconstructed.
	Result struct {
		ArtifactID  string                 `json:"kurral_id"`
		ReplayedAt  time.Time              `json:"replay_timestamp"`
		Outputs     map[string]any         `json:"outputs,omitempty"`
		Match       bool                   `json:"match"`
		Partial     bool                   `json:"partial,omitempty"`
		Diff        *Diff                  `json:"diff,omitempty"`
		ToolCalls   []artifact.ToolCall    `json:"tool_calls,omitempty"`
		DurationMS  int64                  `json:"duration_ms"`
		CacheHits   int                    `json:"cache_hits"`
		CacheMisses int                    `json:"cache_misses"`
		Stream      *Stream                `json:"stream,omitempty"`
		Graph       *artifact.GraphVersion `json:"graph_version,omitempty"`
		LLMState    *LLMState              `json:"llm_state,omitempty"`
		Validation  Validation             `json:"validation"`
		Metadata    Metadata               `json:"replay_metadata"`
	}

	// LLMState is the model configuration in effect for the replay: the
	// recorded configuration with any overrides layered on top.
	LLMState struct {
		ModelName    string                   `json:"model_name"`
		ModelVersion string                   `json:"model_version,omitempty"`
		Provider     string                   `json:"provider,omitempty"`
		Parameters   artifact.ModelParameters `json:"parameters"`
	}

	// Metadata identifies the replay and links it back to the recording.
	Metadata struct {
		ReplayID         string              `json:"replay_id"`
		RecordRef        string              `json:"record_ref"`
		Confidence       artifact.Confidence `json:"confidence,omitempty"`
		AssertionResults []string            `json:"assertion_results,omitempty"`
	}
)

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	e := &Engine{
		cache:   opts.Cache,
		bus:     opts.Bus,
		log:     opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		clock:   opts.Clock,
		guard:   opts.GuardWrites,
	}
	if e.log == nil {
		e.log = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.tracer == nil {
		e.tracer = telemetry.NewNoopTracer()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

// IsZero reports a canonical replay with nothing overridden.
func (o Overrides) IsZero() bool {
	return o.Inputs == nil && o.Prompt == nil && o.Temperature == nil &&
		o.ModelName == nil && o.MaxTokens == nil
}

// Replay re-executes one sealed artifact. A malformed or unsealed artifact
// fails fast with ErrArtifactInvalid; cache misses and output divergence are
// reported in the result, never as errors. Cancelling ctx ends the replay
// early with a partial result covering the tool calls consumed so far.
func (e *Engine) Replay(ctx context.Context, a *artifact.Artifact, ov Overrides) (*Result, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil artifact", artifact.ErrArtifactInvalid)
	}
	if err := artifact.CheckSchemaVersion(a.SchemaVersion); err != nil {
		return nil, err
	}
	if !a.Sealed() {
		return nil, fmt.Errorf("%w: artifact is not sealed", artifact.ErrArtifactInvalid)
	}

	ctx, span := e.tracer.Start(ctx, "kurral.replay")
	defer span.End()
	start := e.clock()

	if e.guard {
		release := intercept.Activate()
		defer release()
	}
	e.publish(ctx, hooks.NewReplayStartedEvent(a.RunID, a.KurralID))

	hits, misses, stubbed, err := e.prime(ctx, a)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	interrupted := err != nil

	replayed := map[string]any{}
	if !interrupted {
		replayed = replayedOutputs(a, ov)
	}

	validation, err := computeValidation(a.Outputs, replayed)
	if err != nil {
		return nil, err
	}
	match := validation.HashMatch && validation.StructuralMatch && !interrupted
	var diff *Diff
	if !match {
		diff = diffOutputs(a.Outputs, replayed)
	}
	var stream *Stream
	if !interrupted {
		stream = ReconstructStream(a.Outputs)
	}

	dur := e.clock().Sub(start)
	res := &Result{
		ArtifactID:  a.KurralID,
		ReplayedAt:  start.UTC(),
		Outputs:     replayed,
		Match:       match,
		Partial:     interrupted,
		Diff:        diff,
		ToolCalls:   stubbed,
		DurationMS:  dur.Milliseconds(),
		CacheHits:   hits,
		CacheMisses: misses,
		Stream:      stream,
		Graph:       a.GraphVersion,
		LLMState:    llmState(a, ov),
		Validation:  validation,
		Metadata: Metadata{
			ReplayID:   uuid.NewString(),
			RecordRef:  a.RunID,
			Confidence: a.ReplayConfidence,
		},
	}

	e.metrics.RecordTimer(telemetry.MetricReplaySeconds, dur)
	e.metrics.IncCounter(telemetry.MetricReplays, 1, "match", strconv.FormatBool(match))
	if hits > 0 {
		e.metrics.IncCounter(telemetry.MetricCacheHits, float64(hits))
	}
	if misses > 0 {
		e.metrics.IncCounter(telemetry.MetricCacheMisses, float64(misses))
	}

	mismatches := 0
	if diff != nil {
		mismatches = diff.Count()
	}
	e.publish(ctx, hooks.NewReplayCompletedEvent(a.RunID, a.KurralID, match, mismatches))
	msg := "replay completed"
	if interrupted {
		msg = "replay cancelled, returning partial result"
	}
	e.log.Info(ctx, msg,
		"run_id", a.RunID,
		"kurral_id", a.KurralID,
		"replay_id", res.Metadata.ReplayID,
		"canonical", ov.IsZero(),
		"match", match,
		"cache_hits", hits,
		"cache_misses", misses,
	)
	return res, nil
}

// prime loads the recorded tool calls into the cache. A call is replayable
// when it carries a cache key and either inputs or outputs; replayable calls
// are counted as hits and marked stubbed, the rest are counted as misses and
// carried through verbatim. A cancelled context stops the loop, returning
// the consumed prefix with the context error.
func (e *Engine) prime(ctx context.Context, a *artifact.Artifact) (hits, misses int, stubbed []artifact.ToolCall, err error) {
	stubbed = make([]artifact.ToolCall, 0, len(a.ToolCalls))
	for _, tc := range a.ToolCalls {
		if cerr := ctx.Err(); cerr != nil {
			return hits, misses, stubbed, cerr
		}
		if tc.CacheKey == "" || (tc.Outputs == nil && tc.Inputs == nil) {
			misses++
			stubbed = append(stubbed, tc)
			continue
		}
		if perr := e.cache.Put(ctx, tc.CacheKey, cache.EntryOf(tc)); perr != nil {
			return hits, misses, stubbed, fmt.Errorf("prime cache: %w", perr)
		}
		hits++
		tc.StubbedInReplay = true
		stubbed = append(stubbed, tc)
	}
	return hits, misses, stubbed, nil
}

// replayedOutputs derives the outputs of the replay. Model-state overrides
// keep the recorded outputs: the recording still answers the recorded
// question. Overriding the prompt or the inputs changes the question, so the
// primary text value is replaced with a simulated completion and the
// divergence surfaces through match=false and the diff.
func replayedOutputs(a *artifact.Artifact, ov Overrides) map[string]any {
	if ov.Prompt == nil && ov.Inputs == nil {
		return a.Outputs
	}
	out := make(map[string]any, len(a.Outputs)+1)
	for k, v := range a.Outputs {
		out[k] = v
	}
	out[primaryTextKey(a.Outputs)] = simulatedText(ov)
	return out
}

// primaryTextKey picks the output key carrying the run's answer, preferring
// the conventional answer keys and falling back to the first string-valued
// key in sorted order.
func primaryTextKey(outputs map[string]any) string {
	for _, key := range []string{"result", artifact.OutputKeyFullText, "output", "answer"} {
		if s, ok := outputs[key].(string); ok && s != "" {
			return key
		}
	}
	var keys []string
	for k, v := range outputs {
		if s, ok := v.(string); ok && s != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		return keys[0]
	}
	return artifact.OutputKeyFullText
}

// simulatedText stands in for the completion an overridden run would have
// produced. The fingerprint ties the text to the override, so distinct
// overrides yield distinct outputs and repeated replays identical ones.
func simulatedText(ov Overrides) string {
	material := make(map[string]any, 2)
	tags := make([]string, 0, 2)
	if ov.Inputs != nil {
		material["inputs"] = ov.Inputs
		tags = append(tags, "inputs")
	}
	if ov.Prompt != nil {
		material["prompt"] = *ov.Prompt
		tags = append(tags, "prompt")
	}
	fp, err := artifact.Hash(material)
	if err != nil || len(fp) < 12 {
		fp = "unhashable"
	} else {
		fp = fp[:12]
	}
	return fmt.Sprintf("[simulated: %s overridden, fingerprint %s]", strings.Join(tags, "+"), fp)
}

func (e *Engine) publish(ctx context.Context, evt hooks.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.log.Warn(ctx, "event subscriber failed", "event", string(evt.Type()), "err", err)
	}
}

// llmState layers the overrides over the recorded model configuration. An
// overridden model name drops the recorded version, which belonged to the
// recorded model.
func llmState(a *artifact.Artifact, ov Overrides) *LLMState {
	if a.LLMConfig == nil && ov.ModelName == nil && ov.Temperature == nil && ov.MaxTokens == nil {
		return nil
	}
	st := &LLMState{}
	if a.LLMConfig != nil {
		st.ModelName = a.LLMConfig.ModelName
		st.ModelVersion = a.LLMConfig.ModelVersion
		st.Provider = a.LLMConfig.Provider
		st.Parameters = a.LLMConfig.Parameters
	}
	if ov.ModelName != nil {
		st.ModelName = *ov.ModelName
		st.ModelVersion = ""
	}
	if ov.Temperature != nil {
		st.Parameters.Temperature = *ov.Temperature
	}
	if ov.MaxTokens != nil {
		mt := *ov.MaxTokens
		st.Parameters.MaxTokens = &mt
	}
	return st
}
