// Package capture records agent executions into sealed artifacts. A Recorder
// wraps the agent body: it opens an artifact, snapshots inputs and the
// environment, observes tool calls and stream fragments through the run, and
// seals and persists the artifact when the body returns. The agent's own
// result and error pass through unchanged; a failed run still produces a
// partial artifact carrying whatever was observed before the failure.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/hooks"
	"github.com/kurral/kurral/runtime/model"
	"github.com/kurral/kurral/runtime/store"
	"github.com/kurral/kurral/runtime/telemetry"
)

type (
	// Options configures a Recorder. Store is required; everything else
	// defaults to a no-op.
	Options struct {
		// Store receives sealed artifacts. Wrap it with store.NewFallback to
		// keep capturing through remote outages.
		Store store.Store

		// Scorer computes the determinism report at seal time. Nil skips
		// scoring.
		Scorer artifact.Scorer

		// Bus receives capture lifecycle events.
		Bus hooks.Bus

		// Adapters extracts model configuration and token usage from raw
		// provider responses. Nil falls back to a registry holding only the
		// generic adapter.
		Adapters *model.Registry

		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Clock supplies the current time. Tests substitute a fake clock.
		Clock func() time.Time

		// Enrichment supplies post-run trace data merged into persisted
		// artifacts. Nil disables enrichment.
		Enrichment EnrichmentSource

		// EnrichmentSettle is how long the enrichment worker waits before
		// fetching trace data, giving the tracing backend time to ingest the
		// run. Zero selects DefaultEnrichmentSettle; negative disables the
		// wait.
		EnrichmentSettle time.Duration

		// EnrichmentDeadline bounds one enrichment attempt end to end. Zero
		// selects DefaultEnrichmentDeadline.
		EnrichmentDeadline time.Duration
	}

	// Recorder captures agent executions. Safe for concurrent use; each Run
	// gets its own Recording.
	Recorder struct {
		store    store.Store
		scorer   artifact.Scorer
		bus      hooks.Bus
		adapters *model.Registry
		log      telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		clock    func() time.Time

		enrichment     EnrichmentSource
		enrichSettle   time.Duration
		enrichDeadline time.Duration
		wg             sync.WaitGroup
	}

	// AgentSpec identifies the agent and carries the static capture inputs.
	AgentSpec struct {
		// Name is the agent name. Required.
		Name string

		// Bucket is the semantic bucket; the artifact carries [Bucket, Name].
		Bucket string

		// TenantID scopes the artifact in multi-tenant stores.
		TenantID string

		// Environment labels the capture environment, e.g. "production".
		Environment string

		// RunID overrides the generated "local_<agent>_<unix>" identifier.
		RunID string

		// Inputs is the agent input payload, sanitized before recording.
		Inputs map[string]any

		// Prompt is the resolved prompt recorded with the run.
		Prompt *artifact.ResolvedPrompt

		// Model is the declared model configuration. A provider response
		// observed during the run takes precedence.
		Model *artifact.ModelConfig

		// Graph is fingerprinted into the artifact's graph version.
		Graph *GraphSpec

		// Tags is free-form metadata copied onto the artifact.
		Tags map[string]string
	}

	// AgentFunc is an agent body run under capture. The returned map becomes
	// the artifact outputs; wrap scalar results with Unary. A returned error
	// is recorded on the artifact and passed through to the caller.
	AgentFunc func(ctx context.Context, rec *Recording) (map[string]any, error)

	// StreamAgentFunc is a streaming agent body. Output flows through the
	// Emitter fragment by fragment; the folded stream becomes the artifact
	// outputs.
	StreamAgentFunc func(ctx context.Context, rec *Recording, emit *Emitter) error

	// Recording is the live handle of one capture. The agent body uses it to
	// observe tool calls and provider responses. It is dead once the
	// enclosing Run returns.
	Recording struct {
		r       *Recorder
		started time.Time

		mu  sync.Mutex
		art *artifact.Artifact
		seq int
	}

	// ToolSpan is one in-flight tool invocation opened by ToolStart and
	// closed by exactly one of End or Error. A second close is ignored.
	ToolSpan struct {
		rec  *Recording
		call artifact.ToolCall
		done bool
	}

	// Sink receives stream fragments in emission order.
	Sink interface {
		Write(ctx context.Context, fragment string) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(ctx context.Context, fragment string) error

	// Emitter forwards stream fragments to the caller's sink while recording
	// them into the open artifact with timestamps relative to the run start.
	Emitter struct {
		rec  *Recording
		sink Sink
	}
)

// Enrichment worker defaults.
const (
	DefaultEnrichmentSettle   = 2 * time.Second
	DefaultEnrichmentDeadline = 30 * time.Second
)

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, fragment string) error {
	return f(ctx, fragment)
}

// New constructs a Recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	r := &Recorder{
		store:          opts.Store,
		scorer:         opts.Scorer,
		bus:            opts.Bus,
		adapters:       opts.Adapters,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		clock:          opts.Clock,
		enrichment:     opts.Enrichment,
		enrichSettle:   opts.EnrichmentSettle,
		enrichDeadline: opts.EnrichmentDeadline,
	}
	if r.adapters == nil {
		r.adapters = model.NewRegistry()
	}
	if r.log == nil {
		r.log = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.enrichSettle == 0 {
		r.enrichSettle = DefaultEnrichmentSettle
	}
	if r.enrichDeadline <= 0 {
		r.enrichDeadline = DefaultEnrichmentDeadline
	}
	return r, nil
}

// Run executes the agent body under capture and returns the sealed artifact
// together with the body's outcome. The artifact is persisted even when the
// body fails or the context is canceled mid-run; the body's own error is
// returned unchanged in that case.
func (r *Recorder) Run(ctx context.Context, spec AgentSpec, fn AgentFunc) (*artifact.Artifact, error) {
	ctx, span := r.tracer.Start(ctx, "kurral.capture.run")
	defer span.End()

	rec, err := r.begin(ctx, spec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	outputs, agentErr := fn(ctx, rec)
	if agentErr != nil {
		span.RecordError(agentErr)
		span.SetStatus(codes.Error, "agent failed")
	}
	return r.finish(ctx, spec, rec, outputs, agentErr)
}

// RunStream executes a streaming agent body under capture. Fragments emitted
// through the Emitter reach the sink as they are produced and are folded
// into the artifact's stream outputs at seal time. A nil sink records
// without forwarding.
func (r *Recorder) RunStream(ctx context.Context, spec AgentSpec, sink Sink, fn StreamAgentFunc) (*artifact.Artifact, error) {
	ctx, span := r.tracer.Start(ctx, "kurral.capture.stream")
	defer span.End()

	rec, err := r.begin(ctx, spec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	agentErr := fn(ctx, rec, &Emitter{rec: rec, sink: sink})
	if agentErr != nil {
		span.RecordError(agentErr)
		span.SetStatus(codes.Error, "agent failed")
	}
	return r.finish(ctx, spec, rec, nil, agentErr)
}

// begin opens the artifact and publishes the capture.started event.
func (r *Recorder) begin(ctx context.Context, spec AgentSpec) (*Recording, error) {
	if spec.Name == "" {
		return nil, errors.New("agent name is required")
	}
	now := r.clock()

	a := artifact.NewOpen()
	a.CreatedAt = now.UTC()
	a.RunID = spec.RunID
	if a.RunID == "" {
		a.RunID = fmt.Sprintf("local_%s_%d", spec.Name, now.Unix())
	}
	a.CreatedBy = "recorder:" + spec.Name
	a.TenantID = spec.TenantID
	a.Environment = spec.Environment
	if spec.Bucket != "" {
		a.SemanticBuckets = []string{spec.Bucket, spec.Name}
	} else {
		a.SemanticBuckets = []string{spec.Name}
	}
	a.Inputs = SanitizeMap(spec.Inputs)
	a.Prompt = spec.Prompt
	a.LLMConfig = spec.Model
	a.Tags = spec.Tags
	a.TimeEnv = artifact.CaptureTimeEnv(now)
	if spec.Graph != nil {
		gv, err := GraphVersionOf(*spec.Graph)
		if err != nil {
			return nil, err
		}
		a.GraphVersion = gv
	}

	rec := &Recording{r: r, art: a, started: now}
	r.publish(ctx, hooks.NewCaptureStartedEvent(a.RunID, a.KurralID, spec.Name, a.Inputs))
	r.log.Debug(ctx, "capture started", "run_id", a.RunID, "kurral_id", a.KurralID, "agent", spec.Name)
	return rec, nil
}

// finish seals and persists the artifact. Persistence runs on a context
// detached from cancellation so an aborted run still leaves its partial
// artifact behind. The agent's error always wins over persistence errors,
// which are logged instead.
func (r *Recorder) finish(ctx context.Context, spec AgentSpec, rec *Recording, outputs map[string]any, agentErr error) (*artifact.Artifact, error) {
	now := r.clock()
	pctx := context.WithoutCancel(ctx)

	rec.mu.Lock()
	a := rec.art
	if outputs != nil {
		a.Outputs = SanitizeMap(outputs)
	}
	if agentErr != nil {
		a.Error = agentErr.Error()
	}
	a.DurationMS = now.Sub(rec.started).Milliseconds()
	sealErr := a.Seal(r.scorer)
	rec.mu.Unlock()

	if sealErr != nil {
		r.log.Error(pctx, "seal artifact failed", "run_id", a.RunID, "err", sealErr)
		return nil, errors.Join(agentErr, fmt.Errorf("seal artifact: %w", sealErr))
	}

	status := "ok"
	if agentErr != nil {
		status = "error"
	}
	r.metrics.IncCounter(telemetry.MetricCaptures, 1, "agent", spec.Name, "status", status)
	r.metrics.RecordTimer(telemetry.MetricCaptureSeconds, now.Sub(rec.started), "agent", spec.Name)

	putErr := r.store.Put(pctx, a)
	if putErr != nil {
		r.log.Error(pctx, "persist artifact failed", "run_id", a.RunID, "kurral_id", a.KurralID, "err", putErr)
	}
	r.publish(pctx, hooks.NewArtifactSealedEvent(a))
	r.log.Info(pctx, "capture sealed",
		"run_id", a.RunID,
		"kurral_id", a.KurralID,
		"agent", spec.Name,
		"confidence", string(a.ReplayConfidence),
		"tool_calls", len(a.ToolCalls),
		"duration_ms", a.DurationMS,
	)

	if agentErr != nil {
		return a, agentErr
	}
	if putErr != nil {
		return a, fmt.Errorf("persist artifact: %w", putErr)
	}
	if r.enrichment != nil {
		r.enrichAsync(a.KurralID, a.RunID)
	}
	return a, nil
}

func (r *Recorder) publish(ctx context.Context, evt hooks.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, evt); err != nil {
		r.log.Warn(ctx, "event subscriber failed", "event", string(evt.Type()), "err", err)
	}
}

// Wait blocks until in-flight enrichment workers finish. Call it on shutdown
// so pending artifact rewrites are not lost.
func (r *Recorder) Wait() { r.wg.Wait() }

// RunID returns the run identifier of the open artifact.
func (rec *Recording) RunID() string { return rec.art.RunID }

// KurralID returns the artifact identifier.
func (rec *Recording) KurralID() string { return rec.art.KurralID }

// ToolStart opens a span for one tool invocation. Inputs are sanitized at
// this point, so later mutation by the tool does not alter the record.
func (rec *Recording) ToolStart(ctx context.Context, name string, inputs map[string]any) *ToolSpan {
	now := rec.r.clock()
	return &ToolSpan{
		rec: rec,
		call: artifact.ToolCall{
			ToolName:   name,
			Inputs:     SanitizeMap(inputs),
			EffectType: InferEffectType(name),
			StartedAt:  now.UTC(),
		},
	}
}

// ObserveModelResponse extracts the model configuration and token usage from
// a raw provider response and attaches them to the artifact. Typed SDK
// responses are claimed by their registered adapter; anything else goes
// through the generic extractor. The latest observed response wins.
func (rec *Recording) ObserveModelResponse(resp any) {
	cfg, cfgOK := rec.r.adapters.ExtractConfig(resp)
	usage, usageOK := rec.r.adapters.ExtractUsage(resp)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.art.Sealed() {
		return
	}
	if cfgOK && cfg != nil {
		rec.art.LLMConfig = cfg
	}
	if usageOK && usage != nil {
		rec.art.TokenUsage = usage
	}
}

func (rec *Recording) recordFragment(text string) (int, int64, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	ts := rec.r.clock().Sub(rec.started).Milliseconds()
	if ts < 0 {
		ts = 0
	}
	if err := rec.art.RecordStreamFragment(text, ts); err != nil {
		return 0, 0, err
	}
	idx := rec.seq
	rec.seq++
	return idx, ts, nil
}

// SetNamespace labels the invocation with a tool namespace such as an MCP
// server name.
func (s *ToolSpan) SetNamespace(ns string) { s.call.Namespace = ns }

// SetEffectType overrides the effect type inferred from the tool name.
func (s *ToolSpan) SetEffectType(et artifact.EffectType) { s.call.EffectType = et }

// End closes the span successfully. Outputs are sanitized and recorded.
func (s *ToolSpan) End(ctx context.Context, outputs any) {
	s.close(ctx, outputs, nil)
}

// Error closes the span with a failure.
func (s *ToolSpan) Error(ctx context.Context, err error) {
	s.close(ctx, nil, err)
}

func (s *ToolSpan) close(ctx context.Context, outputs any, err error) {
	s.rec.mu.Lock()
	if s.done {
		s.rec.mu.Unlock()
		return
	}
	s.done = true
	now := s.rec.r.clock()
	s.call.EndedAt = now.UTC()
	s.call.LatencyMS = now.UTC().Sub(s.call.StartedAt).Milliseconds()
	if err != nil {
		s.call.Status = artifact.StatusError
		s.call.ErrorText = err.Error()
	} else {
		s.call.Status = artifact.StatusOK
		if outputs != nil {
			s.call.Outputs = Sanitize(outputs)
		}
	}
	recErr := s.rec.art.RecordToolCall(s.call)
	runID, kurralID := s.rec.art.RunID, s.rec.art.KurralID
	s.rec.mu.Unlock()

	if recErr != nil {
		// Late callback after seal; the invocation is dropped.
		s.rec.r.log.Warn(ctx, "tool call dropped", "tool", s.call.ToolName, "err", recErr)
		return
	}
	s.rec.r.publish(ctx, hooks.NewToolCallRecordedEvent(runID, kurralID, s.call))
}

// Emit records one output fragment and forwards it to the sink. Emitting
// after the run is sealed fails.
func (e *Emitter) Emit(ctx context.Context, fragment string) error {
	idx, ts, err := e.rec.recordFragment(fragment)
	if err != nil {
		return err
	}
	e.rec.r.publish(ctx, hooks.NewStreamFragmentEvent(e.rec.art.RunID, e.rec.art.KurralID, fragment, idx, ts))
	if e.sink != nil {
		if err := e.sink.Write(ctx, fragment); err != nil {
			return fmt.Errorf("stream sink: %w", err)
		}
	}
	return nil
}

// Unary wraps a scalar agent result as an outputs map under the "result"
// key, mirroring how unary results are stored.
func Unary(v any) map[string]any {
	return map[string]any{"result": v}
}

// effectRules maps name fragments to effect types. Rules are checked in
// order; the first hit wins.
var effectRules = []struct {
	subs []string
	et   artifact.EffectType
}{
	{[]string{"http", "api", "request", "fetch", "get", "post"}, artifact.EffectHTTP},
	{[]string{"db", "database", "write", "update", "insert", "delete"}, artifact.EffectDBWrite},
	{[]string{"email", "mail"}, artifact.EffectEmail},
	{[]string{"file", "fs"}, artifact.EffectFS},
	{[]string{"mcp", "slack", "github"}, artifact.EffectMCP},
}

// InferEffectType classifies a tool by fragments of its lowercased name.
// Unmatched names classify as OTHER.
func InferEffectType(name string) artifact.EffectType {
	n := strings.ToLower(name)
	for _, rule := range effectRules {
		for _, sub := range rule.subs {
			if strings.Contains(n, sub) {
				return rule.et
			}
		}
	}
	return artifact.EffectOther
}
