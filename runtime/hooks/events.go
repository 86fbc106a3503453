package hooks

import (
	"time"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// Event is implemented by every hook event. Subscribers switch on the
	// concrete type or on Type() to route events:
	//
	//	func (s *mySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.ToolCallRecordedEvent:
	//	        log.Printf(ctx, "tool %s took %dms", e.Call.ToolName, e.Call.LatencyMS)
	//	    case *hooks.WriteBlockedEvent:
	//	        log.Printf(ctx, "blocked %s on %s", e.Operation, e.Target)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the run the event belongs to.
		RunID() string
		// KurralID returns the artifact identifier when one is open, empty
		// otherwise.
		KurralID() string
		// Timestamp returns the Unix timestamp in milliseconds at event
		// creation.
		Timestamp() int64
	}

	// EventType identifies a hook event kind.
	EventType string

	// CaptureStartedEvent fires when the recorder opens an artifact for a run.
	CaptureStartedEvent struct {
		baseEvent
		// AgentName is the recorded agent.
		AgentName string `json:"agent_name"`
		// Inputs is the sanitized agent input payload.
		Inputs map[string]any `json:"inputs,omitempty"`
	}

	// ToolCallRecordedEvent fires after a tool invocation is appended to the
	// open artifact.
	ToolCallRecordedEvent struct {
		baseEvent
		// Call is the recorded invocation.
		Call artifact.ToolCall `json:"call"`
	}

	// StreamFragmentEvent fires for each output fragment of a streaming run.
	StreamFragmentEvent struct {
		baseEvent
		// Fragment is the emitted text.
		Fragment string `json:"fragment"`
		// Index is the zero-based fragment position.
		Index int `json:"index"`
		// TSMS is the fragment timestamp relative to the run start.
		TSMS int64 `json:"ts_ms"`
	}

	// ArtifactSealedEvent fires once an artifact is sealed and scored.
	ArtifactSealedEvent struct {
		baseEvent
		// Confidence is the assigned replay confidence.
		Confidence artifact.Confidence `json:"replay_confidence"`
		// Deterministic reports whether the run met the deterministic
		// threshold.
		Deterministic bool `json:"deterministic"`
		// Score is the overall determinism score.
		Score float64 `json:"score"`
	}

	// WriteBlockedEvent fires when the side-effect interceptor suppresses an
	// outbound write during replay.
	WriteBlockedEvent struct {
		baseEvent
		// Operation names the blocked primitive, e.g. "smtp.send".
		Operation string `json:"operation"`
		// Target describes the write destination, e.g. a path or address.
		Target string `json:"target"`
		// Detail carries optional context such as payload sizes.
		Detail string `json:"detail,omitempty"`
	}

	// ArtifactEnrichedEvent fires after the enrichment worker merged trace
	// data into a persisted artifact and rewrote it.
	ArtifactEnrichedEvent struct {
		baseEvent
		// ToolCallsAdded counts the tool calls merged in by enrichment.
		ToolCallsAdded int `json:"tool_calls_added"`
		// ModelUpdated reports whether enrichment filled in LLM config or
		// token usage.
		ModelUpdated bool `json:"model_updated"`
	}

	// ProxyCallEvent fires for each JSON-RPC call the MCP proxy serves.
	ProxyCallEvent struct {
		baseEvent
		// Server is the upstream server name.
		Server string `json:"server"`
		// Method is the JSON-RPC method.
		Method string `json:"method"`
		// ToolName is the invoked tool, empty for non-tool methods.
		ToolName string `json:"tool_name,omitempty"`
		// WasSSE reports whether the call streamed server-sent events.
		WasSSE bool `json:"was_sse"`
		// Replayed reports whether the call was answered from a recorded
		// artifact instead of the upstream.
		Replayed bool `json:"replayed"`
	}

	// ReplayStartedEvent fires when the replay engine primes the cache and
	// begins re-execution.
	ReplayStartedEvent struct {
		baseEvent
	}

	// ReplayCompletedEvent fires when replay validation completes.
	ReplayCompletedEvent struct {
		baseEvent
		// Match reports whether the replay reproduced the recorded outputs.
		Match bool `json:"match"`
		// Mismatches counts the diff entries between recorded and replayed
		// outputs.
		Mismatches int `json:"mismatches"`
	}

	// baseEvent carries the fields shared by all events. It is embedded by
	// each concrete event type.
	baseEvent struct {
		runID     string
		kurralID  string
		timestamp int64
	}
)

// Event types.
const (
	CaptureStarted   EventType = "capture.started"
	ToolCallRecorded EventType = "capture.tool"
	StreamFragment   EventType = "capture.fragment"
	ArtifactSealed   EventType = "capture.sealed"
	ArtifactEnriched EventType = "capture.enriched"
	WriteBlocked     EventType = "intercept.blocked"
	ReplayStarted    EventType = "replay.started"
	ReplayCompleted  EventType = "replay.completed"
	ProxyCall        EventType = "proxy.call"
)

// RunID returns the run identifier.
func (e baseEvent) RunID() string { return e.runID }

// KurralID returns the artifact identifier, empty when no artifact is open.
func (e baseEvent) KurralID() string { return e.kurralID }

// Timestamp returns the Unix timestamp in milliseconds at event creation.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

func newBaseEvent(runID, kurralID string) baseEvent {
	return baseEvent{
		runID:     runID,
		kurralID:  kurralID,
		timestamp: time.Now().UnixMilli(),
	}
}

// NewCaptureStartedEvent constructs a CaptureStartedEvent.
func NewCaptureStartedEvent(runID, kurralID, agentName string, inputs map[string]any) *CaptureStartedEvent {
	return &CaptureStartedEvent{
		baseEvent: newBaseEvent(runID, kurralID),
		AgentName: agentName,
		Inputs:    inputs,
	}
}

// NewToolCallRecordedEvent constructs a ToolCallRecordedEvent.
func NewToolCallRecordedEvent(runID, kurralID string, call artifact.ToolCall) *ToolCallRecordedEvent {
	return &ToolCallRecordedEvent{
		baseEvent: newBaseEvent(runID, kurralID),
		Call:      call,
	}
}

// NewStreamFragmentEvent constructs a StreamFragmentEvent.
func NewStreamFragmentEvent(runID, kurralID, fragment string, index int, tsMS int64) *StreamFragmentEvent {
	return &StreamFragmentEvent{
		baseEvent: newBaseEvent(runID, kurralID),
		Fragment:  fragment,
		Index:     index,
		TSMS:      tsMS,
	}
}

// NewArtifactSealedEvent constructs an ArtifactSealedEvent from a sealed
// artifact.
func NewArtifactSealedEvent(a *artifact.Artifact) *ArtifactSealedEvent {
	evt := &ArtifactSealedEvent{
		baseEvent:     newBaseEvent(a.RunID, a.KurralID),
		Confidence:    a.ReplayConfidence,
		Deterministic: a.Deterministic,
	}
	if a.DeterminismReport != nil {
		evt.Score = a.DeterminismReport.OverallScore
	}
	return evt
}

// NewWriteBlockedEvent constructs a WriteBlockedEvent.
func NewWriteBlockedEvent(runID, kurralID, operation, target, detail string) *WriteBlockedEvent {
	return &WriteBlockedEvent{
		baseEvent: newBaseEvent(runID, kurralID),
		Operation: operation,
		Target:    target,
		Detail:    detail,
	}
}

// NewArtifactEnrichedEvent constructs an ArtifactEnrichedEvent.
func NewArtifactEnrichedEvent(runID, kurralID string, toolCallsAdded int, modelUpdated bool) *ArtifactEnrichedEvent {
	return &ArtifactEnrichedEvent{
		baseEvent:      newBaseEvent(runID, kurralID),
		ToolCallsAdded: toolCallsAdded,
		ModelUpdated:   modelUpdated,
	}
}

// NewProxyCallEvent constructs a ProxyCallEvent.
func NewProxyCallEvent(runID, server, method, toolName string, wasSSE, replayed bool) *ProxyCallEvent {
	return &ProxyCallEvent{
		baseEvent: newBaseEvent(runID, ""),
		Server:    server,
		Method:    method,
		ToolName:  toolName,
		WasSSE:    wasSSE,
		Replayed:  replayed,
	}
}

// NewReplayStartedEvent constructs a ReplayStartedEvent.
func NewReplayStartedEvent(runID, kurralID string) *ReplayStartedEvent {
	return &ReplayStartedEvent{baseEvent: newBaseEvent(runID, kurralID)}
}

// NewReplayCompletedEvent constructs a ReplayCompletedEvent.
func NewReplayCompletedEvent(runID, kurralID string, match bool, mismatches int) *ReplayCompletedEvent {
	return &ReplayCompletedEvent{
		baseEvent:  newBaseEvent(runID, kurralID),
		Match:      match,
		Mismatches: mismatches,
	}
}

// Type method implementations

func (e *CaptureStartedEvent) Type() EventType   { return CaptureStarted }
func (e *ToolCallRecordedEvent) Type() EventType { return ToolCallRecorded }
func (e *StreamFragmentEvent) Type() EventType   { return StreamFragment }
func (e *ArtifactSealedEvent) Type() EventType   { return ArtifactSealed }
func (e *ArtifactEnrichedEvent) Type() EventType { return ArtifactEnriched }
func (e *WriteBlockedEvent) Type() EventType     { return WriteBlocked }
func (e *ReplayStartedEvent) Type() EventType    { return ReplayStarted }
func (e *ReplayCompletedEvent) Type() EventType  { return ReplayCompleted }
func (e *ProxyCallEvent) Type() EventType        { return ProxyCall }
