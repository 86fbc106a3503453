// Package telemetry defines the logging, metrics and tracing seams used
// across the capture, replay and proxy components. Production wiring
// delegates to clue logging and OpenTelemetry; tests use the no-op
// implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages. Key-value pairs are given as
	// alternating keys and values; non-string keys are skipped.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. Tags are alternating
	// key-value strings.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the minimal span surface the runtime uses.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the runtime.
const (
	MetricCaptures       = "kurral_captures_total"
	MetricCaptureSeconds = "kurral_capture_duration_seconds"
	MetricReplays        = "kurral_replays_total"
	MetricReplaySeconds  = "kurral_replay_duration_seconds"
	MetricCacheHits      = "kurral_cache_hits_total"
	MetricCacheMisses    = "kurral_cache_misses_total"
	MetricWriteBlocks    = "kurral_write_blocks_total"
	MetricProxyRequests  = "kurral_proxy_requests_total"
	MetricStoredBytes    = "kurral_stored_artifact_bytes"
)
