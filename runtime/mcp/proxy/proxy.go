// Package proxy implements the record/replay HTTP proxy for MCP tool
// traffic. In record mode the proxy forwards JSON-RPC requests to the
// upstream server, streams SSE responses back to the caller and captures
// every answered call into a Session. In replay mode it answers requests
// from previously captured calls without contacting the upstream, so agent
// runs can be re-executed against recorded tool traffic.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/cache"
	"github.com/kurral/kurral/runtime/determinism"
	"github.com/kurral/kurral/runtime/hooks"
	"github.com/kurral/kurral/runtime/mcp"
	"github.com/kurral/kurral/runtime/store"
	"github.com/kurral/kurral/runtime/telemetry"
)

type (
	// Mode selects whether the proxy forwards or replays.
	Mode string

	// Speed controls the pacing of replayed SSE streams.
	Speed string

	// Options configures New.
	Options struct {
		// Mode selects record or replay operation. Required.
		Mode Mode

		// Upstream is the origin MCP server. Required in record mode and in
		// replay mode with FallThrough.
		Upstream *url.URL

		// Client issues upstream requests. Defaults to a plain client;
		// deadlines are applied per request.
		Client *http.Client

		// Cache receives unary tool results in record mode and serves as a
		// fallback lookup in replay mode. Optional.
		Cache cache.Cache

		// Store receives the session artifact on Export. Optional.
		Store store.Store

		// Session accumulates captured calls and answers replay lookups.
		// Defaults to a fresh session named after the upstream host.
		Session *Session

		// Scorer seals exported artifacts. Defaults to the determinism
		// scorer.
		Scorer artifact.Scorer

		// Bus receives a proxy call event for every answered request.
		Bus hooks.Bus

		// EventWindow bounds the number of SSE events buffered between the
		// upstream reader and the client writer. A full window pauses
		// upstream reads. Zero or negative selects DefaultEventWindow.
		EventWindow int

		// UpstreamTimeout bounds a unary upstream call end to end and the
		// header phase of a streaming call. Zero selects
		// DefaultUpstreamTimeout.
		UpstreamTimeout time.Duration

		// SSEIdleTimeout bounds the gap between consecutive upstream SSE
		// events. Zero selects DefaultSSEIdleTimeout.
		SSEIdleTimeout time.Duration

		// ReplaySpeed selects real-time or fast-forward pacing for replayed
		// SSE streams. Defaults to fast-forward.
		ReplaySpeed Speed

		// FallThrough forwards replay misses to the upstream instead of
		// answering with a replay-miss error. Forwarded misses are captured,
		// so later identical requests replay.
		FallThrough bool

		// Limiter gates upstream forwards. Optional.
		Limiter *rate.Limiter

		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics

		// Clock supplies event timestamps. Tests substitute a fake clock.
		Clock func() time.Time
	}

	// Proxy is the MCP record/replay server. It implements http.Handler:
	// POST / and POST /mcp accept JSON-RPC, GET /stats and GET /health
	// report proxy state.
	Proxy struct {
		mode        Mode
		upstream    *url.URL
		client      *http.Client
		cache       cache.Cache
		store       store.Store
		session     *Session
		scorer      artifact.Scorer
		bus         hooks.Bus
		window      int
		upTimeout   time.Duration
		idleTimeout time.Duration
		speed       Speed
		fallThrough bool
		limiter     *rate.Limiter
		log         telemetry.Logger
		metrics     telemetry.Metrics
		clock       func() time.Time
	}

	// sseEvent crosses the bounded channel between the upstream reader and
	// the client writer.
	sseEvent struct {
		name string
		data []byte
	}
)

const (
	// ModeRecord forwards requests upstream and captures the responses.
	ModeRecord Mode = "record"

	// ModeReplay answers requests from captured calls.
	ModeReplay Mode = "replay"
)

const (
	// SpeedRealtime reproduces the recorded inter-event gaps.
	SpeedRealtime Speed = "realtime"

	// SpeedFastForward streams recorded events back to back.
	SpeedFastForward Speed = "fast-forward"
)

// Defaults applied by New.
const (
	DefaultEventWindow     = 64
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultSSEIdleTimeout  = 10 * time.Second
)

// New validates the options and builds a Proxy.
func New(opts Options) (*Proxy, error) {
	switch opts.Mode {
	case ModeRecord, ModeReplay:
	default:
		return nil, fmt.Errorf("proxy: invalid mode %q", opts.Mode)
	}
	if opts.Upstream == nil && (opts.Mode == ModeRecord || opts.FallThrough) {
		return nil, errors.New("proxy: upstream is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Session == nil {
		name := "upstream"
		if opts.Upstream != nil {
			name = opts.Upstream.Host
		}
		opts.Session = NewSession(name)
	}
	if opts.Scorer == nil {
		opts.Scorer = determinism.New()
	}
	if opts.EventWindow <= 0 {
		opts.EventWindow = DefaultEventWindow
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if opts.SSEIdleTimeout <= 0 {
		opts.SSEIdleTimeout = DefaultSSEIdleTimeout
	}
	if opts.ReplaySpeed == "" {
		opts.ReplaySpeed = SpeedFastForward
	}
	if opts.ReplaySpeed != SpeedRealtime && opts.ReplaySpeed != SpeedFastForward {
		return nil, fmt.Errorf("proxy: invalid replay speed %q", opts.ReplaySpeed)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Proxy{
		mode:        opts.Mode,
		upstream:    opts.Upstream,
		client:      opts.Client,
		cache:       opts.Cache,
		store:       opts.Store,
		session:     opts.Session,
		scorer:      opts.Scorer,
		bus:         opts.Bus,
		window:      opts.EventWindow,
		upTimeout:   opts.UpstreamTimeout,
		idleTimeout: opts.SSEIdleTimeout,
		speed:       opts.ReplaySpeed,
		fallThrough: opts.FallThrough,
		limiter:     opts.Limiter,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
	}, nil
}

// Mode returns the configured operating mode.
func (p *Proxy) Mode() Mode { return p.mode }

// Session returns the session accumulating captured calls.
func (p *Proxy) Session() *Session { return p.session }

// Load primes the session with the MCP calls of a recorded artifact and
// reports how many were loaded.
func (p *Proxy) Load(a *artifact.Artifact) int {
	return p.session.LoadArtifact(a)
}

// Export seals the session's captured calls into an artifact and persists
// it when a store is configured.
func (p *Proxy) Export(ctx context.Context) (*artifact.Artifact, error) {
	a, err := p.session.ExportArtifact(p.scorer)
	if err != nil {
		return nil, err
	}
	if p.store != nil {
		if err := p.store.Put(ctx, a); err != nil {
			return nil, fmt.Errorf("store session artifact: %w", err)
		}
	}
	p.log.Info(ctx, "session exported", "kurral_id", a.KurralID, "run_id", a.RunID, "calls", len(a.MCPToolCalls))
	return a, nil
}

// ServeHTTP dispatches the proxy's HTTP surface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		writeJSON(w, map[string]string{"status": "healthy"})
	case r.Method == http.MethodGet && r.URL.Path == "/stats":
		writeJSON(w, map[string]any{"mode": string(p.mode), "captured_calls": p.session.Len()})
	case r.Method == http.MethodPost && (r.URL.Path == "/" || r.URL.Path == "/mcp"):
		p.handleRPC(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (p *Proxy) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeResponse(w, mcp.ErrorResponse(mcp.NullID, mcp.JSONRPCInternalError, "read request body: "+err.Error()))
		return
	}

	var req mcp.Request
	decodeErr := json.Unmarshal(body, &req)
	if decodeErr == nil {
		decodeErr = req.Validate()
	}

	if p.mode == ModeReplay {
		if decodeErr != nil {
			code, msg := mcp.JSONRPCParseError, "parse request: "+decodeErr.Error()
			var perr *mcp.Error
			if errors.As(decodeErr, &perr) {
				code, msg = perr.Code, perr.Message
			}
			p.writeResponse(w, mcp.ErrorResponse(req.ID, code, msg))
			return
		}
		p.replay(w, r, body, &req)
		return
	}

	// Record mode forwards malformed payloads untouched and only skips the
	// capture step for them.
	p.record(w, r, body, &req, decodeErr == nil)
}

func (p *Proxy) record(w http.ResponseWriter, r *http.Request, body []byte, req *mcp.Request, valid bool) {
	ctx := r.Context()
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCInternalError, "upstream limiter: "+err.Error()))
			return
		}
	}

	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(p.upTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	upReq, err := http.NewRequestWithContext(upCtx, http.MethodPost, p.upstream.String(), bytes.NewReader(body))
	if err != nil {
		p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCInternalError, "build upstream request: "+err.Error()))
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Accept", "application/json, text/event-stream")
	mcp.InjectTraceHeaders(ctx, upReq.Header)

	resp, err := p.client.Do(upReq)
	if err != nil {
		if timedOut.Load() {
			p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCUpstreamTimeout,
				fmt.Sprintf("upstream %s timed out after %s", p.upstream.Host, p.upTimeout)))
			return
		}
		p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCInternalError, "upstream request failed: "+err.Error()))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if mcp.IsSSE(resp.Header) {
		watchdog.Stop()
		p.recordSSE(w, r, resp, req, valid)
		return
	}
	p.recordUnary(w, r, resp, req, valid, &timedOut)
}

func (p *Proxy) recordUnary(w http.ResponseWriter, r *http.Request, resp *http.Response, req *mcp.Request, valid bool, timedOut *atomic.Bool) {
	ctx := r.Context()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if timedOut.Load() {
			p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCUpstreamTimeout,
				fmt.Sprintf("upstream %s timed out after %s", p.upstream.Host, p.upTimeout)))
			return
		}
		p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCInternalError, "read upstream response: "+err.Error()))
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)

	if !valid {
		return
	}
	var upResp mcp.Response
	if err := json.Unmarshal(raw, &upResp); err != nil || upResp.Error != nil || upResp.Result == nil {
		return
	}

	call := CapturedCall{Server: p.session.Server(), Method: req.Method, Result: upResp.Result}
	if req.Method == mcp.MethodToolsCall {
		params, err := req.CallParams()
		if err != nil {
			return
		}
		call.ToolName = params.Name
		call.Arguments = params.Arguments
	}
	p.session.Capture(call)
	p.cacheResult(ctx, call)
	p.observe(ctx, call.Method, call.ToolName, false, false)
}

func (p *Proxy) recordSSE(w http.ResponseWriter, r *http.Request, resp *http.Response, req *mcp.Request, valid bool) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCInternalError, "streaming unsupported by client connection"))
		return
	}
	writeSSEHeaders(w, resp.StatusCode)
	flusher.Flush()

	call := CapturedCall{Server: p.session.Server(), Method: req.Method, WasSSE: true}
	if valid && req.Method == mcp.MethodToolsCall {
		if params, err := req.CallParams(); err == nil {
			call.ToolName = params.Name
			call.Arguments = params.Arguments
		}
	}

	var (
		readErr  error
		terminal bool
		idleHit  atomic.Bool
	)
	started := p.clock()
	events := make(chan sseEvent, p.window)

	// The watchdog closes the upstream body when the stream goes idle,
	// which unblocks the reader.
	idle := time.AfterFunc(p.idleTimeout, func() {
		idleHit.Store(true)
		_ = resp.Body.Close()
	})

	go func() {
		defer close(events)
		defer idle.Stop()
		reader := bufio.NewReader(resp.Body)
		for {
			name, data, err := mcp.ReadEvent(reader)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				return
			}
			idle.Reset(p.idleTimeout)
			ev := Event{EventType: name, TSMS: p.clock().Sub(started).Milliseconds()}
			if len(data) > 0 {
				var decoded map[string]any
				if err := json.Unmarshal(data, &decoded); err == nil {
					ev.Data = decoded
				}
			}
			call.Events = append(call.Events, ev)
			// A full window pauses this send, and with it the upstream
			// read, until the client catches up.
			select {
			case events <- sseEvent{name: name, data: data}:
			case <-ctx.Done():
				return
			}
			if name == mcp.EventComplete || name == mcp.EventError {
				terminal = true
				return
			}
		}
	}()

	delivered := true
	for ev := range events {
		if err := mcp.WriteEvent(w, flusher, ev.name, ev.data); err != nil {
			delivered = false
			break
		}
	}
	if !delivered || ctx.Err() != nil {
		// The client went away: stop the upstream read and drain the
		// channel so the reader goroutine finishes.
		_ = resp.Body.Close()
		for range events {
		}
		p.writeErrorEvent(w, flusher, req.ID, mcp.JSONRPCInternalError, "call canceled")
	} else if readErr != nil {
		code, msg := mcp.JSONRPCInternalError, "upstream stream failed: "+readErr.Error()
		if idleHit.Load() {
			code = mcp.JSONRPCUpstreamTimeout
			msg = fmt.Sprintf("upstream %s idle for more than %s", p.session.Server(), p.idleTimeout)
		}
		p.writeErrorEvent(w, flusher, req.ID, code, msg)
	}

	// The channel is closed here, so the reader's writes to call, terminal
	// and readErr are visible.
	if !terminal {
		return
	}
	call.Result = terminalResult(call.Events)
	p.session.Capture(call)
	if call.Result != nil {
		p.cacheResult(ctx, call)
	}
	p.observe(ctx, call.Method, call.ToolName, true, false)
}

func (p *Proxy) replay(w http.ResponseWriter, r *http.Request, body []byte, req *mcp.Request) {
	ctx := r.Context()
	var toolName string
	var arguments map[string]any
	if req.Method == mcp.MethodToolsCall {
		params, err := req.CallParams()
		if err != nil {
			var perr *mcp.Error
			if errors.As(err, &perr) {
				p.writeResponse(w, mcp.ErrorResponse(req.ID, perr.Code, perr.Message))
				return
			}
			p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCInvalidParams, err.Error()))
			return
		}
		toolName = params.Name
		arguments = params.Arguments
	}

	if call, ok := p.session.Find(req.Method, toolName, arguments); ok {
		if call.WasSSE {
			p.replaySSE(w, r, req, call)
			return
		}
		p.writeResponse(w, mcp.ResultResponse(req.ID, call.Result))
		p.observe(ctx, req.Method, toolName, false, true)
		return
	}

	// Unary tool results recorded by the capture pipeline live in the
	// shared cache; consult it before declaring a miss.
	if p.cache != nil && toolName != "" {
		entry, ok, err := cache.GetCall(ctx, p.cache, toolName, arguments)
		if err != nil {
			p.log.Warn(ctx, "cache lookup failed", "tool", toolName, "err", err)
		} else if ok {
			p.writeResponse(w, mcp.ResultResponse(req.ID, entry.Output))
			p.observe(ctx, req.Method, toolName, false, true)
			return
		}
	}

	if p.fallThrough && p.upstream != nil {
		p.log.Debug(ctx, "replay miss, forwarding upstream", "method", req.Method, "tool", toolName)
		p.record(w, r, body, req, true)
		return
	}

	msg := fmt.Sprintf("replay miss: no recorded call for method %q", req.Method)
	if toolName != "" {
		msg = fmt.Sprintf("replay miss: no recorded call for tool %q", toolName)
	}
	p.log.Info(ctx, "replay miss", "method", req.Method, "tool", toolName)
	p.metrics.IncCounter(telemetry.MetricProxyRequests, 1, "mode", string(p.mode), "result", "miss")
	p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCReplayMiss, msg))
}

func (p *Proxy) replaySSE(w http.ResponseWriter, r *http.Request, req *mcp.Request, call CapturedCall) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		p.writeResponse(w, mcp.ErrorResponse(req.ID, mcp.JSONRPCInternalError, "streaming unsupported by client connection"))
		return
	}
	writeSSEHeaders(w, http.StatusOK)
	flusher.Flush()

	var prev int64
	for _, ev := range call.Events {
		if p.speed == SpeedRealtime {
			gap := ev.TSMS - prev
			prev = ev.TSMS
			if gap > 0 {
				if err := sleepCtx(ctx, time.Duration(gap)*time.Millisecond); err != nil {
					p.writeErrorEvent(w, flusher, req.ID, mcp.JSONRPCInternalError, "replay canceled")
					return
				}
			}
		}
		var data []byte
		if ev.Data != nil {
			b, err := json.Marshal(ev.Data)
			if err != nil {
				p.log.Warn(ctx, "encode replayed event", "event", ev.EventType, "err", err)
				continue
			}
			data = b
		}
		if err := mcp.WriteEvent(w, flusher, ev.EventType, data); err != nil {
			return
		}
	}
	p.observe(ctx, req.Method, call.ToolName, true, true)
}

// cacheResult stores a tool call result in the shared cache so in-process
// replays of the same invocation hit.
func (p *Proxy) cacheResult(ctx context.Context, call CapturedCall) {
	if p.cache == nil || call.ToolName == "" {
		return
	}
	if _, err := cache.PutCall(ctx, p.cache, call.ToolName, call.Arguments, call.Result, ""); err != nil {
		p.log.Warn(ctx, "cache tool result failed", "tool", call.ToolName, "err", err)
	}
}

func (p *Proxy) observe(ctx context.Context, method, toolName string, wasSSE, replayed bool) {
	if p.bus != nil {
		ev := hooks.NewProxyCallEvent(p.session.RunID(), p.session.Server(), method, toolName, wasSSE, replayed)
		if err := p.bus.Publish(ctx, ev); err != nil {
			p.log.Warn(ctx, "publish proxy event failed", "err", err)
		}
	}
	p.metrics.IncCounter(telemetry.MetricProxyRequests, 1, "mode", string(p.mode), "method", method)
	p.log.Info(ctx, "proxy call", "mode", string(p.mode), "method", method, "tool", toolName,
		"sse", wasSSE, "replayed", replayed)
}

func (p *Proxy) writeResponse(w http.ResponseWriter, resp mcp.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeErrorEvent appends a final error event carrying a JSON-RPC error
// envelope to an SSE stream already in flight.
func (p *Proxy) writeErrorEvent(w http.ResponseWriter, flusher http.Flusher, id json.RawMessage, code int, msg string) {
	data, err := json.Marshal(mcp.ErrorResponse(id, code, msg))
	if err != nil {
		return
	}
	_ = mcp.WriteEvent(w, flusher, mcp.EventError, data)
}

// terminalResult extracts the final result from the last complete event's
// payload.
func terminalResult(events []Event) any {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == mcp.EventComplete {
			if events[i].Data == nil {
				return nil
			}
			return events[i].Data["result"]
		}
	}
	return nil
}

func writeSSEHeaders(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", mcp.ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
