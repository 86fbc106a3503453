package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// CapturedCall is one JSON-RPC call recorded by the proxy, together with
	// its SSE event sequence when the response streamed.
	CapturedCall = artifact.MCPToolCall

	// Event is one parsed SSE record of a streamed call.
	Event = artifact.MCPEvent

	// Session accumulates the calls a proxy captures over its lifetime and
	// turns them into a sealed artifact. A session loaded from a recorded
	// artifact answers replay lookups. Safe for concurrent use.
	Session struct {
		mu     sync.Mutex
		server string
		runID  string
		calls  []CapturedCall
	}
)

// NewSession creates an empty session for the named upstream server.
func NewSession(server string) *Session {
	return &Session{
		server: server,
		runID:  fmt.Sprintf("mcp_%s_%d", server, time.Now().Unix()),
	}
}

// Server returns the upstream server name the session records against.
func (s *Session) Server() string { return s.server }

// RunID returns the run identifier carried by exported artifacts.
func (s *Session) RunID() string { return s.runID }

// Capture appends a finished call. The call's cache key is derived from its
// tool name and arguments when unset, so replay lookups and artifact seal
// agree on the key.
func (s *Session) Capture(call CapturedCall) {
	if call.CacheKey == "" && call.ToolName != "" {
		if key, err := artifact.CacheKey(call.ToolName, call.Arguments); err == nil {
			call.CacheKey = key
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

// Len returns the number of captured calls.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Calls returns a snapshot of the captured calls in capture order.
func (s *Session) Calls() []CapturedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Find returns the captured call answering the given invocation. Tool calls
// match on the cache key derived from the tool name and arguments; other
// methods match on the method name alone. The returned call shares its
// events and arguments with the session and must be treated as read-only.
func (s *Session) Find(method, toolName string, arguments map[string]any) (CapturedCall, bool) {
	var key string
	if toolName != "" {
		k, err := artifact.CacheKey(toolName, arguments)
		if err != nil {
			return CapturedCall{}, false
		}
		key = k
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calls {
		c := &s.calls[i]
		if toolName != "" {
			if c.CacheKey == key {
				return *c, true
			}
			continue
		}
		if c.Method == method && c.ToolName == "" {
			return *c, true
		}
	}
	return CapturedCall{}, false
}

// LoadArtifact primes the session with the MCP calls of a recorded artifact
// and reports how many were loaded. Calls sealed into an artifact carry
// their cache keys already.
func (s *Session) LoadArtifact(a *artifact.Artifact) int {
	if a == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, a.MCPToolCalls...)
	return len(a.MCPToolCalls)
}

// ExportArtifact seals the captured calls into a fresh artifact. Tool calls
// are mirrored into the artifact's tool call list so the replay engine and
// the determinism scorer see them alongside in-process captures.
func (s *Session) ExportArtifact(scorer artifact.Scorer) (*artifact.Artifact, error) {
	calls := s.Calls()
	a := artifact.NewOpen()
	a.RunID = s.runID
	a.CreatedBy = "proxy:" + s.server
	a.MCPToolCalls = calls
	for _, c := range calls {
		if c.ToolName == "" {
			continue
		}
		a.ToolCalls = append(a.ToolCalls, artifact.ToolCall{
			ToolName:   c.ToolName,
			Inputs:     c.Arguments,
			Outputs:    c.Result,
			EffectType: artifact.EffectMCP,
			Status:     artifact.StatusOK,
		})
	}
	if err := a.Seal(scorer); err != nil {
		return nil, fmt.Errorf("seal session artifact: %w", err)
	}
	return a, nil
}
