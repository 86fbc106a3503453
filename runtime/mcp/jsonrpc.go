// Package mcp implements the JSON-RPC 2.0 plus Server-Sent-Events wire
// protocol spoken between agents and external tool servers. It provides the
// envelope types, the protocol error codes and the SSE codec shared by the
// record/replay proxy in mcp/proxy.
package mcp

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every envelope.
const Version = "2.0"

// Methods with protocol-level meaning to the proxy.
const (
	MethodToolsCall = "tools/call"
	MethodToolsList = "tools/list"
)

const (
	// JSON-RPC 2.0 canonical error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603

	// Kurral extension codes emitted by the proxy.
	JSONRPCReplayMiss      = -32001
	JSONRPCUpstreamTimeout = -32002
)

// NullID is the id placed on error envelopes for requests whose id could
// not be recovered.
var NullID = json.RawMessage("null")

type (
	// Request is a JSON-RPC 2.0 request envelope. ID and Params stay raw so
	// the proxy can forward them byte for byte and echo ids of any type.
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result
	// and Error is populated.
	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}

	// Error is a JSON-RPC error object returned by a server or synthesized
	// by the proxy.
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}

	// CallParams are the parameters of a tools/call request.
	CallParams struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// Validate reports whether the request is a well-formed JSON-RPC 2.0 call.
// Failures are returned as *Error carrying the invalid-request code.
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return &Error{Code: JSONRPCInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", r.JSONRPC)}
	}
	if r.Method == "" {
		return &Error{Code: JSONRPCInvalidRequest, Message: "missing method"}
	}
	return nil
}

// CallParams decodes the params of a tools/call request. Failures are
// returned as *Error carrying the invalid-params code.
func (r *Request) CallParams() (CallParams, error) {
	var p CallParams
	if len(r.Params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return CallParams{}, &Error{Code: JSONRPCInvalidParams, Message: fmt.Sprintf("decode tools/call params: %v", err)}
	}
	return p, nil
}

// ResultResponse builds a response envelope carrying a result for the given
// request id.
func ResultResponse(id json.RawMessage, result any) Response {
	if len(id) == 0 {
		id = NullID
	}
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// ErrorResponse builds a response envelope carrying a protocol error for
// the given request id.
func ErrorResponse(id json.RawMessage, code int, message string) Response {
	if len(id) == 0 {
		id = NullID
	}
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}
