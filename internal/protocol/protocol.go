// Package protocol defines the JSON-RPC envelope shared by both transports
// and the coded error taxonomy surfaced to callers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC version advertised on every envelope.
const Version = "2.0"

// Methods accepted on the request envelope.
const (
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
)

// Request is the inbound envelope. Params is decoded per method.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// CallParams is the params shape for tools/call.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ReadParams is the params shape for resources/read.
type ReadParams struct {
	URI string `json:"uri"`
}

// Response is the outbound envelope: exactly one of Result or Err is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// NewResult builds a success envelope.
func NewResult(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error envelope from any error, mapping non-coded errors
// to ErrInternal.
func NewError(id json.RawMessage, err error) Response {
	return Response{JSONRPC: Version, ID: id, Err: AsError(err)}
}

// Stable error codes. The -326xx values follow JSON-RPC; the -320xx range is
// service-specific.
const (
	CodeInvalidToken     = -32001
	CodeUnauthorized     = -32002
	CodeFenceViolation   = -32003
	CodeSessionNotFound  = -32004
	CodeUnknownTool      = -32005
	CodeUnknownResource  = -32006
	CodePatchApplyFailed = -32007
	CodeMethodNotFound   = -32601
	CodeInvalidArgument  = -32602
	CodeInternal         = -32603
)

// Error carries a stable numeric code and a human-readable message.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// AsError converts err into a coded *Error, defaulting to CodeInternal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

func coded(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ErrInvalidToken(reason string) *Error {
	return coded(CodeInvalidToken, "invalid or expired token: %s", reason)
}

func ErrUnauthorized(tool string, role string) *Error {
	return coded(CodeUnauthorized, "tool %s not authorized for role %s", tool, role)
}

func ErrFenceViolation(owner string, role string) *Error {
	return coded(CodeFenceViolation, "write fence is owned by %s, cannot apply patch as %s", owner, role)
}

func ErrSessionNotFound(id string) *Error {
	return coded(CodeSessionNotFound, "session %s not found", id)
}

func ErrUnknownTool(name string) *Error {
	return coded(CodeUnknownTool, "unknown tool: %s", name)
}

func ErrUnknownResource(uri string) *Error {
	return coded(CodeUnknownResource, "unknown resource: %s", uri)
}

func ErrPatchApplyFailed(reason string) *Error {
	return coded(CodePatchApplyFailed, "patch application failed: %s", reason)
}

func ErrMethodNotFound(method string) *Error {
	return coded(CodeMethodNotFound, "method %s not found", method)
}

func ErrInvalidArgument(format string, args ...any) *Error {
	return coded(CodeInvalidArgument, format, args...)
}
