// Package tools exposes the memory service as a tool-RPC façade: a catalog
// of named tools with validated inputs, read-only resources, and a
// line-delimited JSON-RPC loop over stdio.
package tools

import (
	"errors"
	"fmt"

	"github.com/engram-ai/engram/pkg/embedding"
	"github.com/engram-ai/engram/pkg/graph"
	"github.com/engram-ai/engram/pkg/repository"
)

// JSON-RPC error codes. The negative 32xxx range follows JSON-RPC 2.0;
// the service-specific codes sit in the implementation-defined band.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeNotFound    = -32001
	CodeConflict    = -32002
	CodeRateLimited = -32003
)

// Error is a JSON-RPC error with an optional data payload.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func methodNotFound(name string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown tool: %s", name)}
}

// mapError translates service errors into the RPC taxonomy. Unknown errors
// come back as a generic internal error so callers never see stack detail.
func mapError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, embedding.ErrDimensionMismatch):
		return &Error{Code: CodeConflict, Message: err.Error()}
	case errors.Is(err, graph.ErrRateLimited):
		return &Error{Code: CodeRateLimited, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: "internal error"}
	}
}
