package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/engram-ai/engram/pkg/observability"
)

// request is one line-delimited JSON-RPC 2.0 request.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response is the matching reply.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type readParams struct {
	Name        string `json:"name"`
	UserContext string `json:"user_context"`
}

// maxLineSize bounds one request line. Content tops out at 1 MB; the rest
// is envelope and JSON escaping headroom.
const maxLineSize = 4 << 20

// Server reads newline-delimited JSON-RPC requests and writes one response
// line per request.
type Server struct {
	service *Service
	in      io.Reader
	mu      sync.Mutex
	out     io.Writer
	logger  observability.Logger
}

// NewServer creates a server over the given streams.
func NewServer(service *Service, in io.Reader, out io.Writer, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Server{service: service, in: in, out: out, logger: logger}
}

// Run serves requests until the input stream closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(response{JSONRPC: "2.0", Error: &Error{
				Code: CodeParseError, Message: "invalid JSON",
			}})
			continue
		}
		s.write(s.handle(ctx, &req))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read request stream: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req *request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": Catalog()}

	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			resp.Error = &Error{Code: CodeInvalidParams, Message: "params: name is required"}
			return resp
		}
		result, err := s.service.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			resp.Error = mapError(err)
			s.logger.Warn("tool call failed", map[string]interface{}{
				"tool":  params.Name,
				"code":  resp.Error.Code,
				"error": err.Error(),
			})
			return resp
		}
		resp.Result = result

	case "resources/list":
		resp.Result = map[string]interface{}{"resources": ResourceNames()}

	case "resources/read":
		var params readParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			resp.Error = &Error{Code: CodeInvalidParams, Message: "params: name is required"}
			return resp
		}
		result, err := s.service.Resource(ctx, params.Name, params.UserContext)
		if err != nil {
			resp.Error = mapError(err)
			return resp
		}
		resp.Result = result

	default:
		// Bare tool names are accepted as methods directly.
		result, err := s.service.Call(ctx, req.Method, req.Params)
		if err != nil {
			resp.Error = mapError(err)
			return resp
		}
		resp.Result = result
	}
	return resp
}

func (s *Server) write(resp response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("response write failed", map[string]interface{}{"error": err.Error()})
	}
}
