package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/niagara-mcp/niagara-mcp/internal/filter"
	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/interceptor"
	"github.com/niagara-mcp/niagara-mcp/internal/metrics"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

type toolErrorEnvelope struct {
	ErrorCode  string `json:"error_code"`
	Detail     string `json:"detail,omitempty"`
	Retryable  bool   `json:"retryable"`
	Backend    string `json:"backend,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	// Position is the byte offset of a filter syntax error.
	Position *int   `json:"position,omitempty"`
	Trace    string `json:"trace,omitempty"`
}

// invalidArgument marks caller mistakes detected by the tools themselves.
type invalidArgument string

func (e invalidArgument) Error() string { return string(e) }

func withStructuredToolErrors[In, Out any](name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input In) (*mcp.CallToolResult, Out, error) {
		res, out, err := h(ctx, req, input)
		if err == nil {
			metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
			return res, out, nil
		}
		env := classifyToolError(err)
		metrics.ToolCalls.WithLabelValues(name, env.ErrorCode).Inc()
		var zero Out
		return nil, zero, toolError{Envelope: env}
	}
}

type toolError struct {
	Envelope toolErrorEnvelope
}

func (e toolError) Error() string {
	encoded, err := json.Marshal(map[string]any{"error": e.Envelope})
	if err != nil {
		return `{"error":{"error_code":"tool_error","detail":"failed to encode error envelope"}}`
	}
	return string(encoded)
}

func classifyToolError(err error) toolErrorEnvelope {
	env := toolErrorEnvelope{ErrorCode: "tool_error", Detail: strings.TrimSpace(err.Error())}
	var (
		invalid    invalidArgument
		validation *filter.ValidationError
		decodeErr  *haystack.DecodeError
		connErr    *session.ConnectionError
		authErr    *session.AuthError
		backendErr *session.BackendError
	)
	switch {
	case errors.As(err, &invalid):
		env.ErrorCode = "invalid_argument"
	case errors.As(err, &validation):
		env.ErrorCode = "invalid_filter"
		if validation.Pos >= 0 {
			pos := validation.Pos
			env.Position = &pos
		}
	case errors.Is(err, watch.ErrWatchExpired):
		env.ErrorCode = "watch_expired"
	case errors.Is(err, watch.ErrUnknownWatch):
		env.ErrorCode = "unknown_watch"
	case errors.Is(err, watch.ErrNoPoints):
		env.ErrorCode = "no_points"
	case errors.Is(err, interceptor.ErrRejected):
		env.ErrorCode = "policy_rejected"
	case errors.Is(err, session.ErrNoBackend):
		env.ErrorCode = "no_backend"
	case errors.As(err, &authErr):
		env.ErrorCode = "auth_failed"
		env.Backend = string(authErr.Backend)
		env.HTTPStatus = authErr.Status
	case errors.As(err, &backendErr):
		env.ErrorCode = "backend_error"
		env.Backend = string(backendErr.Backend)
		env.HTTPStatus = backendErr.Status
		if backendErr.Msg != "" {
			env.Detail = backendErr.Msg
		}
		if backendErr.Grid != nil {
			env.Trace = backendErr.Grid.Meta.Str("errTrace")
		}
		env.Retryable = backendErr.Status == http.StatusTooManyRequests || backendErr.Status >= 500
	case errors.As(err, &decodeErr):
		env.ErrorCode = "decode_error"
	case errors.Is(err, context.DeadlineExceeded):
		env.ErrorCode = "timeout"
		env.Retryable = true
		if errors.As(err, &connErr) {
			env.Backend = string(connErr.Backend)
		}
	case errors.As(err, &connErr):
		env.ErrorCode = "unreachable"
		env.Backend = string(connErr.Backend)
		env.Retryable = true
	case errors.Is(err, context.Canceled):
		env.ErrorCode = "canceled"
	}
	return env
}
