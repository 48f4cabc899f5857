package gateway

import (
	"context"
	"log/slog"
)

// Static is the local no-connector gateway used when no MCP endpoint
// is configured. It acknowledges every invocation with a deterministic
// echo of the request, which keeps recipes runnable end to end in
// development without external systems.
type Static struct {
	logger *slog.Logger
}

// NewStatic creates a Static gateway.
func NewStatic(logger *slog.Logger) *Static {
	return &Static{logger: logger}
}

// Invoke implements Invoker.
func (s *Static) Invoke(ctx context.Context, tool, action string, args map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.logger.Debug("static gateway invocation", "tool", tool, "action", action)
	return Result{
		OK: true,
		Data: map[string]any{
			"tool":   tool,
			"action": action,
			"args":   args,
			"echo":   true,
		},
	}, nil
}
