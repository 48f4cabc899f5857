// Package gateway defines the tool invocation boundary of the
// execution engine. Every external effect of an act step goes through
// the Invoker interface; real connectors (ticketing, calendar,
// AV-hardware control) live behind it and are interchangeable with
// test doubles.
package gateway

import "context"

// Result is the structured outcome of one tool invocation.
type Result struct {
	OK         bool           `json:"ok"`
	Data       map[string]any `json:"data,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	URL        string         `json:"url,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Invoker performs one external tool action. Implementations must
// honor ctx cancellation: an in-flight invocation is the only blocking
// external I/O of a run, and guardrail timeouts cancel through it.
type Invoker interface {
	Invoke(ctx context.Context, tool, action string, args map[string]any) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, tool, action string, args map[string]any) (Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, tool, action string, args map[string]any) (Result, error) {
	return f(ctx, tool, action, args)
}
