package tools

import (
	"context"
	"strings"
)

type invocationKey struct{}

// Invocation identifies the agent run and tool call a tool executes for.
type Invocation struct {
	ThreadID   string
	RequestID  string
	ToolCallID string
}

// WithInvocation attaches invocation metadata to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	inv.ThreadID = strings.TrimSpace(inv.ThreadID)
	inv.RequestID = strings.TrimSpace(inv.RequestID)
	inv.ToolCallID = strings.TrimSpace(inv.ToolCallID)
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the metadata attached by WithInvocation, or the zero
// value when a tool runs outside the agent.
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}

// LogArgs renders the non-empty fields as slog key/value pairs.
func (inv Invocation) LogArgs() []any {
	var args []any
	if inv.RequestID != "" {
		args = append(args, "request_id", inv.RequestID)
	}
	if inv.ThreadID != "" {
		args = append(args, "thread_id", inv.ThreadID)
	}
	if inv.ToolCallID != "" {
		args = append(args, "tool_call_id", inv.ToolCallID)
	}
	return args
}
