package tools

import "context"

type contextKey string

const (
	sessionIDKey  contextKey = "session_id"
	queryIDKey    contextKey = "query_id"
	toolCallIDKey contextKey = "tool_call_id"
)

// WithSessionID adds the interactive session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID. Returns "" if not set.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithQueryID adds the ID of the user query being answered.
func WithQueryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, queryIDKey, id)
}

// QueryIDFromContext extracts the query ID. Returns "" if not set.
func QueryIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(queryIDKey).(string)
	return id
}

// WithToolCallID adds the model-assigned ID of the capability request
// being dispatched.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallIDFromContext extracts the tool call ID. Returns "" if not set.
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}
