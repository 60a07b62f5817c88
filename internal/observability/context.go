package observability

import "context"

// ContextKey is the type for correlation-ID context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user IDs.
	UserIDKey ContextKey = "user_id"

	// ExecutionIDKey is the context key for execution IDs.
	ExecutionIDKey ContextKey = "execution_id"

	// ConnectionIDKey is the context key for transport connection IDs.
	ConnectionIDKey ContextKey = "connection_id"

	// ToolNameKey is the context key for the tool in flight.
	ToolNameKey ContextKey = "tool_name"
)

// AddUserID adds a user ID to the context.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from the context.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// AddExecutionID adds an execution ID to the context.
func AddExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// GetExecutionID retrieves the execution ID from the context.
func GetExecutionID(ctx context.Context) string {
	if id, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return id
	}
	return ""
}

// AddConnectionID adds a connection ID to the context.
func AddConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connectionID)
}

// GetConnectionID retrieves the connection ID from the context.
func GetConnectionID(ctx context.Context) string {
	if id, ok := ctx.Value(ConnectionIDKey).(string); ok {
		return id
	}
	return ""
}

// AddToolName adds the in-flight tool name to the context.
func AddToolName(ctx context.Context, toolName string) context.Context {
	return context.WithValue(ctx, ToolNameKey, toolName)
}

// GetToolName retrieves the in-flight tool name from the context.
func GetToolName(ctx context.Context) string {
	if name, ok := ctx.Value(ToolNameKey).(string); ok {
		return name
	}
	return ""
}
