package tools

import "context"

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	sessionIDKey contextKey = "session_id"
)

// WithSession attaches the turn's user and session to the context so
// session-scoped tools can find their data.
func WithSession(ctx context.Context, userID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionFromContext returns the user and session IDs set by
// WithSession. Missing values are returned as empty strings.
func SessionFromContext(ctx context.Context) (userID, sessionID string) {
	userID, _ = ctx.Value(userIDKey).(string)
	sessionID, _ = ctx.Value(sessionIDKey).(string)
	return userID, sessionID
}
