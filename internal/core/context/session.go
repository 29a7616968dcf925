// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// SessionContext identifies the shopper session a request belongs to.
type SessionContext struct {
	SessionID  string
	CustomerID string // empty for anonymous shoppers
}

// Owner returns the identity durable per-shopper state is keyed by.
// Anonymous sessions fall back to the session ID.
func (s *SessionContext) Owner() string {
	if s.CustomerID != "" {
		return "customer:" + s.CustomerID
	}
	return "session:" + s.SessionID
}

type sessionContextKey struct{}

// WithSession adds SessionContext to context.
func WithSession(ctx context.Context, s *SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// GetSession returns SessionContext from context.
func GetSession(ctx context.Context) *SessionContext {
	if v, ok := ctx.Value(sessionContextKey{}).(*SessionContext); ok {
		return v
	}
	return nil
}

// GetSessionID returns session ID from context or empty string.
func GetSessionID(ctx context.Context) string {
	if s := GetSession(ctx); s != nil {
		return s.SessionID
	}
	return ""
}
