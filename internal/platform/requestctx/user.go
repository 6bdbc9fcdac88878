// Package requestctx carries authenticated request state through contexts.
package requestctx

import "context"

// User is the authenticated caller attached to a request.
type User struct {
	ID   int64
	Name string
}

type userContextKey struct{}

type connIDContextKey struct{}

// WithUser stores the authenticated user in context.
func WithUser(ctx context.Context, user User) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	user, ok := ctx.Value(userContextKey{}).(User)
	if !ok || user.ID <= 0 {
		return User{}, false
	}
	return user, true
}

// WithConnID tags the context with a connection identifier for logs.
func WithConnID(ctx context.Context, connID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, connIDContextKey{}, connID)
}

// ConnIDFromContext returns the connection identifier stored in context.
func ConnIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(connIDContextKey{}).(string)
	return value
}
