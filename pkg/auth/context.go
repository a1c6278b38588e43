package auth

import "context"

type ctxKey struct{}

// UserContext is the authenticated caller attached to a request
type UserContext struct {
	UserID string
	Name   string
	Email  string
}

// SetUserInContext attaches user to ctx
func SetUserInContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// GetUserFromContext returns the caller set by the auth middleware
func GetUserFromContext(ctx context.Context) (*UserContext, bool) {
	u, ok := ctx.Value(ctxKey{}).(*UserContext)
	return u, ok && u != nil
}
