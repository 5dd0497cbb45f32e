package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the identity provider asserts about a caller.
type Identity struct {
	Subject string
	Email   string
}

// Claims are the JWT claims accepted from the identity provider.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.Subject != ""
}
