package identity

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const identityKey contextKey = "identity_id"

// TokenValidator decouples the middleware from the concrete Verifier.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

type Middleware struct {
	validator TokenValidator
}

func NewMiddleware(v TokenValidator) *Middleware {
	return &Middleware{validator: v}
}

// Handle authenticates the request and stores the identity in the context.
// The token comes from the Authorization header, or from a "token" query
// parameter for websocket opens, where browsers cannot set headers.
func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}

		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "missing identity token", http.StatusUnauthorized)
			return
		}

		identityID, err := m.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "invalid identity token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identityID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the authenticated identity, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey).(string)
	return id, ok && id != ""
}

// WithIdentity injects an identity into a context. Test helper.
func WithIdentity(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, identityKey, identityID)
}
