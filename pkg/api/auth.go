package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

type contextKey string

const (
	callerKey    contextKey = "caller"
	requestIDKey contextKey = "request_id"
)

// WithCaller attaches the authenticated caller account to ctx.
func WithCaller(ctx context.Context, caller identity.Account) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the caller account set by the auth middleware.
func CallerFrom(ctx context.Context) (identity.Account, bool) {
	caller, ok := ctx.Value(callerKey).(identity.Account)
	return caller, ok && caller != ""
}

// TokenValidator turns a bearer token into a caller account.
type TokenValidator interface {
	Validate(token string) (identity.Account, error)
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// AuthMiddleware authenticates bearer tokens. If validator is nil, every
// non-public request is rejected.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" || token == "" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}

			caller, err := validator.Validate(token)
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequestIDMiddleware injects a unique X-Request-ID into every request context
// and response header. If the client sends an X-Request-ID, it is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
