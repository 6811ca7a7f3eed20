// Package identity maps an incoming request to an authenticated user id.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rcourtman/memorial-studio/internal/logging"
	"github.com/rcourtman/memorial-studio/internal/studio/registry"
)

type ctxKey struct{}

// Resolver resolves the authenticated user id for a request.
type Resolver interface {
	Resolve(r *http.Request) (userID string, ok bool)
}

// Users is the user storage the resolvers need.
type Users interface {
	FindUserByID(ctx context.Context, id string) (*registry.User, error)
	UpsertUserByEmail(ctx context.Context, email, name, avatarURL string) (*registry.User, error)
}

// Chain tries each resolver in order and returns the first match.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(r *http.Request) (string, bool) {
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		if id, ok := resolver.Resolve(r); ok {
			return id, true
		}
	}
	return "", false
}

// WithUserID stores the authenticated user id on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user id stored on ctx, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware resolves the caller and stores the user id (if any) on the
// request context. Unauthenticated requests pass through.
func Middleware(resolver Resolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if resolver != nil {
			if id, ok := resolver.Resolve(r); ok {
				ctx := WithUserID(r.Context(), id)
				logger := logging.FromContext(ctx).With().Str("user_id", id).Logger()
				r = r.WithContext(logging.WithLogger(ctx, logger))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects requests without an authenticated user with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
