package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/devpocket/devpocket-server/internal/config"
)

type contextKey string

const userContextKey contextKey = "user"

// devUser is the identity attached to requests when auth is disabled.
const devUser = "dev"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// TokenResolver maps an opaque bearer token to a user id.
type TokenResolver interface {
	Resolve(token string) (userID string, ok bool)
}

// StaticResolver resolves tokens from a fixed token→user table, built from
// the DEVPOCKET_API_TOKENS setting ("token:user,token:user").
type StaticResolver struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewStaticResolver(spec string) *StaticResolver {
	r := &StaticResolver{tokens: make(map[string]string)}
	for _, pair := range strings.Split(spec, ",") {
		tok, user, found := strings.Cut(strings.TrimSpace(pair), ":")
		if found && tok != "" && user != "" {
			r.tokens[tok] = user
		}
	}
	return r
}

func (r *StaticResolver) Resolve(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.tokens[token]
	return user, ok
}

// RequireAuth authenticates requests via "Authorization: Bearer <token>".
// WebSocket clients cannot set headers, so a "token" query parameter is
// accepted as a fallback. When auth is disabled every request runs as the
// dev user.
func RequireAuth(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				ctx := context.WithValue(r.Context(), userContextKey, devUser)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			userID, ok := resolver.Resolve(token)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, found := strings.CutPrefix(h, "Bearer "); found {
		return token
	}
	return ""
}

// GetUserID returns the authenticated user id for a request, or "" when the
// request did not pass RequireAuth.
func GetUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userContextKey).(string)
	return userID
}
