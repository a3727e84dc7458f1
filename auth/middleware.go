package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type ctxKey struct{}

// Verifier reports whether a participant passed identity review.
type Verifier interface {
	IsVerified(ctx context.Context, participantID string) (bool, error)
}

// WithActor stores a in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor set by Middleware.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}

// Middleware authenticates the bearer token of every request and rejects the
// request with 401 when it is missing or invalid.
func Middleware(tokens *Issuer, verifier Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				deny(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			actor, err := tokens.Verify(raw)
			if err != nil {
				logger.Warn("rejected bearer token",
					zap.Bool("security", true),
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				deny(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if verifier != nil {
				verified, err := verifier.IsVerified(r.Context(), actor.ID)
				if err != nil {
					logger.Error("identity lookup failed", zap.String("actor_id", actor.ID), zap.Error(err))
					deny(w, http.StatusInternalServerError, "internal error")
					return
				}
				actor.Verified = verified
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireAdmin lets only admin actors through.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := FromContext(r.Context())
		if !ok {
			deny(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !actor.Admin {
			deny(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
