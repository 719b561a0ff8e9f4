package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/store"
)

type principalKeyType struct{}

var principalKey principalKeyType

// PrincipalFrom returns the authenticated principal attached by
// AuthMiddleware, or nil on unauthenticated routes.
func PrincipalFrom(r *http.Request) *model.Principal {
	p, _ := r.Context().Value(principalKey).(*model.Principal)
	return p
}

// TokenResolver maps a bearer token to its principal.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*model.Principal, error)
}

// StoreTokenResolver resolves the static admin token plus nest-user tokens
// stored in the tenant store.
type StoreTokenResolver struct {
	AdminToken string
	Entities   *store.Store
}

// Resolve implements TokenResolver. Returns store.ErrNotFound for unknown
// tokens.
func (tr *StoreTokenResolver) Resolve(ctx context.Context, token string) (*model.Principal, error) {
	if tr.AdminToken != "" && token == tr.AdminToken {
		return &model.Principal{UserID: "platform-admin", Role: model.RolePlatformAdmin}, nil
	}
	if tr.Entities == nil {
		return nil, store.ErrNotFound
	}
	return tr.Entities.ResolvePrincipal(ctx, token)
}

// AuthMiddleware validates the Bearer token in the Authorization header and
// attaches the resolved principal to the request context. Failures return
// 401 Unauthorized with a JSON error body.
func AuthMiddleware(resolver TokenResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
			return
		}

		p, err := resolver.Resolve(r.Context(), auth[len(prefix):])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "token resolution failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// AdminRateLimitMiddleware budgets authenticated calls per (user, nest).
func AdminRateLimitMiddleware(rl *RateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "anonymous"
		if p := PrincipalFrom(r); p != nil {
			key = p.UserID + "|" + p.NestID
		}
		if retryAfter, ok := rl.Allow(key); !ok {
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PublicRateLimitMiddleware budgets unauthenticated calls per client IP.
func PublicRateLimitMiddleware(rl *RateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if retryAfter, ok := rl.Allow(clientIP(r)); !ok {
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
