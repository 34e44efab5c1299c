package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/arbiter-labs/arbiter/pkg/config"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	principalKey contextKey = "principal"
	tenantKey    contextKey = "tenant"
)

// Principal is the authenticated caller. Actor is what the engine records
// in the event log.
type Principal struct {
	Actor    string
	TenantID string
	Roles    []string
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the Principal from the context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// TenantFrom retrieves the resolved tenant id from the context.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok
}

// RequestIDFrom retrieves the request id from the context.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// requestIDMiddleware injects a unique X-Request-ID into every request
// context and response header. A client-sent X-Request-ID is reused.
func requestIDMiddleware(next http.Handler) http.Handler {
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFrom(r.Context()),
			)
		})
	}
}

// publicPaths are endpoints that skip auth, tenant resolution and rate
// limiting.
var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

type apiClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// HashAPIKey derives the stored digest for an API key: SHA3-256 over the
// pepper followed by the key. Provisioning writes this digest; the raw key
// is never stored.
func HashAPIKey(pepper, key string) string {
	sum := sha3.Sum256([]byte(pepper + key))
	return hex.EncodeToString(sum[:])
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || s.authMode == config.AuthNone {
			next.ServeHTTP(w, r)
			return
		}

		switch s.authMode {
		case config.AuthJWT:
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			claims := &apiClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims,
				func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
				jwt.WithValidMethods([]string{"HS256"}),
			)
			if err != nil || !token.Valid {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, r, "Token subject is required")
				return
			}
			ctx := WithPrincipal(r.Context(), Principal{
				Actor:    claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))

		case config.AuthAPIKey:
			key := r.Header.Get("X-API-Key")
			if key == "" {
				WriteUnauthorized(w, r, "Missing X-API-Key header")
				return
			}
			digest := HashAPIKey(s.apiPepper, key)
			var actor string
			for stored, a := range s.apiKeys {
				if subtle.ConstantTimeCompare([]byte(stored), []byte(digest)) == 1 {
					actor = a
					break
				}
			}
			if actor == "" {
				WriteUnauthorized(w, r, "Unknown API key")
				return
			}
			ctx := WithPrincipal(r.Context(), Principal{Actor: actor})
			next.ServeHTTP(w, r.WithContext(ctx))

		default:
			WriteUnauthorized(w, r, "Authentication not configured")
		}
	})
}

// tenantMiddleware resolves the tenant for API routes and rewrites
// path-prefixed URLs so route patterns match. Admin routes are
// tenant-less.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/api/admin/") {
			next.ServeHTTP(w, r)
			return
		}

		id, err := s.router.Resolve(r)
		if err != nil {
			WriteEngineError(w, r, err)
			return
		}
		r.URL.Path = s.router.StripTenantPrefix(r.URL.Path, id)
		ctx := context.WithValue(r.Context(), tenantKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware enforces the tenant's rate_limit_rpm quota. Unknown
// tenants pass through so the handler can return the typed error.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := TenantFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		cfg, err := s.registry.Get(id)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed := true
		if s.redis != nil {
			allowed, err = s.redis.Allow(r.Context(), id, cfg.Quotas.RateLimitRPM)
			if err != nil {
				// Redis being down must not take the API down with it.
				s.logger.Warn("redis limiter unavailable, falling back to local", "error", err)
				allowed = s.limiters.Allow(id, cfg.Quotas)
			}
		} else {
			allowed = s.limiters.Allow(id, cfg.Quotas)
		}
		if !allowed {
			WriteTooManyRequests(w, r, 60)
			return
		}
		next.ServeHTTP(w, r)
	})
}
