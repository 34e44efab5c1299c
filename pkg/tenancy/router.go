package tenancy

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// HeaderTenantID is the explicit tenant header; it wins over every other
// resolution source.
const HeaderTenantID = "X-Tenant-ID"

// routeClaims are the JWT claims the router inspects when no other source
// names a tenant.
type routeClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Router resolves the tenant a request belongs to. Sources are tried in a
// fixed order: header, path prefix, subdomain, JWT claim. The first source
// that names a tenant wins; its value must still pass id validation.
type Router struct {
	pathPrefix string
	baseDomain string
	keyFunc    jwt.Keyfunc
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPathPrefix enables path-based resolution: /<prefix>/<tenant>/...
func WithPathPrefix(prefix string) RouterOption {
	return func(rt *Router) { rt.pathPrefix = "/" + strings.Trim(prefix, "/") + "/" }
}

// WithBaseDomain enables subdomain resolution: <tenant>.<baseDomain>.
func WithBaseDomain(domain string) RouterOption {
	return func(rt *Router) { rt.baseDomain = "." + strings.Trim(domain, ".") }
}

// WithJWTKeyFunc enables resolution from a bearer token's tenant_id claim.
func WithJWTKeyFunc(fn jwt.Keyfunc) RouterOption {
	return func(rt *Router) { rt.keyFunc = fn }
}

// NewRouter builds a router with the given sources enabled. The header
// source is always on.
func NewRouter(opts ...RouterOption) *Router {
	rt := &Router{}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Resolve names the request's tenant or fails with CodeUnresolved. A source
// that matches but carries an invalid id fails immediately rather than
// falling through, so a typo never silently lands on another source's
// tenant.
func (rt *Router) Resolve(r *http.Request) (string, error) {
	if raw := r.Header.Get(HeaderTenantID); raw != "" {
		return NormalizeID(raw)
	}
	if raw, matched := rt.fromPath(r.URL.Path); matched {
		return NormalizeID(raw)
	}
	if raw, matched := rt.fromHost(r.Host); matched {
		return NormalizeID(raw)
	}
	if raw, matched := rt.fromToken(r); matched {
		return NormalizeID(raw)
	}
	return "", newError(CodeUnresolved, "", "no source named a tenant")
}

func (rt *Router) fromPath(path string) (string, bool) {
	if rt.pathPrefix == "" || !strings.HasPrefix(path, rt.pathPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, rt.pathPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}

func (rt *Router) fromHost(host string) (string, bool) {
	if rt.baseDomain == "" {
		return "", false
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if !strings.HasSuffix(host, rt.baseDomain) {
		return "", false
	}
	sub := strings.TrimSuffix(host, rt.baseDomain)
	if sub == "" || strings.Contains(sub, ".") {
		return "", false
	}
	return sub, true
}

func (rt *Router) fromToken(r *http.Request) (string, bool) {
	if rt.keyFunc == nil {
		return "", false
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	claims := &routeClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, rt.keyFunc)
	if err != nil || !token.Valid || claims.TenantID == "" {
		return "", false
	}
	return claims.TenantID, true
}

// StripTenantPrefix rewrites /<prefix>/<tenant>/rest to /rest once the
// tenant has been resolved, so downstream handlers see tenant-free paths.
func (rt *Router) StripTenantPrefix(path, tenantID string) string {
	if rt.pathPrefix == "" {
		return path
	}
	full := rt.pathPrefix + tenantID
	if path == full {
		return "/"
	}
	if strings.HasPrefix(path, full+"/") {
		return strings.TrimPrefix(path, full)
	}
	return path
}

// Limiters keeps one token bucket per tenant, sized from the tenant's
// quota. Idle entries are dropped so suspended or abandoned tenants do not
// accumulate.
type Limiters struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// NewLimiters builds an empty per-tenant limiter set.
func NewLimiters() *Limiters {
	return &Limiters{
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow consumes one token from the tenant's bucket. The bucket is created
// on first use from the quota and rebuilt if the quota changed. A
// non-positive RPM disables limiting for the tenant.
func (l *Limiters) Allow(tenantID string, quotas Quotas) bool {
	if quotas.RateLimitRPM <= 0 {
		return true
	}

	l.mu.Lock()
	e, exists := l.entries[tenantID]
	if !exists || e.rpm != quotas.RateLimitRPM {
		burst := quotas.RateLimitRPM / 10
		if burst < 1 {
			burst = 1
		}
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(quotas.RateLimitRPM)/60.0), burst),
			rpm:     quotas.RateLimitRPM,
		}
		l.entries[tenantID] = e
	}
	e.lastSeen = l.now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Sweep drops entries idle longer than maxIdle and reports how many were
// removed. Callers run it on their own cadence.
func (l *Limiters) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for id, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}
