package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arbiter-labs/arbiter/pkg/config"
	"github.com/arbiter-labs/arbiter/pkg/observability"
	"github.com/arbiter-labs/arbiter/pkg/orchestrator"
	"github.com/arbiter-labs/arbiter/pkg/tenancy"
	"github.com/arbiter-labs/arbiter/pkg/views"
)

// Options configures the HTTP surface around a tenant runtime.
type Options struct {
	AuthMode  config.AuthMode
	JWTSecret string
	APIPepper string
	// APIKeys maps HashAPIKey digests to the actor each key authenticates.
	APIKeys map[string]string
	// Redis enables the shared fixed-window limiter; nil keeps limiting
	// in-process.
	Redis         *RedisLimiter
	Router        *tenancy.Router
	Observability *observability.Provider
}

// Server exposes the per-tenant engine operations over HTTP. Only the
// Contract and the declared status/read shapes cross this boundary.
type Server struct {
	logger   *slog.Logger
	registry *tenancy.Registry
	runtime  *tenancy.Runtime
	router   *tenancy.Router
	limiters *tenancy.Limiters
	redis    *RedisLimiter
	obs      *observability.Provider

	authMode  config.AuthMode
	jwtSecret []byte
	apiPepper string
	apiKeys   map[string]string

	viewsMu sync.Mutex
	views   map[string]*views.Views
}

// New assembles the server. A nil Options.Router gets a default router
// that reads the X-Tenant-ID header and, under JWT auth, the token claim.
func New(logger *slog.Logger, registry *tenancy.Registry, runtime *tenancy.Runtime, opts Options) *Server {
	s := &Server{
		logger:    logger,
		registry:  registry,
		runtime:   runtime,
		router:    opts.Router,
		limiters:  tenancy.NewLimiters(),
		redis:     opts.Redis,
		obs:       opts.Observability,
		authMode:  opts.AuthMode,
		jwtSecret: []byte(opts.JWTSecret),
		apiPepper: opts.APIPepper,
		apiKeys:   opts.APIKeys,
		views:     make(map[string]*views.Views),
	}
	if s.authMode == "" {
		s.authMode = config.AuthNone
	}
	if s.router == nil {
		var ropts []tenancy.RouterOption
		if s.authMode == config.AuthJWT {
			secret := s.jwtSecret
			ropts = append(ropts, tenancy.WithJWTKeyFunc(func(*jwt.Token) (any, error) {
				return secret, nil
			}))
		}
		s.router = tenancy.NewRouter(ropts...)
	}
	if s.obs == nil {
		s.obs, _ = observability.New(context.Background(), &observability.Config{})
	}
	return s
}

// Handler builds the full middleware chain: request id, logging, auth,
// tenant resolution, rate limiting, routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var h http.Handler = mux
	h = s.rateLimitMiddleware(h)
	h = s.tenantMiddleware(h)
	h = s.authMiddleware(h)
	h = loggingMiddleware(s.logger)(h)
	h = requestIDMiddleware(h)
	return h
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /api/admin/tenants", s.handleTenantRegister)
	mux.HandleFunc("GET /api/admin/tenants", s.handleTenantList)
	mux.HandleFunc("POST /api/admin/tenants/{id}/suspend", s.handleTenantSuspend)
	mux.HandleFunc("POST /api/admin/tenants/{id}/resume", s.handleTenantResume)
	mux.HandleFunc("DELETE /api/admin/tenants/{id}", s.handleTenantRemove)

	mux.HandleFunc("POST /api/situations", s.handleSituationRegister)
	mux.HandleFunc("POST /api/situations/{id}/process", s.handleSituationProcess)
	mux.HandleFunc("POST /api/situations/{id}/memory", s.handleConsultMemory)

	mux.HandleFunc("POST /api/episodes/{id}/protocol", s.handleBuildProtocol)
	mux.HandleFunc("POST /api/episodes/{id}/decision", s.handleRegisterDecision)
	mux.HandleFunc("POST /api/episodes/{id}/agents", s.handleRunAgents)
	mux.HandleFunc("POST /api/episodes/{id}/observe", s.handleStartObservation)
	mux.HandleFunc("POST /api/episodes/{id}/close", s.handleCloseEpisode)

	mux.HandleFunc("POST /api/contracts/{id}/consequences", s.handleRegisterConsequence)

	mux.HandleFunc("POST /api/mandates", s.handleGrantMandate)
	mux.HandleFunc("GET /api/mandates", s.handleActiveMandates)
	mux.HandleFunc("POST /api/mandates/{id}/revoke", s.handleRevokeMandate)
	mux.HandleFunc("POST /api/mandates/{id}/resume", s.handleResumeMandate)
	mux.HandleFunc("POST /api/mandates/{id}/expire", s.handleExpireMandate)
	mux.HandleFunc("POST /api/mandates/{id}/consume", s.handleConsumeMandate)
	mux.HandleFunc("POST /api/autonomy/evaluate", s.handleEvaluateAutonomy)
	mux.HandleFunc("POST /api/autonomy/verify", s.handleVerifyAutonomy)

	mux.HandleFunc("GET /api/audit/export", s.handleAuditExport)
	mux.HandleFunc("POST /api/audit/replay", s.handleAuditReplay)
	mux.HandleFunc("POST /api/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/audit/status", s.handleAuditStatus)

	mux.HandleFunc("GET /api/views/counts", s.handleViewCounts)
	mux.HandleFunc("GET /api/views/summary", s.handleViewSummary)
	mux.HandleFunc("GET /api/views/timeline/{id}", s.handleViewTimeline)
	mux.HandleFunc("GET /api/views/mandates/{agent}", s.handleViewMandateUsage)
}

// engine resolves the request's tenant to its live instance. On failure it
// has already written the problem response.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*orchestrator.Engine, bool) {
	id, ok := TenantFrom(r.Context())
	if !ok {
		WriteBadRequest(w, r, "No tenant resolved for this request")
		return nil, false
	}
	eng, err := s.runtime.Instance(r.Context(), id)
	if err != nil {
		WriteEngineError(w, r, err)
		return nil, false
	}
	return eng, true
}

// engineForWrite is engine plus the max_events quota gate: append-heavy
// operations are refused once the tenant's log has reached its event
// quota. Reads stay available.
func (s *Server) engineForWrite(w http.ResponseWriter, r *http.Request) (*orchestrator.Engine, bool) {
	eng, ok := s.engine(w, r)
	if !ok {
		return nil, false
	}
	id, _ := TenantFrom(r.Context())
	if cfg, err := s.registry.Get(id); err == nil && cfg.Quotas.MaxEvents > 0 {
		if eng.EventLog().Count() >= cfg.Quotas.MaxEvents {
			WriteForbidden(w, r, "Tenant event quota exhausted")
			return nil, false
		}
	}
	return eng, true
}

// tenantViews returns the read projections bound to the tenant's engine.
func (s *Server) tenantViews(r *http.Request, eng *orchestrator.Engine) *views.Views {
	id, _ := TenantFrom(r.Context())
	s.viewsMu.Lock()
	defer s.viewsMu.Unlock()
	if v, ok := s.views[id]; ok {
		return v
	}
	v := views.New(eng.Repos(), eng.EventLog())
	s.views[id] = v
	return v
}

// invalidateViews drops cached projections after a write.
func (s *Server) invalidateViews(r *http.Request) {
	id, ok := TenantFrom(r.Context())
	if !ok {
		return
	}
	s.viewsMu.Lock()
	v := s.views[id]
	s.viewsMu.Unlock()
	if v != nil {
		v.Invalidate()
	}
}

// actor names the authenticated caller for event attribution.
func (s *Server) actor(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok && p.Actor != "" {
		return p.Actor
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"live_tenants": s.runtime.LiveCount(),
	})
}
