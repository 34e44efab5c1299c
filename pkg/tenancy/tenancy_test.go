package tenancy

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/repo"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     string
		wantCode string
	}{
		{name: "simple", raw: "acme", want: "acme"},
		{name: "uppercase is folded", raw: "ACME-Corp", want: "acme-corp"},
		{name: "surrounding space trimmed", raw: "  acme  ", want: "acme"},
		{name: "minimum length", raw: "ab1", want: "ab1"},
		{name: "maximum length", raw: strings.Repeat("a", 50), want: strings.Repeat("a", 50)},
		{name: "too short", raw: "ab", wantCode: CodeIDInvalid},
		{name: "too long", raw: strings.Repeat("a", 51), wantCode: CodeIDInvalid},
		{name: "empty", raw: "", wantCode: CodeIDInvalid},
		{name: "underscore", raw: "acme_corp", wantCode: CodeIDInvalid},
		{name: "leading hyphen", raw: "-acme", wantCode: CodeIDInvalid},
		{name: "trailing hyphen", raw: "acme-", wantCode: CodeIDInvalid},
		{name: "traversal", raw: "../etc/passwd", wantCode: CodeIDInvalid},
		{name: "reserved admin", raw: "admin", wantCode: CodeIDReserved},
		{name: "reserved tenants", raw: "Tenants", wantCode: CodeIDReserved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeID(tt.raw)
			if tt.wantCode != "" {
				var terr *Error
				require.ErrorAs(t, err, &terr)
				assert.Equal(t, tt.wantCode, terr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDataDirStaysUnderRoot(t *testing.T) {
	base := t.TempDir()

	dir, err := ResolveDataDir(base, "acme")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "tenants", "acme"), dir)

	_, err = ResolveDataDir(base, "../etc/passwd")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeIDInvalid, terr.Code)
}

func TestRegistryLifecycle(t *testing.T) {
	base := t.TempDir()
	r, err := OpenRegistry(base)
	require.NoError(t, err)

	cfg, err := r.Register("Acme", "Acme Corp", Quotas{})
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.ID)
	assert.Equal(t, StatusActive, cfg.Status)
	assert.Equal(t, DefaultQuotas(), cfg.Quotas)

	_, err = r.Register("acme", "duplicate", Quotas{})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeExists, terr.Code)

	_, err = r.Suspend("acme")
	require.NoError(t, err)
	got, err := r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)

	_, err = r.Resume("acme")
	require.NoError(t, err)

	_, err = r.Remove("acme")
	require.NoError(t, err)
	got, err = r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, got.Status)

	// Deleted tenants stay deleted.
	_, err = r.Resume("acme")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeDeleted, terr.Code)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	base := t.TempDir()
	r, err := OpenRegistry(base)
	require.NoError(t, err)
	_, err = r.Register("acme", "Acme Corp", Quotas{RateLimitRPM: 120, MaxEvents: 10, MaxStorageMB: 1})
	require.NoError(t, err)
	_, err = r.Register("globex", "Globex", Quotas{})
	require.NoError(t, err)
	_, err = r.Suspend("globex")
	require.NoError(t, err)

	reopened, err := OpenRegistry(base)
	require.NoError(t, err)
	got, err := reopened.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, 120, got.Quotas.RateLimitRPM)
	assert.Len(t, reopened.ListActive(), 1)
	assert.Len(t, reopened.List(), 2)
}

func tenantSituation(domain string) entities.SituationInput {
	return entities.SituationInput{
		Domain:              domain,
		Context:             "rollout window",
		Objective:           "ship safely",
		Urgency:             entities.UrgencyMedium,
		AbsorptionCapacity:  entities.AbsorptionMedium,
		RelevantConsequence: "customer impact",
	}
}

func TestRuntimeIsolatesTenants(t *testing.T) {
	base := t.TempDir()
	r, err := OpenRegistry(base)
	require.NoError(t, err)
	for _, id := range []string{"acme", "globex"} {
		_, err = r.Register(id, id, Quotas{})
		require.NoError(t, err)
	}

	rt := NewRuntime(base, r, eventlog.Config{SegmentSize: 50})
	ctx := context.Background()

	acme, err := rt.Instance(ctx, "acme")
	require.NoError(t, err)
	globex, err := rt.Instance(ctx, "globex")
	require.NoError(t, err)
	require.NotSame(t, acme, globex)

	_, err = acme.RegisterSituation(ctx, "user-1", tenantSituation("deployment"))
	require.NoError(t, err)

	// The write is visible only inside acme.
	acmeSits, err := acme.Repos().Situations.List(ctx, repo.SituationFilter{})
	require.NoError(t, err)
	require.Len(t, acmeSits, 1)
	globexSits, err := globex.Repos().Situations.List(ctx, repo.SituationFilter{})
	require.NoError(t, err)
	assert.Empty(t, globexSits)

	// Same id resolves to the same instance until shutdown.
	again, err := rt.Instance(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, acme, again)
	rt.Shutdown("acme")
	assert.Equal(t, 1, rt.LiveCount())

	// A fresh instance reloads the durable state.
	reloaded, err := rt.Instance(ctx, "acme")
	require.NoError(t, err)
	require.NotSame(t, acme, reloaded)
	sits, err := reloaded.Repos().Situations.List(ctx, repo.SituationFilter{})
	require.NoError(t, err)
	assert.Len(t, sits, 1)
}

func TestRuntimeBlocksInactiveTenants(t *testing.T) {
	base := t.TempDir()
	r, err := OpenRegistry(base)
	require.NoError(t, err)
	_, err = r.Register("acme", "Acme", Quotas{})
	require.NoError(t, err)

	rt := NewRuntime(base, r, eventlog.Config{SegmentSize: 50})
	ctx := context.Background()

	_, err = r.Suspend("acme")
	require.NoError(t, err)
	_, err = rt.Instance(ctx, "acme")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeSuspended, terr.Code)

	_, err = r.Remove("acme")
	require.NoError(t, err)
	_, err = rt.Instance(ctx, "acme")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeDeleted, terr.Code)

	_, err = rt.Instance(ctx, "ghost")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeNotFound, terr.Code)
}

func TestRouterResolutionOrder(t *testing.T) {
	secret := []byte("test-secret")
	router := NewRouter(
		WithPathPrefix("t"),
		WithBaseDomain("arbiter.example"),
		WithJWTKeyFunc(func(*jwt.Token) (any, error) { return secret, nil }),
	)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, routeClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		TenantID:         "initech",
	}).SignedString(secret)
	require.NoError(t, err)

	t.Run("header wins", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://globex.arbiter.example/t/hooli/situations", nil)
		req.Header.Set(HeaderTenantID, "acme")
		req.Header.Set("Authorization", "Bearer "+signed)
		id, err := router.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "acme", id)
	})

	t.Run("path beats subdomain", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://globex.arbiter.example/t/hooli/situations", nil)
		id, err := router.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "hooli", id)
	})

	t.Run("subdomain beats token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://globex.arbiter.example/situations", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		id, err := router.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "globex", id)
	})

	t.Run("token claim", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://api.internal/situations", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		id, err := router.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "initech", id)
	})

	t.Run("unresolved", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://api.internal/situations", nil)
		_, err := router.Resolve(req)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, CodeUnresolved, terr.Code)
	})

	t.Run("matched source with bad id fails closed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://api.internal/situations", nil)
		req.Header.Set(HeaderTenantID, "../etc/passwd")
		req.Header.Set("Authorization", "Bearer "+signed)
		_, err := router.Resolve(req)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, CodeIDInvalid, terr.Code)
	})
}

func TestRouterStripTenantPrefix(t *testing.T) {
	router := NewRouter(WithPathPrefix("t"))
	assert.Equal(t, "/situations", router.StripTenantPrefix("/t/acme/situations", "acme"))
	assert.Equal(t, "/", router.StripTenantPrefix("/t/acme", "acme"))
	assert.Equal(t, "/other", router.StripTenantPrefix("/other", "acme"))
}

func TestLimitersEnforceQuota(t *testing.T) {
	l := NewLimiters()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	// 60 RPM gives a burst of 6; the seventh immediate request is refused.
	q := Quotas{RateLimitRPM: 60}
	for i := 0; i < 6; i++ {
		assert.True(t, l.Allow("acme", q), "request %d", i)
	}
	assert.False(t, l.Allow("acme", q))

	// Another tenant has its own bucket.
	assert.True(t, l.Allow("globex", q))

	// Unlimited tenants never queue.
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("free", Quotas{}))
	}

	now = base.Add(10 * time.Minute)
	assert.True(t, l.Allow("initech", q))
	removed := l.Sweep(5 * time.Minute)
	assert.Equal(t, 2, removed)
}
