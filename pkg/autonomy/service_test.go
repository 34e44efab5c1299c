package autonomy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/repo"
)

type recordedEvent struct {
	actor      string
	eventType  string
	entityType string
	entityID   string
	payload    map[string]any
}

type captureRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (c *captureRecorder) Record(actor, eventType, entityType, entityID string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{actor, eventType, entityType, entityID, payload})
}

func (c *captureRecorder) byType(eventType string) []recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recordedEvent
	for _, e := range c.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *captureRecorder, *repo.MandateRepo) {
	t.Helper()
	mandates, err := repo.NewMandateRepo(t.TempDir())
	require.NoError(t, err)
	rec := &captureRecorder{}
	svc := NewService(mandates, rec, WithServiceClock(func() time.Time { return evalNow }))
	return svc, rec, mandates
}

func testGrant() entities.MandateGrant {
	return entities.MandateGrant{
		AgentID:         "agent-1",
		Mode:            entities.ModeAutonomous,
		AllowedPolicies: []string{"rollout"},
		MaxRiskProfile:  entities.RiskModerate,
		GrantedBy:       "ops-lead",
	}
}

func testObservation(id string) *entities.ConsequenceObservation {
	return &entities.ConsequenceObservation{
		ID:           id,
		ContractID:   "ctr-1",
		EpisodeID:    "epi-1",
		Observed:     entities.ObservedOutcome{Description: "rollout exceeded its window", LimitsRespected: false},
		Perceived:    entities.PerceivedOutcome{Description: "worse than projected"},
		RegisteredBy: "observer-1",
		RegisteredAt: evalNow,
	}
}

func TestServiceGrant(t *testing.T) {
	svc, rec, mandates := newTestService(t)
	ctx := context.Background()

	// 1. A valid grant persists and records MANDATE_GRANTED.
	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, entities.MandateActive, m.Status)
	assert.Equal(t, evalNow, m.GrantedAt)

	stored, err := mandates.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", stored.AgentID)

	granted := rec.byType(eventlog.EventMandateGranted)
	require.Len(t, granted, 1)
	assert.Equal(t, "ops-lead", granted[0].actor)
	assert.Equal(t, m.ID, granted[0].entityID)
}

func TestServiceGrantValidation(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		mutate   func(g *entities.MandateGrant)
		wantRule string
	}{
		{
			name:     "missing agent",
			mutate:   func(g *entities.MandateGrant) { g.AgentID = "  " },
			wantRule: "MANDATE_AGENT_REQUIRED",
		},
		{
			name:     "missing grantor",
			mutate:   func(g *entities.MandateGrant) { g.GrantedBy = "" },
			wantRule: "MANDATE_GRANTOR_REQUIRED",
		},
		{
			name:     "unknown mode",
			mutate:   func(g *entities.MandateGrant) { g.Mode = "GODMODE" },
			wantRule: "MANDATE_MODE_UNKNOWN",
		},
		{
			name:     "unknown risk ceiling",
			mutate:   func(g *entities.MandateGrant) { g.MaxRiskProfile = "RECKLESS" },
			wantRule: "MANDATE_RISK_UNKNOWN",
		},
		{
			name: "non-positive max uses",
			mutate: func(g *entities.MandateGrant) {
				zero := 0
				g.MaxUses = &zero
			},
			wantRule: "MANDATE_MAX_USES_INVALID",
		},
		{
			name: "inverted validity window",
			mutate: func(g *entities.MandateGrant) {
				from := evalNow
				until := evalNow.Add(-time.Hour)
				g.ValidFrom = &from
				g.ValidUntil = &until
			},
			wantRule: "MANDATE_WINDOW_INVERTED",
		},
		{
			name: "broken escalation trigger",
			mutate: func(g *entities.MandateGrant) {
				g.EscalationTriggers = []entities.EscalationTrigger{
					{Condition: "not valid cel ((", Action: ActionSuspend},
				}
			},
			wantRule: "ESCALATION_CONDITION_INVALID",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := testGrant()
			tc.mutate(&g)

			_, err := svc.Grant(ctx, g)

			var verr *entities.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantRule, verr.RuleID)
		})
	}

	// Nothing was persisted or recorded along the way.
	assert.Empty(t, rec.byType(eventlog.EventMandateGranted))
}

func TestServiceApplyConsequenceSuspends(t *testing.T) {
	svc, rec, mandates := newTestService(t)
	ctx := context.Background()

	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)
	obs := testObservation("obs-1")
	triggers := entities.ConsequenceTriggers{
		Severity:       entities.SeverityHigh,
		ViolatedLimits: boolPtr(true),
	}

	// 1. Violated limits suspend the mandate and require review.
	out, err := svc.ApplyConsequence(ctx, m.ID, obs, triggers)
	require.NoError(t, err)
	assert.Equal(t, ActionSuspend, out.Action)
	assert.True(t, out.RequiresHumanReview)
	assert.True(t, out.Applied)
	assert.Equal(t, entities.MandateSuspended, out.Mandate.Status)

	// 2. The event payload identifies mandate, agent and observation.
	suspended := rec.byType(eventlog.EventAutonomySuspended)
	require.Len(t, suspended, 1)
	assert.Equal(t, SystemActor, suspended[0].actor)
	assert.Equal(t, m.ID, suspended[0].payload["mandate_id"])
	assert.Equal(t, "agent-1", suspended[0].payload["agent_id"])
	assert.Equal(t, "obs-1", suspended[0].payload["observation_id"])
	assert.NotEmpty(t, suspended[0].payload["suspended_at"])
	assert.NotEmpty(t, suspended[0].payload["reason"])

	// 3. Re-applying the same observation is a no-op with no new event.
	out, err = svc.ApplyConsequence(ctx, m.ID, obs, triggers)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Len(t, rec.byType(eventlog.EventAutonomySuspended), 1)

	stored, err := mandates.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "obs-1", stored.TriggeredByObservationID)
}

func TestServiceApplyConsequenceRevokes(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)
	triggers := entities.ConsequenceTriggers{Severity: entities.SeverityCritical}

	// 1. Critical severity revokes.
	out, err := svc.ApplyConsequence(ctx, m.ID, testObservation("obs-1"), triggers)
	require.NoError(t, err)
	assert.Equal(t, ActionRevoke, out.Action)
	assert.True(t, out.Applied)
	assert.Equal(t, entities.MandateRevoked, out.Mandate.Status)
	require.Len(t, rec.byType(eventlog.EventAutonomyRevokedByConsequence), 1)

	// 2. A second observation against the now-terminal mandate is a no-op.
	out, err = svc.ApplyConsequence(ctx, m.ID, testObservation("obs-2"), triggers)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Len(t, rec.byType(eventlog.EventAutonomyRevokedByConsequence), 1)
}

func TestServiceApplyConsequenceDegrades(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)
	triggers := entities.ConsequenceTriggers{
		Severity:     entities.SeverityHigh,
		RelevantLoss: boolPtr(true),
	}

	// 1. First degrade steps AUTONOMOUS down to ASSISTED.
	out, err := svc.ApplyConsequence(ctx, m.ID, testObservation("obs-1"), triggers)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, entities.ModeAssisted, out.Mandate.Mode)

	degraded := rec.byType(eventlog.EventAutonomyDegraded)
	require.Len(t, degraded, 1)
	assert.Equal(t, "AUTONOMOUS", degraded[0].payload["from_mode"])
	assert.Equal(t, "ASSISTED", degraded[0].payload["to_mode"])

	// 2. The same observation cannot degrade twice.
	out, err = svc.ApplyConsequence(ctx, m.ID, testObservation("obs-1"), triggers)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Len(t, rec.byType(eventlog.EventAutonomyDegraded), 1)

	// 3. A new observation steps ASSISTED down to TEACHING.
	out, err = svc.ApplyConsequence(ctx, m.ID, testObservation("obs-2"), triggers)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, entities.ModeTeaching, out.Mandate.Mode)

	// 4. TEACHING is the floor.
	out, err = svc.ApplyConsequence(ctx, m.ID, testObservation("obs-3"), triggers)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, entities.ModeTeaching, out.Mandate.Mode)
}

func TestServiceApplyConsequenceFlags(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)
	triggers := entities.ConsequenceTriggers{
		Severity: entities.SeverityHigh,
		Category: entities.CategoryLegal,
	}

	out, err := svc.ApplyConsequence(ctx, m.ID, testObservation("obs-1"), triggers)
	require.NoError(t, err)
	assert.Equal(t, ActionFlagHumanReview, out.Action)
	assert.True(t, out.Applied)
	assert.Equal(t, entities.MandateActive, out.Mandate.Status)
	require.Len(t, rec.byType(eventlog.EventAutonomyHumanReviewFlagged), 1)

	// Same observation flags once.
	out, err = svc.ApplyConsequence(ctx, m.ID, testObservation("obs-1"), triggers)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Len(t, rec.byType(eventlog.EventAutonomyHumanReviewFlagged), 1)
}

func TestServiceApplyConsequenceEscalationTrigger(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	grant := testGrant()
	grant.EscalationTriggers = []entities.EscalationTrigger{
		{Condition: `!reversible && severity == "HIGH"`, Action: ActionSuspend, Note: "irreversible damage"},
	}
	m, err := svc.Grant(ctx, grant)
	require.NoError(t, err)

	// The fixed policy alone would do nothing with these facts; the
	// grant-time trigger escalates to a suspension.
	triggers := entities.ConsequenceTriggers{
		Severity:   entities.SeverityHigh,
		Reversible: boolPtr(false),
	}
	out, err := svc.ApplyConsequence(ctx, m.ID, testObservation("obs-1"), triggers)
	require.NoError(t, err)
	assert.Equal(t, ActionSuspend, out.Action)
	assert.True(t, out.Applied)
	require.Len(t, out.Escalated, 1)
	assert.Equal(t, entities.MandateSuspended, out.Mandate.Status)
	assert.Len(t, rec.byType(eventlog.EventAutonomySuspended), 1)
}

func TestServiceResume(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)
	_, err = svc.ApplyConsequence(ctx, m.ID, testObservation("obs-1"), entities.ConsequenceTriggers{
		ViolatedLimits: boolPtr(true),
	})
	require.NoError(t, err)

	// 1. The system actor may not lift a suspension.
	_, err = svc.Resume(ctx, m.ID, SystemActor, "because")
	var verr *entities.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "RESUME_REQUIRES_HUMAN", verr.RuleID)

	// 2. An observation-triggered suspension demands a reason.
	_, err = svc.Resume(ctx, m.ID, "ops-lead", "  ")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "RESUME_REQUIRES_REASON", verr.RuleID)

	// 3. A named actor with a reason resumes and records it.
	resumed, err := svc.Resume(ctx, m.ID, "ops-lead", "limits reviewed, tightened manually")
	require.NoError(t, err)
	assert.Equal(t, entities.MandateActive, resumed.Status)
	require.Len(t, rec.byType(eventlog.EventMandateResumed), 1)

	// 4. Resuming an active mandate is a no-op with no event.
	_, err = svc.Resume(ctx, m.ID, "ops-lead", "again")
	require.NoError(t, err)
	assert.Len(t, rec.byType(eventlog.EventMandateResumed), 1)
}

func TestServiceExpireIdempotent(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)

	// 1. First expiry records the event.
	expired, err := svc.Expire(ctx, m.ID, entities.ExpireTime)
	require.NoError(t, err)
	assert.Equal(t, entities.MandateExpired, expired.Status)
	require.Len(t, rec.byType(eventlog.EventMandateExpired), 1)

	// 2. Expiring again changes nothing and emits nothing.
	_, err = svc.Expire(ctx, m.ID, entities.ExpireUses)
	require.NoError(t, err)
	assert.Len(t, rec.byType(eventlog.EventMandateExpired), 1)
	stored, err := svc.mandates.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.ExpireTime, stored.ExpireReason)
}

func TestServiceRevokeManually(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.Grant(ctx, testGrant())
	require.NoError(t, err)

	revoked, err := svc.Revoke(ctx, m.ID, "ops-lead", "agent decommissioned")
	require.NoError(t, err)
	assert.Equal(t, entities.MandateRevoked, revoked.Status)
	assert.Equal(t, "ops-lead", revoked.RevokedBy)

	events := rec.byType(eventlog.EventMandateRevoked)
	require.Len(t, events, 1)
	assert.Equal(t, "ops-lead", events[0].actor)

	// Revoking a terminal mandate stays quiet.
	_, err = svc.Revoke(ctx, m.ID, "ops-lead", "again")
	require.NoError(t, err)
	assert.Len(t, rec.byType(eventlog.EventMandateRevoked), 1)
}
