package views

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/orchestrator"
)

// decidedEngine builds an engine with one fully decided episode and one
// still-open situation.
func decidedEngine(t *testing.T) (*orchestrator.Engine, *entities.Episode, *entities.Contract) {
	t.Helper()
	e, err := orchestrator.New(t.TempDir(), eventlog.Config{SegmentSize: 50})
	require.NoError(t, err)
	ctx := context.Background()

	in := entities.SituationInput{
		Domain:              "deployment",
		Context:             "rollout window",
		Objective:           "ship safely",
		Urgency:             entities.UrgencyMedium,
		AbsorptionCapacity:  entities.AbsorptionMedium,
		RelevantConsequence: "customer impact",
	}
	s, err := e.RegisterSituation(ctx, "user-1", in)
	require.NoError(t, err)
	ep, err := e.ProcessRequest(ctx, "user-1", s.ID)
	require.NoError(t, err)
	_, err = e.BuildProtocol(ctx, "analyst-1", ep.ID, entities.ProtocolDraft{
		MinimumCriteria:       []string{"c1"},
		ConsideredRisks:       []string{"r1"},
		DefinedLimits:         []entities.Limit{{Kind: "time", Description: "30d", Value: "30"}},
		RiskProfile:           entities.RiskModerate,
		EvaluatedAlternatives: []string{"A", "B"},
		ChosenAlternative:     "A",
	})
	require.NoError(t, err)
	c, err := e.RegisterDecision(ctx, "analyst-1", ep.ID, entities.DecisionInput{
		ChosenAlternative: "A",
		RiskProfile:       entities.RiskModerate,
	})
	require.NoError(t, err)

	// A second situation left undecided.
	in.Objective = "second objective"
	_, err = e.RegisterSituation(ctx, "user-2", in)
	require.NoError(t, err)

	return e, ep, c
}

func TestCountsAndSummary(t *testing.T) {
	e, _, _ := decidedEngine(t)
	v := New(e.Repos(), e.EventLog())
	ctx := context.Background()

	counts, err := v.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Situations)
	assert.Equal(t, 1, counts.Episodes)
	assert.Equal(t, 1, counts.Decisions)
	assert.Equal(t, 1, counts.Contracts)
	assert.Equal(t, e.EventLog().Count(), counts.Events)

	sum, err := v.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalDecisions)
	assert.Equal(t, 0, sum.TotalBlocked)
	assert.Equal(t, 1, sum.ByRiskProfile[string(entities.RiskModerate)])
	assert.Equal(t, 1, sum.OpenEpisodes)
	assert.Equal(t, 0, sum.ClosedEpisodes)
}

func TestCountsCacheInvalidation(t *testing.T) {
	e, _, _ := decidedEngine(t)
	v := New(e.Repos(), e.EventLog(), WithCacheTTL(time.Hour))
	ctx := context.Background()

	counts, err := v.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Situations)

	_, err = e.RegisterSituation(ctx, "user-3", entities.SituationInput{
		Domain:              "deployment",
		Context:             "third",
		Objective:           "third objective",
		Urgency:             entities.UrgencyLow,
		AbsorptionCapacity:  entities.AbsorptionHigh,
		RelevantConsequence: "minor",
	})
	require.NoError(t, err)

	// Stale until invalidated.
	counts, err = v.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Situations)

	v.Invalidate()
	counts, err = v.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Situations)
}

func TestLatestSituationsOrder(t *testing.T) {
	e, _, _ := decidedEngine(t)
	v := New(e.Repos(), e.EventLog())

	latest, err := v.LatestSituations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "second objective", latest[0].Objective)
}

func TestTimelineCoversEpisodeGraph(t *testing.T) {
	e, ep, c := decidedEngine(t)
	v := New(e.Repos(), e.EventLog())
	ctx := context.Background()

	tl, err := v.Timeline(ctx, ep.ID)
	require.NoError(t, err)
	require.NotEmpty(t, tl.Entries)

	var types []string
	for _, entry := range tl.Entries {
		types = append(types, entry.EventType)
	}
	assert.Contains(t, types, eventlog.EventEpisodeCreated)
	assert.Contains(t, types, eventlog.EventProtocolValidated)
	assert.Contains(t, types, eventlog.EventDecisionRegistered)
	assert.Contains(t, types, eventlog.EventContractIssued)

	// Only the referenced situation's creation appears; the second
	// situation never leaks into this timeline.
	created := 0
	for _, typ := range types {
		if typ == eventlog.EventSituationCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	for _, entry := range tl.Entries {
		if entry.EventType == eventlog.EventContractIssued {
			assert.Equal(t, c.ID, entry.EntityID)
		}
	}
}

func TestMandateUsageByAgent(t *testing.T) {
	e, _, _ := decidedEngine(t)
	v := New(e.Repos(), e.EventLog())
	ctx := context.Background()

	max := 3
	m, err := e.GrantMandate(ctx, entities.MandateGrant{
		AgentID:        "agent-1",
		Mode:           entities.ModeAutonomous,
		MaxRiskProfile: entities.RiskModerate,
		GrantedBy:      "ops-lead",
		MaxUses:        &max,
	})
	require.NoError(t, err)
	_, err = e.ConsumeMandateUse(ctx, m.ID)
	require.NoError(t, err)

	usage, err := v.MandateUsageByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 1, usage[0].Uses)
	require.NotNil(t, usage[0].Remaining)
	assert.Equal(t, 2, *usage[0].Remaining)
}
