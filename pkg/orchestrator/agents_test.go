package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/runner"
)

func agentBase() entities.ProtocolDraft {
	return entities.ProtocolDraft{
		MinimumCriteria:       []string{"c1"},
		ConsideredRisks:       []string{"r1"},
		DefinedLimits:         []entities.Limit{{Kind: "time", Description: "30d", Value: "30"}},
		EvaluatedAlternatives: []string{"A", "B", "C"},
	}
}

func TestRunAgentsMajorityDecides(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, ep := registerAndProcess(t, e, testSituationInput())

	profiles := []runner.AgentProfile{
		{ID: "a1", RiskProfile: entities.RiskConservative},
		{ID: "a2", RiskProfile: entities.RiskConservative},
		{ID: "a3", RiskProfile: entities.RiskAggressive},
	}
	res, err := e.RunAgents(ctx, ep.ID, agentBase(), profiles, runner.MajorityByAlternative)
	require.NoError(t, err)
	assert.Equal(t, runner.OutcomeSelected, res.Outcome)
	require.NotNil(t, res.Contract)
	// Conservative agents pick the first alternative; two votes beat one.
	assert.Equal(t, "A", res.Contract.AuthorizedAlternative)

	// Only the selected candidate's decision was persisted.
	decisions, err := e.repos.Decisions.List(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	protocols, err := e.repos.Protocols.List(ctx)
	require.NoError(t, err)
	require.Len(t, protocols, 1)
	assert.Equal(t, entities.ProtocolValidated, protocols[0].State)

	// Every agent left proposal events behind.
	types := eventTypes(t, e)
	proposals := 0
	for _, typ := range types {
		if typ == eventlog.EventAgentProtocolProposed {
			proposals++
		}
	}
	assert.Equal(t, 3, proposals)

	got, err := e.repos.Episodes.GetByID(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EpisodeDecided, got.State)
}

func TestRunAgentsHumanOverrideNeverDecides(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, ep := registerAndProcess(t, e, testSituationInput())

	profiles := []runner.AgentProfile{
		{ID: "a1", RiskProfile: entities.RiskModerate},
		{ID: "a2", RiskProfile: entities.RiskModerate},
	}
	res, err := e.RunAgents(ctx, ep.ID, agentBase(), profiles, runner.HumanOverrideRequired)
	require.NoError(t, err)
	assert.Equal(t, runner.OutcomeHumanOverride, res.Outcome)
	assert.Nil(t, res.Contract)
	assert.Len(t, res.Candidates, 2)

	// Nothing was persisted; the episode is still open for a human call.
	decisions, err := e.repos.Decisions.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, decisions)
	got, err := e.repos.Episodes.GetByID(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EpisodeCreated, got.State)
}

func TestRunAgentsRequiresOpenEpisode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, ep := registerAndProcess(t, e, testSituationInput())
	_, err := e.BuildProtocol(ctx, "analyst-1", ep.ID, testDraft())
	require.NoError(t, err)

	_, err = e.RunAgents(ctx, ep.ID, agentBase(), []runner.AgentProfile{
		{ID: "a1", RiskProfile: entities.RiskModerate},
	}, runner.FirstValid)
	var serr *entities.StateError
	require.ErrorAs(t, err, &serr)
}
