package orchestrator

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/autonomy"
	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/repo"
)

// ConsequenceResult bundles the persisted observation with what, if
// anything, the consequence policy did to the agent's mandate.
type ConsequenceResult struct {
	Observation *entities.ConsequenceObservation `json:"observation"`
	Autonomy    *autonomy.Outcome                `json:"autonomy,omitempty"`
}

// RegisterConsequence appends a post-execution observation to a contract.
// The contract must exist and its episode must have reached DECIDED or
// later; the observation's evidences must cover every key the contract
// demands. When the input names an agent and carries triggers, the
// consequence policy runs against that agent's most recent mandate and its
// effects are applied.
func (e *Engine) RegisterConsequence(ctx context.Context, actor, contractID string, in entities.ConsequenceInput) (*ConsequenceResult, error) {
	c, err := e.repos.Contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	ep, err := e.repos.Episodes.GetByID(ctx, c.EpisodeID)
	if err != nil {
		return nil, err
	}
	if !ep.AcceptsObservations() {
		return nil, entities.NewStateError("episode", ep.ID, string(ep.State), "register_consequence")
	}
	if strings.TrimSpace(in.RegisteredBy) == "" {
		in.RegisteredBy = actor
	}
	if !c.RequiredEvidenceCovered(in.MinimumEvidences) {
		return nil, entities.NewValidationError("MINIMUM_EVIDENCE_MISSING",
			"minimum_evidences must cover every observation the contract requires")
	}
	if in.PriorObservationID != "" {
		if _, err := e.repos.Observations.GetByID(ctx, in.PriorObservationID); err != nil {
			return nil, err
		}
	}

	obs := entities.ConsequenceObservation{
		ID:                 "obs_" + uuid.NewString(),
		ContractID:         c.ID,
		EpisodeID:          c.EpisodeID,
		Observed:           in.Observed,
		Perceived:          in.Perceived,
		MinimumEvidences:   in.MinimumEvidences,
		RegisteredBy:       in.RegisteredBy,
		RegisteredAt:       e.now(),
		PriorObservationID: in.PriorObservationID,
		Notes:              in.Notes,
	}
	if err := e.repos.Observations.Create(ctx, obs); err != nil {
		return nil, err
	}

	e.aud.Record(actor, eventlog.EventConsequenceRegistered, eventlog.EntityObservation, obs.ID, map[string]any{
		"observation_id": obs.ID,
		"contract_id":    c.ID,
		"episode_id":     c.EpisodeID,
	})

	res := &ConsequenceResult{Observation: &obs}
	if in.Triggers != nil && strings.TrimSpace(in.AgentID) != "" {
		m, err := e.latestMandate(ctx, in.AgentID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out, err := e.svc.ApplyConsequence(ctx, m.ID, &obs, *in.Triggers)
			if err != nil {
				return nil, err
			}
			res.Autonomy = out
		}
	}
	return res, nil
}

// latestMandate resolves the agent's most recent non-terminal mandate, the
// one the consequence policy and the evaluator act on. Nil when the agent
// holds none.
func (e *Engine) latestMandate(ctx context.Context, agentID string) (*entities.AutonomyMandate, error) {
	ms, err := e.repos.Mandates.List(ctx, repo.MandateFilter{AgentID: agentID})
	if err != nil {
		return nil, err
	}
	live := ms[:0]
	for _, m := range ms {
		if !m.Status.IsTerminal() {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].GrantedAt.After(live[j].GrantedAt)
	})
	m := live[0]
	return &m, nil
}
