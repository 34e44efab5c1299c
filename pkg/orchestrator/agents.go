package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/runner"
)

// AgentRunResult is the outcome of one multi-agent decision run. Contract
// and Protocol are set only when aggregation selected a candidate; the
// candidates themselves survive only as audit events.
type AgentRunResult struct {
	Outcome    string                     `json:"outcome"`
	Reason     string                     `json:"reason,omitempty"`
	Candidates []runner.Candidate         `json:"candidates"`
	Selected   *runner.Candidate          `json:"selected,omitempty"`
	Protocol   *entities.DecisionProtocol `json:"protocol,omitempty"`
	Contract   *entities.Contract         `json:"contract,omitempty"`
}

// RunAgents evaluates one candidate protocol per agent profile against the
// episode's situation, aggregates them under the given policy, and when a
// candidate wins, persists its protocol as VALIDATED and registers the
// decision through the normal pipeline. Losing candidates leave only
// AGENT_PROTOCOL_PROPOSED / AGENT_DECISION_PROPOSED events behind.
func (e *Engine) RunAgents(ctx context.Context, episodeID string, base entities.ProtocolDraft, profiles []runner.AgentProfile, policy runner.AggregationPolicy) (*AgentRunResult, error) {
	ep, err := e.repos.Episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if ep.State != entities.EpisodeCreated {
		return nil, entities.NewStateError("episode", episodeID, string(ep.State), "run_agents")
	}
	s, err := e.repos.Situations.GetByID(ctx, ep.ReferencedSituationID)
	if err != nil {
		return nil, err
	}
	if s.Status != entities.SituationUnderAnalysis {
		return nil, entities.NewStateError("situation", s.ID, string(s.Status), "run_agents")
	}
	if prior, err := e.repos.Protocols.ByEpisodeID(ctx, episodeID); err == nil && prior != nil {
		return nil, entities.NewStateError("protocol", prior.ID, string(prior.State), "run_agents")
	}

	run, err := e.agents.Run(ctx, episodeID, s, base, profiles, policy)
	if err != nil {
		return nil, err
	}

	res := &AgentRunResult{
		Outcome:    run.Outcome,
		Reason:     run.Reason,
		Candidates: run.Candidates,
		Selected:   run.Selected,
	}
	if run.Selected == nil {
		return res, nil
	}

	sel := run.Selected
	p := entities.DecisionProtocol{
		ID:                    "prt_" + uuid.NewString(),
		EpisodeID:             episodeID,
		MinimumCriteria:       sel.Draft.MinimumCriteria,
		ConsideredRisks:       sel.Draft.ConsideredRisks,
		DefinedLimits:         sel.Draft.DefinedLimits,
		RiskProfile:           sel.Draft.RiskProfile,
		EvaluatedAlternatives: sel.Draft.EvaluatedAlternatives,
		ChosenAlternative:     sel.Alternative,
		ConsultedMemoryIDs:    sel.Draft.ConsultedMemoryIDs,
		UsedAttachmentIDs:     sel.Draft.UsedAttachmentIDs,
		State:                 entities.ProtocolValidated,
		ValidatedAt:           e.now(),
		ValidatedBy:           sel.AgentID,
	}
	if err := e.repos.Protocols.Create(ctx, p); err != nil {
		return nil, err
	}
	e.aud.Record(sel.AgentID, eventlog.EventProtocolValidated, eventlog.EntityProtocol, p.ID, map[string]any{
		"protocol_id":        p.ID,
		"episode_id":         episodeID,
		"risk_profile":       string(p.RiskProfile),
		"chosen_alternative": p.ChosenAlternative,
		"agent_id":           sel.AgentID,
	})

	contract, err := e.issueDecision(ctx, sel.AgentID, s, ep, &p, entities.DecisionInput{
		ChosenAlternative: p.ChosenAlternative,
		Criteria:          p.MinimumCriteria,
		Limits:            p.DefinedLimits,
		RiskProfile:       p.RiskProfile,
	})
	if err != nil {
		return nil, err
	}
	res.Protocol = &p
	res.Contract = contract
	return res, nil
}
