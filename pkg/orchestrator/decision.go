package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/closedlayer"
	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// RegisterDecision records the decision an episode's VALIDATED protocol
// pre-committed to and emits the Contract, the only artifact that crosses
// the system boundary. The closed layer gates the registration: a block is
// recorded as DECISION_BLOCKED and nothing is persisted.
func (e *Engine) RegisterDecision(ctx context.Context, actor, episodeID string, in entities.DecisionInput) (*entities.Contract, error) {
	ep, err := e.repos.Episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if ep.State != entities.EpisodeCreated {
		return nil, entities.NewStateError("episode", episodeID, string(ep.State), "register_decision")
	}

	p, err := e.repos.Protocols.ByEpisodeID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if p.State != entities.ProtocolValidated {
		return nil, entities.NewStateError("protocol", p.ID, string(p.State), "register_decision")
	}

	s, err := e.repos.Situations.GetByID(ctx, ep.ReferencedSituationID)
	if err != nil {
		return nil, err
	}

	if verdict := closedlayer.Validate(s, p); verdict.Blocked {
		e.aud.Record(actor, eventlog.EventDecisionBlocked, eventlog.EntityEpisode, episodeID, map[string]any{
			"episode_id": episodeID,
			"rule_id":    verdict.RuleID,
			"reason":     verdict.Reason,
		})
		return nil, entities.NewValidationError(verdict.RuleID, verdict.Reason)
	}

	if !in.MatchesProtocol(p) {
		return nil, entities.NewValidationError("DECISION_PROTOCOL_MISMATCH",
			"chosen alternative and risk profile must equal the validated protocol's")
	}

	return e.issueDecision(ctx, actor, s, ep, p, in)
}

// issueDecision persists the Decision, advances the episode and situation
// to DECIDED, and emits the Contract. Callers have already validated the
// input against the protocol and passed the closed layer.
func (e *Engine) issueDecision(ctx context.Context, actor string, s *entities.Situation, ep *entities.Episode, p *entities.DecisionProtocol, in entities.DecisionInput) (*entities.Contract, error) {
	now := e.now()
	d := entities.Decision{
		ID:                "dec_" + uuid.NewString(),
		EpisodeID:         ep.ID,
		ChosenAlternative: in.ChosenAlternative,
		Criteria:          in.Criteria,
		Limits:            in.Limits,
		Conditions:        in.Conditions,
		RiskProfile:       in.RiskProfile,
		DecidedAt:         now,
	}
	if len(d.Criteria) == 0 {
		d.Criteria = p.MinimumCriteria
	}
	if len(d.Limits) == 0 {
		d.Limits = p.DefinedLimits
	}
	if err := e.repos.Decisions.Create(ctx, d); err != nil {
		return nil, err
	}

	e.aud.Record(actor, eventlog.EventDecisionRegistered, eventlog.EntityDecision, d.ID, map[string]any{
		"decision_id":        d.ID,
		"episode_id":         ep.ID,
		"chosen_alternative": d.ChosenAlternative,
		"risk_profile":       string(d.RiskProfile),
	})

	if _, err := e.advanceEpisode(ctx, ep.ID, entities.EpisodeDecided); err != nil {
		return nil, err
	}
	if _, err := e.advanceSituation(ctx, s.ID, entities.SituationDecided); err != nil {
		return nil, err
	}

	issuedTo := strings.TrimSpace(in.IssuedTo)
	if issuedTo == "" {
		issuedTo = actor
	}
	c := entities.Contract{
		ID:                          "ctr_" + uuid.NewString(),
		EpisodeID:                   ep.ID,
		DecisionID:                  d.ID,
		AuthorizedAlternative:       d.ChosenAlternative,
		ExecutionLimits:             d.Limits,
		MandatoryConditions:         d.Conditions,
		MinimumRequiredObservations: entities.DefaultMinimumObservations,
		IssuedAt:                    now,
		IssuedTo:                    issuedTo,
	}
	if err := e.repos.Contracts.Create(ctx, c); err != nil {
		return nil, err
	}

	e.aud.Record(actor, eventlog.EventContractIssued, eventlog.EntityContract, c.ID, map[string]any{
		"contract_id":            c.ID,
		"decision_id":            d.ID,
		"episode_id":             ep.ID,
		"authorized_alternative": c.AuthorizedAlternative,
		"issued_to":              c.IssuedTo,
	})
	return &c, nil
}

// advanceEpisode performs one forward state move and records it.
func (e *Engine) advanceEpisode(ctx context.Context, id string, to entities.EpisodeState) (*entities.Episode, error) {
	ep, err := e.repos.Episodes.AdvanceState(ctx, id, to, e.now())
	if err != nil {
		return nil, err
	}
	e.aud.Record(systemActor, eventlog.EventEpisodeStateChanged, eventlog.EntityEpisode, id, map[string]any{
		"episode_id": id,
		"state":      string(to),
	})
	return ep, nil
}

// StartObservation moves a decided episode (and its situation) under
// observation.
func (e *Engine) StartObservation(ctx context.Context, episodeID string) (*entities.Episode, error) {
	ep, err := e.repos.Episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if ep.State != entities.EpisodeDecided {
		return nil, entities.NewStateError("episode", episodeID, string(ep.State), string(entities.EpisodeUnderObservation))
	}
	if ep, err = e.advanceEpisode(ctx, episodeID, entities.EpisodeUnderObservation); err != nil {
		return nil, err
	}
	if _, err := e.advanceSituation(ctx, ep.ReferencedSituationID, entities.SituationUnderObservation); err != nil {
		return nil, err
	}
	return ep, nil
}

// CloseEpisode ends an episode's lifecycle. Closing is legal from DECIDED
// and UNDER_OBSERVATION; a created episode has nothing to close yet.
func (e *Engine) CloseEpisode(ctx context.Context, episodeID string) (*entities.Episode, error) {
	ep, err := e.repos.Episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if ep.State != entities.EpisodeDecided && ep.State != entities.EpisodeUnderObservation {
		return nil, entities.NewStateError("episode", episodeID, string(ep.State), string(entities.EpisodeClosed))
	}
	if ep, err = e.advanceEpisode(ctx, episodeID, entities.EpisodeClosed); err != nil {
		return nil, err
	}
	if _, err := e.advanceSituation(ctx, ep.ReferencedSituationID, entities.SituationClosed); err != nil {
		return nil, err
	}
	return ep, nil
}
