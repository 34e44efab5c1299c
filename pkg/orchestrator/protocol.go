package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// BuildProtocol turns a draft into the Episode's one DecisionProtocol. The
// episode must be CREATED, its situation UNDER_ANALYSIS, and no protocol
// may exist yet; those failures are errors and persist nothing. Defects in
// the draft itself produce a REJECTED protocol carrying every aggregated
// reason, which permanently blocks the episode.
func (e *Engine) BuildProtocol(ctx context.Context, actor, episodeID string, draft entities.ProtocolDraft) (*entities.DecisionProtocol, error) {
	ep, err := e.repos.Episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if ep.State != entities.EpisodeCreated {
		return nil, entities.NewStateError("episode", episodeID, string(ep.State), "build_protocol")
	}

	s, err := e.repos.Situations.GetByID(ctx, ep.ReferencedSituationID)
	if err != nil {
		return nil, err
	}
	if s.Status != entities.SituationUnderAnalysis {
		return nil, entities.NewStateError("situation", s.ID, string(s.Status), "build_protocol")
	}

	if prior, err := e.repos.Protocols.ByEpisodeID(ctx, episodeID); err == nil && prior != nil {
		return nil, entities.NewStateError("protocol", prior.ID, string(prior.State), "build_protocol")
	}

	reasons := draftDefects(s, draft)

	p := entities.DecisionProtocol{
		ID:                    "prt_" + uuid.NewString(),
		EpisodeID:             episodeID,
		MinimumCriteria:       draft.MinimumCriteria,
		ConsideredRisks:       draft.ConsideredRisks,
		DefinedLimits:         draft.DefinedLimits,
		RiskProfile:           draft.RiskProfile,
		EvaluatedAlternatives: draft.EvaluatedAlternatives,
		ChosenAlternative:     draft.ChosenAlternative,
		ConsultedMemoryIDs:    draft.ConsultedMemoryIDs,
		UsedAttachmentIDs:     draft.UsedAttachmentIDs,
		ValidatedAt:           e.now(),
		ValidatedBy:           actor,
	}
	if len(reasons) == 0 {
		p.State = entities.ProtocolValidated
	} else {
		p.State = entities.ProtocolRejected
		p.RejectionReason = strings.Join(reasons, "; ")
	}

	if err := e.repos.Protocols.Create(ctx, p); err != nil {
		return nil, err
	}

	if p.State == entities.ProtocolValidated {
		e.aud.Record(actor, eventlog.EventProtocolValidated, eventlog.EntityProtocol, p.ID, map[string]any{
			"protocol_id":        p.ID,
			"episode_id":         episodeID,
			"risk_profile":       string(p.RiskProfile),
			"chosen_alternative": p.ChosenAlternative,
		})
	} else {
		e.aud.Record(actor, eventlog.EventProtocolRejected, eventlog.EntityProtocol, p.ID, map[string]any{
			"protocol_id": p.ID,
			"episode_id":  episodeID,
			"reasons":     reasons,
		})
	}
	return &p, nil
}

// draftDefects collects every structural defect of the draft against its
// situation. The closed layer is not consulted here; it gates decision
// registration.
func draftDefects(s *entities.Situation, draft entities.ProtocolDraft) []string {
	var reasons []string

	if !draft.RiskProfile.IsValid() {
		reasons = append(reasons, fmt.Sprintf("risk_profile %q is not a risk profile", draft.RiskProfile))
	}
	if len(draft.EvaluatedAlternatives) == 0 {
		reasons = append(reasons, "evaluated_alternatives is empty")
	}
	if strings.TrimSpace(draft.ChosenAlternative) == "" {
		reasons = append(reasons, "chosen_alternative is empty")
	} else {
		found := false
		for _, alt := range draft.EvaluatedAlternatives {
			if alt == draft.ChosenAlternative {
				found = true
				break
			}
		}
		if !found {
			reasons = append(reasons,
				fmt.Sprintf("chosen_alternative %q is not among the evaluated alternatives", draft.ChosenAlternative))
		}
	}
	for _, id := range draft.ConsultedMemoryIDs {
		if !s.HasMemoryQuery(id) {
			reasons = append(reasons,
				fmt.Sprintf("consulted memory id %q was never recorded as a memory-query attachment", id))
		}
	}
	for _, id := range draft.UsedAttachmentIDs {
		if _, ok := s.AttachmentByID(id); !ok {
			reasons = append(reasons,
				fmt.Sprintf("used attachment id %q is not an attachment of the situation", id))
		}
	}
	return reasons
}
