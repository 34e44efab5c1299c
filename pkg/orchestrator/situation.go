package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// RegisterSituation persists a new Situation in DRAFT and records its
// creation. Identity, status and the creation timestamp belong to the
// engine; the caller supplies only the decision request itself.
func (e *Engine) RegisterSituation(ctx context.Context, actor string, in entities.SituationInput) (*entities.Situation, error) {
	if strings.TrimSpace(in.Domain) == "" {
		return nil, entities.NewValidationError("SITUATION_DOMAIN_REQUIRED", "domain is required")
	}
	if strings.TrimSpace(in.Objective) == "" {
		return nil, entities.NewValidationError("SITUATION_OBJECTIVE_REQUIRED", "objective is required")
	}
	if in.Urgency != "" && !in.Urgency.IsValid() {
		return nil, entities.NewValidationError("SITUATION_URGENCY_UNKNOWN",
			fmt.Sprintf("urgency %q is not a known grade", in.Urgency))
	}
	if in.AbsorptionCapacity != "" && !in.AbsorptionCapacity.IsValid() {
		return nil, entities.NewValidationError("SITUATION_ABSORPTION_UNKNOWN",
			fmt.Sprintf("absorption_capacity %q is not a known grade", in.AbsorptionCapacity))
	}

	s := entities.Situation{
		ID:                  "sit_" + uuid.NewString(),
		Domain:              in.Domain,
		Context:             in.Context,
		Objective:           in.Objective,
		Uncertainties:       in.Uncertainties,
		Alternatives:        in.Alternatives,
		Risks:               in.Risks,
		Urgency:             in.Urgency,
		AbsorptionCapacity:  in.AbsorptionCapacity,
		RelevantConsequence: in.RelevantConsequence,
		LearningPossibility: in.LearningPossibility,
		DeclaredUseCase:     in.DeclaredUseCase,
		Status:              entities.SituationDraft,
		CreationTime:        e.now(),
	}
	if err := e.repos.Situations.Create(ctx, s); err != nil {
		return nil, err
	}

	e.aud.Record(actor, eventlog.EventSituationCreated, eventlog.EntitySituation, s.ID, map[string]any{
		"situation_id": s.ID,
		"domain":       s.Domain,
		"use_case":     s.DeclaredUseCase,
	})
	return &s, nil
}

// ProcessRequest accepts a registered Situation into analysis: it advances
// the status through OPEN, ACCEPTED and UNDER_ANALYSIS, creates the one
// Episode bound to it, and returns the Episode. A situation that already
// has an episode cannot be processed twice.
func (e *Engine) ProcessRequest(ctx context.Context, actor, situationID string) (*entities.Episode, error) {
	s, err := e.repos.Situations.GetByID(ctx, situationID)
	if err != nil {
		return nil, err
	}
	if s.Status != entities.SituationDraft && s.Status != entities.SituationOpen {
		return nil, entities.NewStateError("situation", situationID, string(s.Status), "process_request")
	}

	for _, to := range []entities.SituationStatus{
		entities.SituationOpen,
		entities.SituationAccepted,
		entities.SituationUnderAnalysis,
	} {
		if s.Status.CanAdvanceTo(to) {
			if s, err = e.advanceSituation(ctx, situationID, to); err != nil {
				return nil, err
			}
		}
	}

	ep := entities.Episode{
		ID:                    "epi_" + uuid.NewString(),
		UseCase:               s.DeclaredUseCase,
		Domain:                s.Domain,
		State:                 entities.EpisodeCreated,
		ReferencedSituationID: s.ID,
		CreatedAt:             e.now(),
	}
	if err := e.repos.Episodes.Create(ctx, ep); err != nil {
		return nil, err
	}

	e.aud.Record(actor, eventlog.EventEpisodeCreated, eventlog.EntityEpisode, ep.ID, map[string]any{
		"episode_id":   ep.ID,
		"situation_id": s.ID,
		"domain":       ep.Domain,
		"use_case":     ep.UseCase,
	})
	return &ep, nil
}

// advanceSituation performs one forward status move and records it.
func (e *Engine) advanceSituation(ctx context.Context, id string, to entities.SituationStatus) (*entities.Situation, error) {
	s, err := e.repos.Situations.AdvanceStatus(ctx, id, to)
	if err != nil {
		return nil, err
	}
	e.aud.Record(systemActor, eventlog.EventSituationStatusChanged, eventlog.EntitySituation, id, map[string]any{
		"situation_id": id,
		"status":       string(to),
	})
	return s, nil
}

// MemoryConsultation is the recorded outcome of one memory query: the raw
// query shape and the returned ids, nothing else.
type MemoryConsultation struct {
	AttachmentID string   `json:"attachment_id"`
	Query        string   `json:"query"`
	ResultIDs    []string `json:"result_ids,omitempty"`
}

// ConsultMemory runs a memory query for a situation under analysis and
// appends the query and its returned ids as a MemoryQuery attachment. Only
// attachments recorded here may later be cited by a protocol draft.
func (e *Engine) ConsultMemory(ctx context.Context, actor, situationID, query string) (*MemoryConsultation, error) {
	s, err := e.repos.Situations.GetByID(ctx, situationID)
	if err != nil {
		return nil, err
	}
	if s.Status != entities.SituationUnderAnalysis {
		return nil, entities.NewStateError("situation", situationID, string(s.Status), "consult_memory")
	}

	ids, err := e.memory.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"query":      query,
		"result_ids": ids,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize consultation: %w", err)
	}

	att := entities.AnalysisAttachment{
		ID:   "att_" + uuid.NewString(),
		Kind: entities.AttachmentMemoryQuery,
		Body: body,
		Time: e.now(),
	}
	if _, err := e.repos.Situations.AppendAttachment(ctx, situationID, att); err != nil {
		return nil, err
	}

	e.aud.Record(actor, eventlog.EventMemoryConsulted, eventlog.EntitySituation, situationID, map[string]any{
		"situation_id":  situationID,
		"attachment_id": att.ID,
		"result_count":  len(ids),
	})
	return &MemoryConsultation{AttachmentID: att.ID, Query: query, ResultIDs: ids}, nil
}
