package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/repo"
)

// SystemActor is the actor name the engine writes on policy-driven events.
// A resumption by this actor is rejected: lifting a suspension takes a human.
const SystemActor = "system"

// Recorder appends audit events describing mandate mutations.
// Implementations absorb append failures; recording never aborts the
// mutation it describes.
type Recorder interface {
	Record(actor, eventType, entityType, entityID string, payload map[string]any)
}

// Service owns the mandate lifecycle: granting, revoking, expiring,
// resuming, and applying consequence-policy outcomes. Every state change
// goes through the repository's mutators and emits its event exactly once,
// keyed on the mutator's changed flag.
type Service struct {
	mandates *repo.MandateRepo
	rec      Recorder
	clock    func() time.Time
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock injects the time source.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithServiceLogger injects the structured logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService builds the mandate lifecycle service.
func NewService(mandates *repo.MandateRepo, rec Recorder, opts ...ServiceOption) *Service {
	s := &Service{
		mandates: mandates,
		rec:      rec,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Grant validates the request, compiles any escalation triggers, persists
// the mandate and records MANDATE_GRANTED. A malformed grant is rejected
// whole; nothing is persisted.
func (s *Service) Grant(ctx context.Context, grant entities.MandateGrant) (*entities.AutonomyMandate, error) {
	if strings.TrimSpace(grant.AgentID) == "" {
		return nil, entities.NewValidationError("MANDATE_AGENT_REQUIRED", "agent_id is required")
	}
	if strings.TrimSpace(grant.GrantedBy) == "" {
		return nil, entities.NewValidationError("MANDATE_GRANTOR_REQUIRED", "granted_by is required")
	}
	if !grant.Mode.IsValid() {
		return nil, entities.NewValidationError("MANDATE_MODE_UNKNOWN",
			fmt.Sprintf("mode %q is not a mandate mode", grant.Mode))
	}
	if !grant.MaxRiskProfile.IsValid() {
		return nil, entities.NewValidationError("MANDATE_RISK_UNKNOWN",
			fmt.Sprintf("max_risk_profile %q is not a risk profile", grant.MaxRiskProfile))
	}
	if grant.MaxUses != nil && *grant.MaxUses <= 0 {
		return nil, entities.NewValidationError("MANDATE_MAX_USES_INVALID", "max_uses must be positive")
	}
	if grant.ValidFrom != nil && grant.ValidUntil != nil && grant.ValidUntil.Before(*grant.ValidFrom) {
		return nil, entities.NewValidationError("MANDATE_WINDOW_INVERTED", "valid_until precedes valid_from")
	}
	if _, err := CompileTriggers(grant.EscalationTriggers); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	m := entities.AutonomyMandate{
		ID:                  "mnd_" + uuid.NewString(),
		AgentID:             grant.AgentID,
		Mode:                grant.Mode,
		AllowedPolicies:     grant.AllowedPolicies,
		MaxRiskProfile:      grant.MaxRiskProfile,
		Limits:              grant.Limits,
		HumanTriggerPhrases: grant.HumanTriggerPhrases,
		AllowedDomains:      grant.AllowedDomains,
		AllowedUseCases:     grant.AllowedUseCases,
		EscalationTriggers:  grant.EscalationTriggers,
		GrantedBy:           grant.GrantedBy,
		GrantedAt:           now,
		ValidFrom:           grant.ValidFrom,
		ValidUntil:          grant.ValidUntil,
		MaxUses:             grant.MaxUses,
		Status:              entities.MandateActive,
	}
	if err := s.mandates.Create(ctx, m); err != nil {
		return nil, err
	}

	s.rec.Record(grant.GrantedBy, eventlog.EventMandateGranted, eventlog.EntityMandate, m.ID, map[string]any{
		"mandate_id":       m.ID,
		"agent_id":         m.AgentID,
		"mode":             string(m.Mode),
		"max_risk_profile": string(m.MaxRiskProfile),
	})
	return &m, nil
}

// Revoke marks the mandate revoked on behalf of an actor. Revoking a
// terminal mandate is a no-op and emits nothing.
func (s *Service) Revoke(ctx context.Context, id, actor, reason string) (*entities.AutonomyMandate, error) {
	m, changed, err := s.mandates.RecordRevocation(ctx, id, actor, reason, s.clock())
	if err != nil {
		return nil, err
	}
	if changed {
		s.rec.Record(actor, eventlog.EventMandateRevoked, eventlog.EntityMandate, id, map[string]any{
			"mandate_id": id,
			"agent_id":   m.AgentID,
			"reason":     reason,
		})
	}
	return m, nil
}

// Expire records a lapsed mandate. Expiring an already-expired mandate is
// a no-op and emits nothing.
func (s *Service) Expire(ctx context.Context, id string, reason entities.ExpireReason) (*entities.AutonomyMandate, error) {
	m, changed, err := s.mandates.RecordExpiration(ctx, id, reason, s.clock())
	if err != nil {
		return nil, err
	}
	if changed {
		s.rec.Record(SystemActor, eventlog.EventMandateExpired, eventlog.EntityMandate, id, map[string]any{
			"mandate_id":    id,
			"agent_id":      m.AgentID,
			"expire_reason": string(reason),
		})
	}
	return m, nil
}

// Resume lifts a suspension. Only a named non-system actor may resume, and
// when the suspension was triggered by an observation a reason is required.
// Resuming a non-suspended mandate is a no-op.
func (s *Service) Resume(ctx context.Context, id, actor, reason string) (*entities.AutonomyMandate, error) {
	if strings.TrimSpace(actor) == "" || strings.EqualFold(actor, SystemActor) {
		return nil, entities.NewValidationError("RESUME_REQUIRES_HUMAN",
			"a suspension can only be lifted by a named non-system actor")
	}
	current, err := s.mandates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == entities.MandateSuspended &&
		current.TriggeredByObservationID != "" && strings.TrimSpace(reason) == "" {
		return nil, entities.NewValidationError("RESUME_REQUIRES_REASON",
			"resuming an observation-triggered suspension requires a reason")
	}

	m, changed, err := s.mandates.RecordResumption(ctx, id, actor, reason, s.clock())
	if err != nil {
		return nil, err
	}
	if changed {
		s.rec.Record(actor, eventlog.EventMandateResumed, eventlog.EntityMandate, id, map[string]any{
			"mandate_id": id,
			"agent_id":   m.AgentID,
			"reason":     reason,
		})
	}
	return m, nil
}

// ConsumeUse spends one mandate use and records it. The repository does
// the read-increment-flip atomically; this wrapper only adds the event.
func (s *Service) ConsumeUse(ctx context.Context, id string) (*entities.AutonomyMandate, error) {
	m, err := s.mandates.ConsumeUse(ctx, id, s.clock())
	if err != nil {
		return nil, err
	}
	s.rec.Record(SystemActor, eventlog.EventMandateUseConsumed, eventlog.EntityMandate, id, map[string]any{
		"mandate_id": id,
		"agent_id":   m.AgentID,
		"uses":       m.Uses,
	})
	return m, nil
}

// Outcome reports what applying one observation's consequence did.
type Outcome struct {
	Action              string                       `json:"action"`
	RequiresHumanReview bool                         `json:"requires_human_review"`
	Applied             bool                         `json:"applied"`
	Reason              string                       `json:"reason,omitempty"`
	Escalated           []entities.EscalationTrigger `json:"escalated,omitempty"`
	Mandate             *entities.AutonomyMandate    `json:"mandate,omitempty"`
}

// ApplyConsequence runs the consequence policy for an observation against
// the mandate, lets the mandate's escalation triggers tighten the verdict,
// applies the resulting action through the repository and records the
// matching AUTONOMY_* event. Re-applying the same observation is a no-op:
// each mutator dedupes inside its own critical section, and no event is
// re-emitted.
func (s *Service) ApplyConsequence(ctx context.Context, mandateID string, obs *entities.ConsequenceObservation, triggers entities.ConsequenceTriggers) (*Outcome, error) {
	facts := triggers.Normalized()
	decision := DecidePolicy(facts)

	m, err := s.mandates.GetByID(ctx, mandateID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Mandate: m}
	if len(m.EscalationTriggers) > 0 {
		ts, err := CompileTriggers(m.EscalationTriggers)
		if err != nil {
			// Compiled at grant time, so this means the stored mandate was
			// edited out of band. Proceed on the fixed policy alone.
			s.logger.Warn("stored escalation triggers no longer compile",
				"mandate_id", mandateID, "error", err)
		} else {
			tightened, matched, evalErr := ts.Apply(decision, facts, m.Uses, m.MaxUses)
			if evalErr != nil {
				s.logger.Warn("escalation trigger evaluation failed",
					"mandate_id", mandateID, "error", evalErr)
			}
			decision = tightened
			out.Escalated = matched
		}
	}
	out.Action = decision.Action
	out.RequiresHumanReview = decision.RequiresHumanReview
	out.Reason = decision.Reason

	now := s.clock()
	basePayload := func(m *entities.AutonomyMandate) map[string]any {
		return map[string]any{
			"mandate_id":     mandateID,
			"agent_id":       m.AgentID,
			"observation_id": obs.ID,
			"reason":         decision.Reason,
		}
	}

	switch decision.Action {
	case ActionRevoke:
		m, changed, err := s.mandates.RecordRevocation(ctx, mandateID, SystemActor, decision.Reason, now)
		if err != nil {
			return nil, err
		}
		if changed {
			s.rec.Record(SystemActor, eventlog.EventAutonomyRevokedByConsequence, eventlog.EntityMandate, mandateID, basePayload(m))
		}
		out.Applied = changed
		out.Mandate = m

	case ActionSuspend:
		m, changed, err := s.mandates.RecordSuspension(ctx, mandateID, decision.Reason, obs.ID, now)
		if err != nil {
			return nil, err
		}
		if changed {
			payload := basePayload(m)
			payload["suspended_at"] = m.SuspendedAt.UTC().Format(time.RFC3339Nano)
			s.rec.Record(SystemActor, eventlog.EventAutonomySuspended, eventlog.EntityMandate, mandateID, payload)
		}
		out.Applied = changed
		out.Mandate = m

	case ActionDegrade:
		m, changed, err := s.mandates.RecordDegrade(ctx, mandateID, obs.ID, now)
		if err != nil {
			return nil, err
		}
		if changed {
			last := m.Degrades[len(m.Degrades)-1]
			payload := basePayload(m)
			payload["from_mode"] = string(last.FromMode)
			payload["to_mode"] = string(last.ToMode)
			s.rec.Record(SystemActor, eventlog.EventAutonomyDegraded, eventlog.EntityMandate, mandateID, payload)
		}
		out.Applied = changed
		out.Mandate = m

	case ActionFlagHumanReview:
		m, changed, err := s.mandates.RecordReviewFlag(ctx, mandateID, obs.ID, decision.Reason, now)
		if err != nil {
			return nil, err
		}
		if changed {
			s.rec.Record(SystemActor, eventlog.EventAutonomyHumanReviewFlagged, eventlog.EntityMandate, mandateID, basePayload(m))
		}
		out.Applied = changed
		out.Mandate = m
	}

	return out, nil
}
