package entities

import "time"

// EscalationTrigger is an optional, grant-time-compiled condition attached
// to a mandate. The condition is a CEL expression over the normalized
// consequence facts; a matched trigger can only tighten the consequence
// outcome, never relax it.
type EscalationTrigger struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Note      string `json:"note,omitempty"`
}

// DegradeRecord marks one observation-driven mode degradation. The record
// is what makes re-applying the same observation a no-op.
type DegradeRecord struct {
	ObservationID string      `json:"observation_id"`
	FromMode      MandateMode `json:"from_mode"`
	ToMode        MandateMode `json:"to_mode"`
	DegradedAt    time.Time   `json:"degraded_at"`
}

// ReviewFlag marks one observation that was flagged for human review
// without otherwise touching the mandate.
type ReviewFlag struct {
	ObservationID string    `json:"observation_id"`
	Reason        string    `json:"reason,omitempty"`
	FlaggedAt     time.Time `json:"flagged_at"`
}

// AutonomyMandate is an explicit, revocable grant of autonomy to an agent,
// bounded in time, uses, risk, policies, domains and use cases. Status moves
// monotonically except suspended, which a non-system actor may resume.
type AutonomyMandate struct {
	ID                  string              `json:"id"`
	AgentID             string              `json:"agent_id"`
	Mode                MandateMode         `json:"mode"`
	AllowedPolicies     []string            `json:"allowed_policies,omitempty"`
	MaxRiskProfile      RiskProfile         `json:"max_risk_profile"`
	Limits              []Limit             `json:"limits,omitempty"`
	HumanTriggerPhrases []string            `json:"human_trigger_phrases,omitempty"`
	AllowedDomains      []string            `json:"allowed_domains,omitempty"`
	AllowedUseCases     []int               `json:"allowed_use_cases,omitempty"`
	EscalationTriggers  []EscalationTrigger `json:"escalation_triggers,omitempty"`
	GrantedBy           string              `json:"granted_by"`
	GrantedAt           time.Time           `json:"granted_at"`
	ValidFrom           *time.Time          `json:"valid_from,omitempty"`
	ValidUntil          *time.Time          `json:"valid_until,omitempty"`
	LegacyValidUntil    *time.Time          `json:"legacy_valid_until,omitempty"`
	MaxUses             *int                `json:"max_uses,omitempty"`
	Uses                int                 `json:"uses"`
	LastUsedAt          *time.Time          `json:"last_used_at,omitempty"`
	Status              MandateStatus       `json:"status"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	ExpiredAt    *time.Time   `json:"expired_at,omitempty"`
	ExpireReason ExpireReason `json:"expire_reason,omitempty"`

	SuspendedAt              *time.Time `json:"suspended_at,omitempty"`
	SuspendReason            string     `json:"suspend_reason,omitempty"`
	TriggeredByObservationID string     `json:"triggered_by_observation_id,omitempty"`

	ResumedAt    *time.Time `json:"resumed_at,omitempty"`
	ResumedBy    string     `json:"resumed_by,omitempty"`
	ResumeReason string     `json:"resume_reason,omitempty"`

	Degrades    []DegradeRecord `json:"degrades,omitempty"`
	ReviewFlags []ReviewFlag    `json:"review_flags,omitempty"`
}

// DegradedBy reports whether the observation already triggered a degrade.
func (m *AutonomyMandate) DegradedBy(observationID string) bool {
	for _, d := range m.Degrades {
		if d.ObservationID == observationID {
			return true
		}
	}
	return false
}

// FlaggedBy reports whether the observation was already flagged for review.
func (m *AutonomyMandate) FlaggedBy(observationID string) bool {
	for _, f := range m.ReviewFlags {
		if f.ObservationID == observationID {
			return true
		}
	}
	return false
}

// EffectiveValidUntil resolves the authoritative expiry instant. When both
// the current and the legacy field are present the earlier one wins.
func (m *AutonomyMandate) EffectiveValidUntil() *time.Time {
	switch {
	case m.ValidUntil == nil:
		return m.LegacyValidUntil
	case m.LegacyValidUntil == nil:
		return m.ValidUntil
	case m.LegacyValidUntil.Before(*m.ValidUntil):
		return m.LegacyValidUntil
	default:
		return m.ValidUntil
	}
}

// UsesExhausted reports whether the mandate has a use cap and has reached it.
func (m *AutonomyMandate) UsesExhausted() bool {
	return m.MaxUses != nil && m.Uses >= *m.MaxUses
}

// MandateActivity classifies why a mandate is or is not usable at an
// instant. ActivityAt is the only place this is computed.
type MandateActivity string

const (
	ActivityActive        MandateActivity = "ACTIVE"
	ActivityNotYetActive  MandateActivity = "NOT_YET_ACTIVE"
	ActivityExpiredTime   MandateActivity = "EXPIRED_TIME"
	ActivityExhaustedUses MandateActivity = "EXHAUSTED_USES"
	ActivityRevoked       MandateActivity = "REVOKED"
	ActivityExpired       MandateActivity = "EXPIRED"
	ActivitySuspended     MandateActivity = "SUSPENDED"
)

// ActivityAt resolves the mandate's usability at now. Recorded status wins
// over recomputation; an active-status mandate is then checked against its
// window and use cap, so expiry takes effect even before it is recorded.
func (m *AutonomyMandate) ActivityAt(now time.Time) MandateActivity {
	switch m.Status {
	case MandateRevoked:
		return ActivityRevoked
	case MandateExpired:
		return ActivityExpired
	case MandateSuspended:
		return ActivitySuspended
	}
	if m.ValidFrom != nil && now.Before(*m.ValidFrom) {
		return ActivityNotYetActive
	}
	if vu := m.EffectiveValidUntil(); vu != nil && now.After(*vu) {
		return ActivityExpiredTime
	}
	if m.UsesExhausted() {
		return ActivityExhaustedUses
	}
	return ActivityActive
}

// ActiveAt reports whether the mandate is usable at now.
func (m *AutonomyMandate) ActiveAt(now time.Time) bool {
	return m.ActivityAt(now) == ActivityActive
}

// AllowsPolicy reports whether the requested policy is granted. An empty
// allowlist grants nothing.
func (m *AutonomyMandate) AllowsPolicy(policy string) bool {
	for _, p := range m.AllowedPolicies {
		if p == policy {
			return true
		}
	}
	return false
}

// AllowsDomain reports whether the domain is granted. An empty list means
// the mandate carries no domain restriction.
func (m *AutonomyMandate) AllowsDomain(domain string) bool {
	if len(m.AllowedDomains) == 0 {
		return true
	}
	for _, d := range m.AllowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// AllowsUseCase reports whether the use case is granted. An empty list means
// the mandate carries no use-case restriction.
func (m *AutonomyMandate) AllowsUseCase(useCase int) bool {
	if len(m.AllowedUseCases) == 0 {
		return true
	}
	for _, u := range m.AllowedUseCases {
		if u == useCase {
			return true
		}
	}
	return false
}

// MandateGrant is the caller-supplied input to mandate issuance.
type MandateGrant struct {
	AgentID             string              `json:"agent_id"`
	Mode                MandateMode         `json:"mode"`
	AllowedPolicies     []string            `json:"allowed_policies,omitempty"`
	MaxRiskProfile      RiskProfile         `json:"max_risk_profile"`
	Limits              []Limit             `json:"limits,omitempty"`
	HumanTriggerPhrases []string            `json:"human_trigger_phrases,omitempty"`
	AllowedDomains      []string            `json:"allowed_domains,omitempty"`
	AllowedUseCases     []int               `json:"allowed_use_cases,omitempty"`
	EscalationTriggers  []EscalationTrigger `json:"escalation_triggers,omitempty"`
	GrantedBy           string              `json:"granted_by"`
	ValidFrom           *time.Time          `json:"valid_from,omitempty"`
	ValidUntil          *time.Time          `json:"valid_until,omitempty"`
	MaxUses             *int                `json:"max_uses,omitempty"`
}
