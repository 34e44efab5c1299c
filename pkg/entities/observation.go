package entities

import "time"

// ObservedOutcome is the factual half of a consequence observation.
type ObservedOutcome struct {
	Description     string   `json:"description"`
	Indicators      []string `json:"indicators,omitempty"`
	Attachments     []string `json:"attachments,omitempty"`
	LimitsRespected bool     `json:"limits_respected"`
	ConditionsMet   bool     `json:"conditions_met"`
}

// PerceivedOutcome is the interpretive half of a consequence observation.
type PerceivedOutcome struct {
	Description   string   `json:"description"`
	Signal        string   `json:"signal,omitempty"`
	PerceivedRisk string   `json:"perceived_risk,omitempty"`
	Lessons       []string `json:"lessons,omitempty"`
	ExtraContext  string   `json:"extra_context,omitempty"`
}

// ConsequenceObservation is a post-hoc record bound to a Contract. It is
// append-only and must cover every evidence key the contract demands.
type ConsequenceObservation struct {
	ID                 string           `json:"id"`
	ContractID         string           `json:"contract_id"`
	EpisodeID          string           `json:"episode_id"`
	Observed           ObservedOutcome  `json:"observed"`
	Perceived          PerceivedOutcome `json:"perceived"`
	MinimumEvidences   []string         `json:"minimum_evidences"`
	RegisteredBy       string           `json:"registered_by"`
	RegisteredAt       time.Time        `json:"registered_at"`
	PriorObservationID string           `json:"prior_observation_id,omitempty"`
	Notes              string           `json:"notes,omitempty"`
}

// ConsequenceTriggers carries the optional autonomy-relevant facts of an
// observation. Absent fields take the documented defaults: severity LOW,
// category OTHER, violated_limits false, reversible true, relevant_loss
// false.
type ConsequenceTriggers struct {
	Severity       Severity `json:"severity,omitempty"`
	Category       Category `json:"category,omitempty"`
	ViolatedLimits *bool    `json:"violated_limits,omitempty"`
	Reversible     *bool    `json:"reversible,omitempty"`
	RelevantLoss   *bool    `json:"relevant_loss,omitempty"`
}

// Normalized returns a copy with every absent field replaced by its default.
func (t ConsequenceTriggers) Normalized() NormalizedTriggers {
	n := NormalizedTriggers{
		Severity:       SeverityLow,
		Category:       CategoryOther,
		ViolatedLimits: false,
		Reversible:     true,
		RelevantLoss:   false,
	}
	if t.Severity.IsValid() {
		n.Severity = t.Severity
	}
	if t.Category != "" {
		n.Category = t.Category
	}
	if t.ViolatedLimits != nil {
		n.ViolatedLimits = *t.ViolatedLimits
	}
	if t.Reversible != nil {
		n.Reversible = *t.Reversible
	}
	if t.RelevantLoss != nil {
		n.RelevantLoss = *t.RelevantLoss
	}
	return n
}

// NormalizedTriggers is ConsequenceTriggers with defaults applied; the
// consequence policy only ever sees this form.
type NormalizedTriggers struct {
	Severity       Severity `json:"severity"`
	Category       Category `json:"category"`
	ViolatedLimits bool     `json:"violated_limits"`
	Reversible     bool     `json:"reversible"`
	RelevantLoss   bool     `json:"relevant_loss"`
}

// ConsequenceInput is the caller-supplied input to consequence registration.
type ConsequenceInput struct {
	Observed           ObservedOutcome     `json:"observed"`
	Perceived          PerceivedOutcome    `json:"perceived"`
	MinimumEvidences   []string            `json:"minimum_evidences"`
	RegisteredBy       string              `json:"registered_by"`
	PriorObservationID string              `json:"prior_observation_id,omitempty"`
	Notes              string              `json:"notes,omitempty"`
	Triggers           *ConsequenceTriggers `json:"triggers,omitempty"`
	AgentID            string              `json:"agent_id,omitempty"`
}
