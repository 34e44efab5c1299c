package entities

import "time"

// Decision is the institutional record of which alternative was chosen.
// It requires a VALIDATED protocol for the same episode; its alternative
// and risk profile must equal the protocol's. Immutable.
type Decision struct {
	ID                string      `json:"id"`
	EpisodeID         string      `json:"episode_id"`
	ChosenAlternative string      `json:"chosen_alternative"`
	Criteria          []string    `json:"criteria,omitempty"`
	Limits            []Limit     `json:"limits,omitempty"`
	Conditions        []string    `json:"conditions,omitempty"`
	RiskProfile       RiskProfile `json:"risk_profile"`
	DecidedAt         time.Time   `json:"decided_at"`
}

// DecisionInput is the caller-supplied input to decision registration.
type DecisionInput struct {
	ChosenAlternative string      `json:"chosen_alternative"`
	Criteria          []string    `json:"criteria,omitempty"`
	Limits            []Limit     `json:"limits,omitempty"`
	Conditions        []string    `json:"conditions,omitempty"`
	RiskProfile       RiskProfile `json:"risk_profile"`
	IssuedTo          string      `json:"issued_to,omitempty"`
}

// MatchesProtocol reports whether the input is consistent with the protocol
// it claims to execute.
func (in DecisionInput) MatchesProtocol(p *DecisionProtocol) bool {
	return in.ChosenAlternative == p.ChosenAlternative && in.RiskProfile == p.RiskProfile
}
