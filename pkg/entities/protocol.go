package entities

import "time"

// DecisionProtocol is the formal pre-commitment a Decision must respect:
// criteria, considered risks, limits, the evaluated alternatives and the
// chosen one. Exactly one Protocol exists per Episode and it is immutable
// after creation; a REJECTED protocol blocks its Episode permanently.
type DecisionProtocol struct {
	ID                    string        `json:"id"`
	EpisodeID             string        `json:"episode_id"`
	MinimumCriteria       []string      `json:"minimum_criteria,omitempty"`
	ConsideredRisks       []string      `json:"considered_risks,omitempty"`
	DefinedLimits         []Limit       `json:"defined_limits,omitempty"`
	RiskProfile           RiskProfile   `json:"risk_profile"`
	EvaluatedAlternatives []string      `json:"evaluated_alternatives"`
	ChosenAlternative     string        `json:"chosen_alternative"`
	ConsultedMemoryIDs    []string      `json:"consulted_memory_ids,omitempty"`
	UsedAttachmentIDs     []string      `json:"used_attachment_ids,omitempty"`
	State                 ProtocolState `json:"state"`
	ValidatedAt           time.Time     `json:"validated_at"`
	ValidatedBy           string        `json:"validated_by"`
	RejectionReason       string        `json:"rejection_reason,omitempty"`
}

// ChosenIsEvaluated reports whether the chosen alternative appears among the
// evaluated ones.
func (p *DecisionProtocol) ChosenIsEvaluated() bool {
	for _, alt := range p.EvaluatedAlternatives {
		if alt == p.ChosenAlternative {
			return true
		}
	}
	return false
}

// ProtocolDraft is the caller-supplied input from which a DecisionProtocol
// is built. Identity, episode binding and verdict are assigned by the engine.
type ProtocolDraft struct {
	MinimumCriteria       []string    `json:"minimum_criteria,omitempty"`
	ConsideredRisks       []string    `json:"considered_risks,omitempty"`
	DefinedLimits         []Limit     `json:"defined_limits,omitempty"`
	RiskProfile           RiskProfile `json:"risk_profile"`
	EvaluatedAlternatives []string    `json:"evaluated_alternatives"`
	ChosenAlternative     string      `json:"chosen_alternative"`
	ConsultedMemoryIDs    []string    `json:"consulted_memory_ids,omitempty"`
	UsedAttachmentIDs     []string    `json:"used_attachment_ids,omitempty"`
	ProposedBy            string      `json:"proposed_by,omitempty"`
}
