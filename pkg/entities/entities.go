// Package entities defines the domain records of the decision engine:
// Situation, Episode, DecisionProtocol, Decision, Contract,
// ConsequenceObservation and AutonomyMandate, together with their status
// enums and transition tables. Records are immutable after creation; the
// only legal mutations are the explicit status advances and the narrow
// mandate mutators exposed by the repositories.
package entities

// Limit is a declared constraint on a decision: a kind (time, budget,
// exposure, ...), a human-readable description and the bound itself.
type Limit struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Value       string `json:"value"`
}

// DefaultMinimumObservations is the fixed list of evidence keys every
// Contract demands from later consequence observations.
var DefaultMinimumObservations = []string{
	"outcome_description",
	"limits_respected",
	"conditions_met",
}
