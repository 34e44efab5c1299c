package entities

import "time"

// Contract is the sole artifact that crosses the system boundary. It
// enumerates the authorized alternative and the constraints under which it
// may be executed. One Contract exists per Decision; immutable.
type Contract struct {
	ID                          string    `json:"id"`
	EpisodeID                   string    `json:"episode_id"`
	DecisionID                  string    `json:"decision_id"`
	AuthorizedAlternative       string    `json:"authorized_alternative"`
	ExecutionLimits             []Limit   `json:"execution_limits,omitempty"`
	MandatoryConditions         []string  `json:"mandatory_conditions,omitempty"`
	MinimumRequiredObservations []string  `json:"minimum_required_observations"`
	IssuedAt                    time.Time `json:"issued_at"`
	IssuedTo                    string    `json:"issued_to"`
}

// RequiredEvidenceCovered reports whether every required observation key
// appears in the supplied evidence list.
func (c *Contract) RequiredEvidenceCovered(evidences []string) bool {
	have := make(map[string]bool, len(evidences))
	for _, e := range evidences {
		have[e] = true
	}
	for _, req := range c.MinimumRequiredObservations {
		if !have[req] {
			return false
		}
	}
	return true
}
