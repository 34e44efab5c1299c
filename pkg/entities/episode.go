package entities

import "time"

// Episode is the lifecycle instance of a single Situation's handling.
// Exactly one Episode exists per Situation that reaches analysis.
type Episode struct {
	ID                    string       `json:"id"`
	UseCase               int          `json:"use_case"`
	Domain                string       `json:"domain"`
	State                 EpisodeState `json:"state"`
	ReferencedSituationID string       `json:"referenced_situation_id"`
	CreatedAt             time.Time    `json:"created_at"`
	DecidedAt             *time.Time   `json:"decided_at,omitempty"`
	ObservationStartedAt  *time.Time   `json:"observation_started_at,omitempty"`
	ClosedAt              *time.Time   `json:"closed_at,omitempty"`
}

// AcceptsObservations reports whether consequence observations may be
// registered against contracts of this episode.
func (e *Episode) AcceptsObservations() bool {
	switch e.State {
	case EpisodeDecided, EpisodeUnderObservation, EpisodeClosed:
		return true
	default:
		return false
	}
}
