package entities

import (
	"encoding/json"
	"time"
)

// Alternative is one candidate course of action inside a Situation.
type Alternative struct {
	Description     string   `json:"description"`
	AssociatedRisks []string `json:"associated_risks,omitempty"`
}

// Risk is a declared hazard of a Situation.
type Risk struct {
	Description   string `json:"description"`
	Kind          string `json:"kind"`
	Reversibility string `json:"reversibility"`
}

// AnalysisAttachment is an append-only record attached to a Situation during
// analysis. Memory consultations are recorded here with kind MemoryQuery.
type AnalysisAttachment struct {
	ID   string          `json:"id"`
	Kind AttachmentKind  `json:"kind"`
	Body json.RawMessage `json:"body"`
	Time time.Time       `json:"time"`
}

// Situation is an externally submitted decision request. Its status only
// moves forward through the lifecycle and its attachments are append-only.
type Situation struct {
	ID                  string               `json:"id"`
	Domain              string               `json:"domain"`
	Context             string               `json:"context"`
	Objective           string               `json:"objective"`
	Uncertainties       []string             `json:"uncertainties,omitempty"`
	Alternatives        []Alternative        `json:"alternatives,omitempty"`
	Risks               []Risk               `json:"risks,omitempty"`
	Urgency             Urgency              `json:"urgency,omitempty"`
	AbsorptionCapacity  AbsorptionCapacity   `json:"absorption_capacity,omitempty"`
	RelevantConsequence string               `json:"relevant_consequence"`
	LearningPossibility bool                 `json:"learning_possibility"`
	DeclaredUseCase     int                  `json:"declared_use_case"`
	Status              SituationStatus      `json:"status"`
	CreationTime        time.Time            `json:"creation_time"`
	AnalysisAttachments []AnalysisAttachment `json:"analysis_attachments,omitempty"`
}

// SituationInput is the caller-supplied input from which a Situation is
// registered. Identity, status and attachments are owned by the engine.
type SituationInput struct {
	Domain              string             `json:"domain"`
	Context             string             `json:"context"`
	Objective           string             `json:"objective"`
	Uncertainties       []string           `json:"uncertainties,omitempty"`
	Alternatives        []Alternative      `json:"alternatives,omitempty"`
	Risks               []Risk             `json:"risks,omitempty"`
	Urgency             Urgency            `json:"urgency,omitempty"`
	AbsorptionCapacity  AbsorptionCapacity `json:"absorption_capacity,omitempty"`
	RelevantConsequence string             `json:"relevant_consequence"`
	LearningPossibility bool               `json:"learning_possibility"`
	DeclaredUseCase     int                `json:"declared_use_case"`
}

// AttachmentByID returns the attachment with the given id, if recorded.
func (s *Situation) AttachmentByID(id string) (AnalysisAttachment, bool) {
	for _, a := range s.AnalysisAttachments {
		if a.ID == id {
			return a, true
		}
	}
	return AnalysisAttachment{}, false
}

// HasMemoryQuery reports whether an attachment with the given id exists and
// was recorded as a memory consultation.
func (s *Situation) HasMemoryQuery(id string) bool {
	a, ok := s.AttachmentByID(id)
	return ok && a.Kind == AttachmentMemoryQuery
}
