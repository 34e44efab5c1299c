package entities

// RiskProfile orders a protocol's appetite: CONSERVATIVE < MODERATE < AGGRESSIVE.
type RiskProfile string

const (
	RiskConservative RiskProfile = "CONSERVATIVE"
	RiskModerate     RiskProfile = "MODERATE"
	RiskAggressive   RiskProfile = "AGGRESSIVE"
)

var riskProfileRank = map[RiskProfile]int{
	RiskConservative: 0,
	RiskModerate:     1,
	RiskAggressive:   2,
}

// IsValid reports whether r is a known profile.
func (r RiskProfile) IsValid() bool {
	_, ok := riskProfileRank[r]
	return ok
}

// Exceeds reports whether r demands more autonomy than max allows.
// Unknown profiles are treated as exceeding everything.
func (r RiskProfile) Exceeds(max RiskProfile) bool {
	rr, ok := riskProfileRank[r]
	if !ok {
		return true
	}
	mr, ok := riskProfileRank[max]
	if !ok {
		return true
	}
	return rr > mr
}

// SituationStatus is the forward-only lifecycle of a Situation.
type SituationStatus string

const (
	SituationDraft            SituationStatus = "DRAFT"
	SituationOpen             SituationStatus = "OPEN"
	SituationAccepted         SituationStatus = "ACCEPTED"
	SituationUnderAnalysis    SituationStatus = "UNDER_ANALYSIS"
	SituationDecided          SituationStatus = "DECIDED"
	SituationUnderObservation SituationStatus = "UNDER_OBSERVATION"
	SituationClosed           SituationStatus = "CLOSED"
)

var situationStatusOrder = map[SituationStatus]int{
	SituationDraft:            0,
	SituationOpen:             1,
	SituationAccepted:         2,
	SituationUnderAnalysis:    3,
	SituationDecided:          4,
	SituationUnderObservation: 5,
	SituationClosed:           6,
}

// IsValid reports whether s is a known status.
func (s SituationStatus) IsValid() bool {
	_, ok := situationStatusOrder[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next is a forward move.
func (s SituationStatus) CanAdvanceTo(next SituationStatus) bool {
	cur, ok := situationStatusOrder[s]
	if !ok {
		return false
	}
	n, ok := situationStatusOrder[next]
	if !ok {
		return false
	}
	return n > cur
}

// Next returns the immediate successor in the lifecycle, or false at CLOSED.
func (s SituationStatus) Next() (SituationStatus, bool) {
	cur, ok := situationStatusOrder[s]
	if !ok {
		return "", false
	}
	for status, idx := range situationStatusOrder {
		if idx == cur+1 {
			return status, true
		}
	}
	return "", false
}

// EpisodeState is the monotonic lifecycle of an Episode.
type EpisodeState string

const (
	EpisodeCreated          EpisodeState = "CREATED"
	EpisodeDecided          EpisodeState = "DECIDED"
	EpisodeUnderObservation EpisodeState = "UNDER_OBSERVATION"
	EpisodeClosed           EpisodeState = "CLOSED"
)

var episodeStateOrder = map[EpisodeState]int{
	EpisodeCreated:          0,
	EpisodeDecided:          1,
	EpisodeUnderObservation: 2,
	EpisodeClosed:           3,
}

// IsValid reports whether s is a known state.
func (s EpisodeState) IsValid() bool {
	_, ok := episodeStateOrder[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next is a forward move.
func (s EpisodeState) CanAdvanceTo(next EpisodeState) bool {
	cur, ok := episodeStateOrder[s]
	if !ok {
		return false
	}
	n, ok := episodeStateOrder[next]
	if !ok {
		return false
	}
	return n > cur
}

// ProtocolState is the terminal verdict on a DecisionProtocol.
type ProtocolState string

const (
	ProtocolValidated ProtocolState = "VALIDATED"
	ProtocolRejected  ProtocolState = "REJECTED"
)

// MandateMode is the autonomy tier granted to an agent.
type MandateMode string

const (
	ModeTeaching   MandateMode = "TEACHING"
	ModeAssisted   MandateMode = "ASSISTED"
	ModeAutonomous MandateMode = "AUTONOMOUS"
)

var mandateModeRank = map[MandateMode]int{
	ModeTeaching:   0,
	ModeAssisted:   1,
	ModeAutonomous: 2,
}

// IsValid reports whether m is a known mode.
func (m MandateMode) IsValid() bool {
	_, ok := mandateModeRank[m]
	return ok
}

// Covers reports whether a grant of mode m authorizes a request for other.
// Grants are ordered: a mandate for AUTONOMOUS covers an ASSISTED request.
func (m MandateMode) Covers(other MandateMode) bool {
	mr, ok := mandateModeRank[m]
	if !ok {
		return false
	}
	or, ok := mandateModeRank[other]
	if !ok {
		return false
	}
	return mr >= or
}

// Degraded returns the mode one level down. TEACHING stays fixed.
func (m MandateMode) Degraded() MandateMode {
	switch m {
	case ModeAutonomous:
		return ModeAssisted
	case ModeAssisted:
		return ModeTeaching
	default:
		return ModeTeaching
	}
}

// MandateStatus is the lifecycle status of an AutonomyMandate.
// Transitions are monotonic except suspended, which may resume to active.
type MandateStatus string

const (
	MandateActive    MandateStatus = "active"
	MandateExpired   MandateStatus = "expired"
	MandateRevoked   MandateStatus = "revoked"
	MandateSuspended MandateStatus = "suspended"
)

// IsTerminal reports whether the status admits no further transitions.
func (s MandateStatus) IsTerminal() bool {
	return s == MandateExpired || s == MandateRevoked
}

// ExpireReason records why a mandate expired.
type ExpireReason string

const (
	ExpireTime ExpireReason = "TIME"
	ExpireUses ExpireReason = "USES"
)

// Severity grades an observed consequence.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	sr, ok := severityRank[s]
	if !ok {
		return false
	}
	mr, ok := severityRank[min]
	if !ok {
		return false
	}
	return sr >= mr
}

// Category classifies an observed consequence.
type Category string

const (
	CategoryOperational Category = "OPERATIONAL"
	CategoryFinancial   Category = "FINANCIAL"
	CategoryLegal       Category = "LEGAL"
	CategoryEthical     Category = "ETHICAL"
	CategoryOther       Category = "OTHER"
)

// Urgency grades how pressing a Situation is.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// IsValid reports whether u is a known grade.
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// AbsorptionCapacity grades how much adverse outcome the caller can absorb.
type AbsorptionCapacity string

const (
	AbsorptionLow    AbsorptionCapacity = "LOW"
	AbsorptionMedium AbsorptionCapacity = "MEDIUM"
	AbsorptionHigh   AbsorptionCapacity = "HIGH"
)

// IsValid reports whether a is a known grade.
func (a AbsorptionCapacity) IsValid() bool {
	switch a {
	case AbsorptionLow, AbsorptionMedium, AbsorptionHigh:
		return true
	}
	return false
}

// AttachmentKind classifies an analysis attachment on a Situation.
type AttachmentKind string

const (
	AttachmentMemoryQuery AttachmentKind = "MemoryQuery"
	AttachmentAnalysis    AttachmentKind = "Analysis"
	AttachmentNote        AttachmentKind = "Note"
)
