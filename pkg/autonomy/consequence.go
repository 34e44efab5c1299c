package autonomy

import (
	"fmt"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

// Consequence actions, ordered by strictness. Escalation triggers may move
// a decision up this order, never down.
const (
	ActionNone            = "NO_ACTION"
	ActionFlagHumanReview = "FLAG_HUMAN_REVIEW"
	ActionDegrade         = "DEGRADE"
	ActionSuspend         = "SUSPEND"
	ActionRevoke          = "REVOKE"
)

var actionRank = map[string]int{
	ActionNone:            0,
	ActionFlagHumanReview: 1,
	ActionDegrade:         2,
	ActionSuspend:         3,
	ActionRevoke:          4,
}

// KnownAction reports whether the string names a consequence action.
func KnownAction(action string) bool {
	_, ok := actionRank[action]
	return ok
}

// PolicyDecision is the outcome of the consequence policy for one
// observation.
type PolicyDecision struct {
	Action              string `json:"action"`
	RequiresHumanReview bool   `json:"requires_human_review"`
	Reason              string `json:"reason,omitempty"`
}

// Tighten raises the decision to the stricter of itself and action. An
// unknown or weaker action leaves the decision untouched; a human-review
// requirement, once set, stays set.
func (d PolicyDecision) Tighten(action, reason string) PolicyDecision {
	rank, ok := actionRank[action]
	if !ok || rank <= actionRank[d.Action] {
		return d
	}
	return PolicyDecision{
		Action:              action,
		RequiresHumanReview: d.RequiresHumanReview || action != ActionDegrade,
		Reason:              reason,
	}
}

// DecidePolicy runs the fixed consequence rules in priority order over
// normalized observation facts. The first matching rule wins.
func DecidePolicy(t entities.NormalizedTriggers) PolicyDecision {
	switch {
	case t.Severity == entities.SeverityCritical:
		return PolicyDecision{
			Action:              ActionRevoke,
			RequiresHumanReview: true,
			Reason:              "critical consequence revokes the mandate",
		}
	case t.ViolatedLimits:
		return PolicyDecision{
			Action:              ActionSuspend,
			RequiresHumanReview: true,
			Reason:              "contract limits were violated",
		}
	case t.RelevantLoss && t.Severity.AtLeast(entities.SeverityHigh):
		return PolicyDecision{
			Action: ActionDegrade,
			Reason: fmt.Sprintf("relevant loss at %s severity degrades the mode", t.Severity),
		}
	case (t.Category == entities.CategoryLegal || t.Category == entities.CategoryEthical) && t.Severity.AtLeast(entities.SeverityHigh):
		return PolicyDecision{
			Action:              ActionFlagHumanReview,
			RequiresHumanReview: true,
			Reason:              fmt.Sprintf("%s consequence at %s severity needs human review", t.Category, t.Severity),
		}
	default:
		return PolicyDecision{Action: ActionNone}
	}
}
