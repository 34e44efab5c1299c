package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

func boolPtr(b bool) *bool { return &b }

func TestDecidePolicyPriorityOrder(t *testing.T) {
	cases := []struct {
		name       string
		triggers   entities.ConsequenceTriggers
		wantAction string
		wantReview bool
	}{
		{
			name:       "critical severity revokes",
			triggers:   entities.ConsequenceTriggers{Severity: entities.SeverityCritical},
			wantAction: ActionRevoke,
			wantReview: true,
		},
		{
			name: "critical wins over violated limits",
			triggers: entities.ConsequenceTriggers{
				Severity:       entities.SeverityCritical,
				ViolatedLimits: boolPtr(true),
			},
			wantAction: ActionRevoke,
			wantReview: true,
		},
		{
			name:       "violated limits suspend",
			triggers:   entities.ConsequenceTriggers{ViolatedLimits: boolPtr(true)},
			wantAction: ActionSuspend,
			wantReview: true,
		},
		{
			name: "relevant loss at high severity degrades",
			triggers: entities.ConsequenceTriggers{
				Severity:     entities.SeverityHigh,
				RelevantLoss: boolPtr(true),
			},
			wantAction: ActionDegrade,
			wantReview: false,
		},
		{
			name: "relevant loss at medium severity does nothing",
			triggers: entities.ConsequenceTriggers{
				Severity:     entities.SeverityMedium,
				RelevantLoss: boolPtr(true),
			},
			wantAction: ActionNone,
		},
		{
			name: "legal high severity flags",
			triggers: entities.ConsequenceTriggers{
				Severity: entities.SeverityHigh,
				Category: entities.CategoryLegal,
			},
			wantAction: ActionFlagHumanReview,
			wantReview: true,
		},
		{
			name: "ethical high severity flags",
			triggers: entities.ConsequenceTriggers{
				Severity: entities.SeverityHigh,
				Category: entities.CategoryEthical,
			},
			wantAction: ActionFlagHumanReview,
			wantReview: true,
		},
		{
			name: "legal low severity does nothing",
			triggers: entities.ConsequenceTriggers{
				Severity: entities.SeverityLow,
				Category: entities.CategoryLegal,
			},
			wantAction: ActionNone,
		},
		{
			name:       "empty triggers default to no action",
			triggers:   entities.ConsequenceTriggers{},
			wantAction: ActionNone,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := DecidePolicy(tc.triggers.Normalized())

			assert.Equal(t, tc.wantAction, d.Action)
			assert.Equal(t, tc.wantReview, d.RequiresHumanReview)
		})
	}
}

func TestNormalizedDefaults(t *testing.T) {
	n := entities.ConsequenceTriggers{}.Normalized()

	assert.Equal(t, entities.SeverityLow, n.Severity)
	assert.Equal(t, entities.CategoryOther, n.Category)
	assert.False(t, n.ViolatedLimits)
	assert.True(t, n.Reversible)
	assert.False(t, n.RelevantLoss)
}

func TestTightenOnlyEscalates(t *testing.T) {
	base := PolicyDecision{Action: ActionDegrade, Reason: "loss"}

	// 1. A stricter action replaces the decision.
	up := base.Tighten(ActionSuspend, "trigger matched")
	assert.Equal(t, ActionSuspend, up.Action)
	assert.True(t, up.RequiresHumanReview)
	assert.Equal(t, "trigger matched", up.Reason)

	// 2. A weaker or equal action leaves it alone.
	assert.Equal(t, base, base.Tighten(ActionFlagHumanReview, "weaker"))
	assert.Equal(t, base, base.Tighten(ActionDegrade, "equal"))
	assert.Equal(t, base, base.Tighten("NOT_AN_ACTION", "unknown"))

	// 3. Review routing never unsets once required.
	flagged := PolicyDecision{Action: ActionFlagHumanReview, RequiresHumanReview: true}
	degradedAfter := flagged.Tighten(ActionDegrade, "")
	assert.Equal(t, flagged, degradedAfter)
}
