// Package autonomy decides whether an agent may act on its own. The
// evaluator and the consequence policy are pure functions over mandates and
// observation facts; the Service applies their outcomes through the mandate
// repository and writes the matching audit events.
package autonomy

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/arbiter-labs/arbiter/pkg/closedlayer"
	"github.com/arbiter-labs/arbiter/pkg/entities"
)

// Rule codes carried by evaluation results. These strings are stable:
// auditors index event payloads on them.
const (
	CodeAllowed              = "ALLOWED"
	CodeClosedLayerBlocked   = "CLOSED_LAYER_BLOCKED"
	CodeRequiresHumanReview  = "REQUIRES_HUMAN_REVIEW"
	CodeMandateNotActive     = "MANDATE_NOT_ACTIVE"
	CodeNotYetActive         = "NOT_YET_ACTIVE"
	CodeMandateExpiredTime   = "MANDATE_EXPIRED_TIME"
	CodeMandateExpiredUses   = "MANDATE_EXPIRED_USES"
	CodeTeachingAlwaysBlocks = "TEACHING_ALWAYS_BLOCKS"
	CodeMandateRequired      = "MANDATE_REQUIRED"
	CodePolicyNotAllowed     = "POLICY_NOT_ALLOWED"
	CodeRiskAboveMandate     = "RISK_ABOVE_MANDATE"
	CodeDomainNotAllowed     = "DOMAIN_NOT_ALLOWED"
	CodeUseCaseNotAllowed    = "USE_CASE_NOT_ALLOWED"
	CodeHumanTriggerMatched  = "HUMAN_TRIGGER_MATCHED"
	CodeModeNotAuthorized    = "MODE_NOT_AUTHORIZED"
)

// Input carries everything one evaluation judges. Mandate, domain, use
// case, context and requested mode are optional. Now anchors every time
// comparison so the evaluator stays pure.
type Input struct {
	AgentID       string
	Policy        string
	RiskProfile   entities.RiskProfile
	ClosedLayer   closedlayer.Result
	Mandate       *entities.AutonomyMandate
	Domain        string
	UseCase       *int
	Context       string
	RequestedMode entities.MandateMode
	Now           time.Time
}

// Result is the evaluator's verdict. ShouldExpire tells the caller the
// mandate lapsed but the expiry is not recorded yet; the caller records it.
type Result struct {
	Allowed       bool                  `json:"allowed"`
	Code          string                `json:"code"`
	Reason        string                `json:"reason,omitempty"`
	EffectiveMode entities.MandateMode  `json:"effective_mode,omitempty"`
	MandateID     string                `json:"mandate_id,omitempty"`
	ShouldExpire  bool                  `json:"should_expire,omitempty"`
	ExpireReason  entities.ExpireReason `json:"expire_reason,omitempty"`
}

// Evaluate runs the ordered autonomy rules. The first failing rule decides;
// rule order is part of the contract because callers act on the codes.
func Evaluate(in Input) Result {
	m := in.Mandate
	mandateID := ""
	if m != nil {
		mandateID = m.ID
	}
	deny := func(code, reason string) Result {
		return Result{Code: code, Reason: reason, MandateID: mandateID}
	}

	// 1. A closed-layer block is final.
	if in.ClosedLayer.Blocked {
		return deny(CodeClosedLayerBlocked,
			fmt.Sprintf("closed layer blocked by %s: %s", in.ClosedLayer.RuleID, in.ClosedLayer.Reason))
	}

	// 2. An explicit non-teaching request demands a live mandate that
	// covers the requested mode.
	if in.RequestedMode != "" && in.RequestedMode != entities.ModeTeaching {
		if m == nil {
			return deny(CodeMandateRequired,
				fmt.Sprintf("%s mode requested without a mandate", in.RequestedMode))
		}
		if r, denied := denyInactive(m, in.Now, mandateID); denied {
			return r
		}
		if !m.Mode.Covers(in.RequestedMode) {
			return deny(CodeModeNotAuthorized,
				fmt.Sprintf("mandate grants %s, %s was requested", m.Mode, in.RequestedMode))
		}
	}

	// 3. Suspension always routes to a human.
	if m != nil && m.Status == entities.MandateSuspended {
		return deny(CodeRequiresHumanReview, "mandate is suspended pending human review")
	}

	// 4. Any other inactivity denies with its specific code.
	if m != nil {
		if r, denied := denyInactive(m, in.Now, mandateID); denied {
			return r
		}
	}

	// 5. Resolve the effective mode. Teaching always blocks.
	mode := entities.ModeTeaching
	if m != nil {
		mode = m.Mode
	}
	if mode == entities.ModeTeaching {
		r := deny(CodeTeachingAlwaysBlocks, "teaching mode never authorizes autonomous action")
		r.EffectiveMode = mode
		return r
	}

	// 6. Beyond teaching a mandate is required.
	if m == nil {
		return deny(CodeMandateRequired, "no mandate grants autonomy beyond teaching")
	}

	// 7. The requested policy must be granted.
	if !m.AllowsPolicy(in.Policy) {
		return deny(CodePolicyNotAllowed,
			fmt.Sprintf("policy %q is not among the mandate's allowed policies", in.Policy))
	}

	// 8. The requested risk may not exceed the granted ceiling.
	if in.RiskProfile.Exceeds(m.MaxRiskProfile) {
		return deny(CodeRiskAboveMandate,
			fmt.Sprintf("requested risk %s exceeds mandate ceiling %s", in.RiskProfile, m.MaxRiskProfile))
	}

	// 9. Domain and use-case restrictions, when the mandate carries them.
	if !m.AllowsDomain(in.Domain) {
		return deny(CodeDomainNotAllowed,
			fmt.Sprintf("domain %q is not among the mandate's allowed domains", in.Domain))
	}
	if len(m.AllowedUseCases) > 0 && (in.UseCase == nil || !m.AllowsUseCase(*in.UseCase)) {
		return deny(CodeUseCaseNotAllowed, "use case is not among the mandate's allowed use cases")
	}

	// 10. A human trigger phrase in the context hands control back.
	if phrase, matched := matchTriggerPhrase(m.HumanTriggerPhrases, in.Context); matched {
		return deny(CodeHumanTriggerMatched,
			fmt.Sprintf("context contains human trigger phrase %q", phrase))
	}

	// 11. Allowed.
	return Result{
		Allowed:       true,
		Code:          CodeAllowed,
		EffectiveMode: m.Mode,
		MandateID:     mandateID,
	}
}

// denyInactive maps the mandate's activity state to a denial. Computed
// expiry (time window passed, uses spent) sets ShouldExpire so the caller
// can record it; already-recorded terminal states do not.
func denyInactive(m *entities.AutonomyMandate, now time.Time, mandateID string) (Result, bool) {
	switch m.ActivityAt(now) {
	case entities.ActivityActive:
		return Result{}, false
	case entities.ActivityNotYetActive:
		return Result{
			Code:      CodeNotYetActive,
			Reason:    "mandate validity window has not opened",
			MandateID: mandateID,
		}, true
	case entities.ActivityExpiredTime:
		return Result{
			Code:         CodeMandateExpiredTime,
			Reason:       "mandate validity window has passed",
			MandateID:    mandateID,
			ShouldExpire: true,
			ExpireReason: entities.ExpireTime,
		}, true
	case entities.ActivityExhaustedUses:
		return Result{
			Code:         CodeMandateExpiredUses,
			Reason:       "mandate has spent all its uses",
			MandateID:    mandateID,
			ShouldExpire: true,
			ExpireReason: entities.ExpireUses,
		}, true
	case entities.ActivitySuspended:
		return Result{
			Code:      CodeRequiresHumanReview,
			Reason:    "mandate is suspended pending human review",
			MandateID: mandateID,
		}, true
	default:
		return Result{
			Code:      CodeMandateNotActive,
			Reason:    fmt.Sprintf("mandate status is %s", m.Status),
			MandateID: mandateID,
		}, true
	}
}

// matchTriggerPhrase reports the first trigger phrase occurring in the
// context. Matching is case-insensitive via Unicode case folding.
func matchTriggerPhrase(phrases []string, context string) (string, bool) {
	if len(phrases) == 0 || context == "" {
		return "", false
	}
	fold := cases.Fold()
	folded := fold.String(context)
	for _, phrase := range phrases {
		p := strings.TrimSpace(phrase)
		if p == "" {
			continue
		}
		if strings.Contains(folded, fold.String(p)) {
			return phrase, true
		}
	}
	return "", false
}
