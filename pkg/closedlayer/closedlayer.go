// Package closedlayer implements the fixed validation layer every decision
// must clear. Five rules run in a strict, stable order and the first
// failure wins. The rule set is closed: callers cannot add, remove or
// reorder rules, and the rule ids are stable strings because auditors
// index event payloads on them.
package closedlayer

import (
	"strings"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

// Rule ids, in evaluation order.
const (
	RuleRiskRequired              = "RISK_REQUIRED"
	RuleAlternativesRequired      = "ALTERNATIVES_REQUIRED"
	RuleLimitsRequired            = "LIMITS_REQUIRED"
	RuleConservativeNeedsCriteria = "CONSERVATIVE_NEEDS_CRITERIA"
	RuleConsequenceRequired       = "CONSEQUENCE_REQUIRED"
)

// Result is the outcome of a validation pass. A zero Result means allowed.
type Result struct {
	Blocked bool   `json:"blocked"`
	RuleID  string `json:"rule_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type rule struct {
	id    string
	check func(s *entities.Situation, p *entities.DecisionProtocol) (bool, string)
}

// rules is the closed, ordered rule set.
var rules = []rule{
	{RuleRiskRequired, riskRequired},
	{RuleAlternativesRequired, alternativesRequired},
	{RuleLimitsRequired, limitsRequired},
	{RuleConservativeNeedsCriteria, conservativeNeedsCriteria},
	{RuleConsequenceRequired, consequenceRequired},
}

// Validate runs the rules against the situation and protocol. It is pure:
// nil or partially filled inputs take defensive defaults, and nothing is
// mutated. The first failing rule determines the result.
func Validate(s *entities.Situation, p *entities.DecisionProtocol) Result {
	if s == nil {
		s = &entities.Situation{}
	}
	if p == nil {
		p = &entities.DecisionProtocol{}
	}
	for _, r := range rules {
		if blocked, reason := r.check(s, p); blocked {
			return Result{Blocked: true, RuleID: r.id, Reason: reason}
		}
	}
	return Result{}
}

func riskRequired(s *entities.Situation, _ *entities.DecisionProtocol) (bool, string) {
	for _, r := range s.Risks {
		if strings.TrimSpace(r.Description) != "" {
			return false, ""
		}
	}
	if countNonBlank(s.Uncertainties) > 0 {
		return false, ""
	}
	return true, "situation declares no risks and no uncertainties"
}

func alternativesRequired(s *entities.Situation, _ *entities.DecisionProtocol) (bool, string) {
	count := 0
	for _, alt := range s.Alternatives {
		if strings.TrimSpace(alt.Description) != "" {
			count++
		}
	}
	if count < 2 {
		return true, "a decision needs at least two alternatives to choose between"
	}
	return false, ""
}

func limitsRequired(_ *entities.Situation, p *entities.DecisionProtocol) (bool, string) {
	if len(p.DefinedLimits) == 0 {
		return true, "protocol defines no limits"
	}
	return false, ""
}

func conservativeNeedsCriteria(_ *entities.Situation, p *entities.DecisionProtocol) (bool, string) {
	if p.RiskProfile == entities.RiskConservative && countNonBlank(p.MinimumCriteria) == 0 {
		return true, "a conservative protocol must state its minimum criteria"
	}
	return false, ""
}

func consequenceRequired(s *entities.Situation, _ *entities.DecisionProtocol) (bool, string) {
	if strings.TrimSpace(s.RelevantConsequence) == "" {
		return true, "situation names no relevant consequence"
	}
	return false, ""
}

func countNonBlank(items []string) int {
	count := 0
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			count++
		}
	}
	return count
}
