package autonomy

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

// triggerEnv builds the CEL environment escalation conditions compile
// against. The variable set is fixed; conditions referencing anything else
// fail at grant time.
func triggerEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("severity", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("violated_limits", cel.BoolType),
		cel.Variable("relevant_loss", cel.BoolType),
		cel.Variable("reversible", cel.BoolType),
		cel.Variable("uses", cel.IntType),
		cel.Variable("max_uses", cel.IntType),
	)
}

// TriggerSet is a mandate's escalation triggers compiled and ready to
// evaluate. Conditions are compiled once, at grant time, so a malformed
// trigger rejects the grant instead of surfacing mid-consequence.
type TriggerSet struct {
	triggers []entities.EscalationTrigger
	programs []cel.Program
}

// CompileTriggers validates and compiles a grant's escalation triggers.
// Every condition must be a CEL expression over the fixed fact variables,
// and every action must name a consequence action stricter than NO_ACTION.
func CompileTriggers(triggers []entities.EscalationTrigger) (*TriggerSet, error) {
	ts := &TriggerSet{}
	if len(triggers) == 0 {
		return ts, nil
	}

	env, err := triggerEnv()
	if err != nil {
		return nil, fmt.Errorf("escalation environment: %w", err)
	}
	for i, t := range triggers {
		if !KnownAction(t.Action) || t.Action == ActionNone {
			return nil, entities.NewValidationError("ESCALATION_ACTION_UNKNOWN",
				fmt.Sprintf("trigger %d: action %q is not an escalation action", i, t.Action))
		}
		ast, issues := env.Compile(t.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, entities.NewValidationError("ESCALATION_CONDITION_INVALID",
				fmt.Sprintf("trigger %d: %v", i, issues.Err()))
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, entities.NewValidationError("ESCALATION_CONDITION_INVALID",
				fmt.Sprintf("trigger %d: %v", i, err))
		}
		ts.triggers = append(ts.triggers, t)
		ts.programs = append(ts.programs, prg)
	}
	return ts, nil
}

// Len reports the number of compiled triggers.
func (ts *TriggerSet) Len() int {
	return len(ts.triggers)
}

// Apply evaluates the triggers over the observation facts and tightens the
// decision for every matching one. A trigger can only escalate, never
// relax. Evaluation errors skip the trigger and are joined into the
// returned error; the tightened-so-far decision still stands. The max_uses
// variable is 0 when the mandate carries no use cap.
func (ts *TriggerSet) Apply(d PolicyDecision, facts entities.NormalizedTriggers, uses int, maxUses *int) (PolicyDecision, []entities.EscalationTrigger, error) {
	if len(ts.programs) == 0 {
		return d, nil, nil
	}

	useCap := 0
	if maxUses != nil {
		useCap = *maxUses
	}
	input := map[string]any{
		"severity":        string(facts.Severity),
		"category":        string(facts.Category),
		"violated_limits": facts.ViolatedLimits,
		"relevant_loss":   facts.RelevantLoss,
		"reversible":      facts.Reversible,
		"uses":            uses,
		"max_uses":        useCap,
	}

	var matched []entities.EscalationTrigger
	var errs []error
	for i, prg := range ts.programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %d: %w", i, err))
			continue
		}
		hit, ok := out.Value().(bool)
		if !ok {
			errs = append(errs, fmt.Errorf("trigger %d: condition result is not a boolean", i))
			continue
		}
		if !hit {
			continue
		}
		t := ts.triggers[i]
		matched = append(matched, t)
		reason := t.Note
		if reason == "" {
			reason = fmt.Sprintf("escalation trigger matched: %s", t.Condition)
		}
		d = d.Tighten(t.Action, reason)
	}
	return d, matched, errors.Join(errs...)
}
