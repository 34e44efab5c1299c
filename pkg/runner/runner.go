// Package runner fans one decision request out over several agent profiles
// and aggregates the candidate protocols into a single selection. Only the
// selected candidate is ever persisted; the rest exist as audit events.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/closedlayer"
	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// AggregationPolicy selects how candidate votes combine.
type AggregationPolicy string

const (
	FirstValid            AggregationPolicy = "FIRST_VALID"
	MajorityByAlternative AggregationPolicy = "MAJORITY_BY_ALTERNATIVE"
	WeightedMajority      AggregationPolicy = "WEIGHTED_MAJORITY"
	RequireConsensus      AggregationPolicy = "REQUIRE_CONSENSUS"
	HumanOverrideRequired AggregationPolicy = "HUMAN_OVERRIDE_REQUIRED"
)

// IsValid reports whether p is a known aggregation policy.
func (p AggregationPolicy) IsValid() bool {
	switch p {
	case FirstValid, MajorityByAlternative, WeightedMajority, RequireConsensus, HumanOverrideRequired:
		return true
	}
	return false
}

// Run outcomes.
const (
	OutcomeSelected         = "SELECTED"
	OutcomeNoValidCandidate = "NO_VALID_CANDIDATE"
	OutcomeNoConsensus      = "NO_CONSENSUS"
	OutcomeHumanOverride    = "HUMAN_OVERRIDE_REQUIRED"
)

// AgentProfile configures one agent lane. Weight only matters under
// WEIGHTED_MAJORITY and defaults to 1; a nil Enabled means enabled.
type AgentProfile struct {
	ID          string               `json:"id"`
	RiskProfile entities.RiskProfile `json:"risk_profile"`
	Weight      float64              `json:"weight,omitempty"`
	Enabled     *bool                `json:"enabled,omitempty"`
}

func (p AgentProfile) enabled() bool {
	return p.Enabled == nil || *p.Enabled
}

func (p AgentProfile) weight() float64 {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// Candidate is one agent's proposed protocol with its closed-layer verdict.
// Index is the agent's position in the input profile order; every
// tie-break ultimately grounds on it.
type Candidate struct {
	AgentID     string                 `json:"agent_id"`
	Index       int                    `json:"index"`
	Draft       entities.ProtocolDraft `json:"draft"`
	Alternative string                 `json:"alternative"`
	Weight      float64                `json:"weight"`
	Blocked     bool                   `json:"blocked"`
	BlockRule   string                 `json:"block_rule,omitempty"`
	BlockReason string                 `json:"block_reason,omitempty"`
}

// Result is the outcome of one multi-agent run.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Selected   *Candidate  `json:"selected,omitempty"`
	Outcome    string      `json:"outcome"`
	Reason     string      `json:"reason,omitempty"`
}

// Recorder appends audit events for agent proposals. Implementations
// absorb append failures.
type Recorder interface {
	Record(actor, eventType, entityType, entityID string, payload map[string]any)
}

// Config bounds the runner's candidate fan-out.
type Config struct {
	MaxParallelAgents int `json:"max_parallel_agents"`
}

// DefaultConfig returns the production fan-out bound.
func DefaultConfig() Config {
	return Config{MaxParallelAgents: 16}
}

// Runner evaluates agent candidates in parallel and aggregates them.
type Runner struct {
	cfg Config
	rec Recorder
}

// New builds a Runner. A zero MaxParallelAgents takes the default.
func New(cfg Config, rec Recorder) *Runner {
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = DefaultConfig().MaxParallelAgents
	}
	return &Runner{cfg: cfg, rec: rec}
}

// Run builds one candidate protocol per enabled agent, validates each
// against the closed layer, records every proposal as an audit event in
// input order, and aggregates the non-blocked candidates under the given
// policy. Candidates are evaluated concurrently but re-ordered by input
// position before anything observable happens, so the outcome is
// deterministic for a given input.
func (r *Runner) Run(ctx context.Context, episodeID string, situation *entities.Situation, base entities.ProtocolDraft, profiles []AgentProfile, policy AggregationPolicy) (*Result, error) {
	if !policy.IsValid() {
		return nil, entities.NewValidationError("AGGREGATION_POLICY_UNKNOWN",
			fmt.Sprintf("%q is not an aggregation policy", policy))
	}
	if len(base.EvaluatedAlternatives) == 0 {
		return nil, entities.NewValidationError("EVALUATED_ALTERNATIVES_REQUIRED",
			"base protocol data carries no evaluated alternatives")
	}
	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if p.ID == "" {
			return nil, entities.NewValidationError("AGENT_PROFILE_ID_REQUIRED", "agent profile id is empty")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, entities.NewValidationError("AGENT_PROFILE_DUPLICATE",
				fmt.Sprintf("agent profile %q appears twice", p.ID))
		}
		seen[p.ID] = struct{}{}
		if !p.RiskProfile.IsValid() {
			return nil, entities.NewValidationError("AGENT_RISK_UNKNOWN",
				fmt.Sprintf("agent %q: %q is not a risk profile", p.ID, p.RiskProfile))
		}
	}

	var enabled []AgentProfile
	for _, p := range profiles {
		if p.enabled() {
			enabled = append(enabled, p)
		}
	}

	candidates, err := r.evaluateCandidates(ctx, situation, base, enabled)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		payload := map[string]any{
			"episode_id":         episodeID,
			"agent_id":           c.AgentID,
			"risk_profile":       string(c.Draft.RiskProfile),
			"chosen_alternative": c.Alternative,
			"blocked":            c.Blocked,
		}
		if c.Blocked {
			payload["rule_id"] = c.BlockRule
			payload["reason"] = c.BlockReason
		}
		r.rec.Record(c.AgentID, eventlog.EventAgentProtocolProposed, eventlog.EntityEpisode, episodeID, payload)

		if !c.Blocked {
			r.rec.Record(c.AgentID, eventlog.EventAgentDecisionProposed, eventlog.EntityEpisode, episodeID, map[string]any{
				"episode_id":         episodeID,
				"agent_id":           c.AgentID,
				"chosen_alternative": c.Alternative,
				"weight":             c.Weight,
			})
		}
	}

	res := &Result{Candidates: candidates}
	res.Selected, res.Outcome, res.Reason = aggregate(candidates, policy)
	return res, nil
}

// evaluateCandidates fans the per-agent work out over a bounded pool and
// returns the candidates re-ordered by input position.
func (r *Runner) evaluateCandidates(ctx context.Context, situation *entities.Situation, base entities.ProtocolDraft, profiles []AgentProfile) ([]Candidate, error) {
	if len(profiles) == 0 {
		return nil, nil
	}

	results := make(chan Candidate, len(profiles))
	sem := make(chan struct{}, r.cfg.MaxParallelAgents)
	var wg sync.WaitGroup

	for i, p := range profiles {
		wg.Add(1)
		go func(idx int, prof AgentProfile) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results <- buildCandidate(idx, prof, situation, base)
		}(i, p)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	candidates := make([]Candidate, 0, len(profiles))
	for c := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Index < candidates[j].Index })
	return candidates, nil
}

// buildCandidate derives the agent's protocol from the base data: its own
// risk profile, its deterministic alternative pick, then the closed layer.
func buildCandidate(idx int, p AgentProfile, situation *entities.Situation, base entities.ProtocolDraft) Candidate {
	draft := base
	draft.RiskProfile = p.RiskProfile
	draft.ChosenAlternative = pickAlternative(base.EvaluatedAlternatives, p.RiskProfile)
	draft.ProposedBy = p.ID

	verdict := closedlayer.Validate(situation, &entities.DecisionProtocol{
		MinimumCriteria:       draft.MinimumCriteria,
		ConsideredRisks:       draft.ConsideredRisks,
		DefinedLimits:         draft.DefinedLimits,
		RiskProfile:           draft.RiskProfile,
		EvaluatedAlternatives: draft.EvaluatedAlternatives,
		ChosenAlternative:     draft.ChosenAlternative,
	})

	return Candidate{
		AgentID:     p.ID,
		Index:       idx,
		Draft:       draft,
		Alternative: draft.ChosenAlternative,
		Weight:      p.weight(),
		Blocked:     verdict.Blocked,
		BlockRule:   verdict.RuleID,
		BlockReason: verdict.Reason,
	}
}

// pickAlternative is the deterministic per-profile choice: conservative
// takes the first alternative, moderate the middle, aggressive the last.
func pickAlternative(alts []string, rp entities.RiskProfile) string {
	if len(alts) == 0 {
		return ""
	}
	switch rp {
	case entities.RiskConservative:
		return alts[0]
	case entities.RiskAggressive:
		return alts[len(alts)-1]
	default:
		return alts[len(alts)/2]
	}
}

// aggregate applies the policy over the candidates. It returns the
// selected candidate, the outcome code, and a reason for non-selections.
func aggregate(candidates []Candidate, policy AggregationPolicy) (*Candidate, string, string) {
	if policy == HumanOverrideRequired {
		return nil, OutcomeHumanOverride, "aggregation policy never auto-decides"
	}

	var valid []Candidate
	for _, c := range candidates {
		if !c.Blocked {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return nil, OutcomeNoValidCandidate, "every agent candidate was blocked"
	}

	switch policy {
	case FirstValid:
		return &valid[0], OutcomeSelected, ""

	case MajorityByAlternative:
		return majority(valid, false), OutcomeSelected, ""

	case WeightedMajority:
		return majority(valid, true), OutcomeSelected, ""

	case RequireConsensus:
		first := valid[0].Alternative
		for _, c := range valid[1:] {
			if c.Alternative != first {
				return nil, OutcomeNoConsensus,
					fmt.Sprintf("agents split between %q and %q", first, c.Alternative)
			}
		}
		return &valid[0], OutcomeSelected, ""
	}

	return nil, OutcomeNoValidCandidate, fmt.Sprintf("unhandled aggregation policy %s", policy)
}

// majority picks the alternative with the most votes. Ties break to the
// lexicographically smallest alternative; the returned candidate is the
// earliest agent that voted for it.
func majority(valid []Candidate, weighted bool) *Candidate {
	votes := make(map[string]float64, len(valid))
	for _, c := range valid {
		w := 1.0
		if weighted {
			w = c.Weight
		}
		votes[c.Alternative] += w
	}

	best := ""
	for alt, v := range votes {
		if best == "" || v > votes[best] || (v == votes[best] && alt < best) {
			best = alt
		}
	}
	for i := range valid {
		if valid[i].Alternative == best {
			return &valid[i]
		}
	}
	return &valid[0]
}
