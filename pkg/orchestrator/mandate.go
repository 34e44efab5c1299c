package orchestrator

import (
	"context"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/autonomy"
	"github.com/arbiter-labs/arbiter/pkg/closedlayer"
	"github.com/arbiter-labs/arbiter/pkg/entities"
)

// GrantMandate issues a new autonomy mandate.
func (e *Engine) GrantMandate(ctx context.Context, grant entities.MandateGrant) (*entities.AutonomyMandate, error) {
	return e.svc.Grant(ctx, grant)
}

// RevokeMandate terminally revokes a mandate on behalf of an actor.
func (e *Engine) RevokeMandate(ctx context.Context, id, actor, reason string) (*entities.AutonomyMandate, error) {
	return e.svc.Revoke(ctx, id, actor, reason)
}

// ExpireMandate records a lapsed mandate with the given reason.
func (e *Engine) ExpireMandate(ctx context.Context, id string, reason entities.ExpireReason) (*entities.AutonomyMandate, error) {
	return e.svc.Expire(ctx, id, reason)
}

// ResumeMandate lifts a suspension. Only a named non-system actor may
// resume, with a reason when an observation triggered the suspension.
func (e *Engine) ResumeMandate(ctx context.Context, id, actor, reason string) (*entities.AutonomyMandate, error) {
	return e.svc.Resume(ctx, id, actor, reason)
}

// ConsumeMandateUse atomically spends one use of the mandate.
func (e *Engine) ConsumeMandateUse(ctx context.Context, id string) (*entities.AutonomyMandate, error) {
	return e.svc.ConsumeUse(ctx, id)
}

// AutonomyRequest describes one act an agent asks to perform on its own.
type AutonomyRequest struct {
	AgentID       string               `json:"agent_id"`
	Policy        string               `json:"policy"`
	RiskProfile   entities.RiskProfile `json:"risk_profile"`
	Domain        string               `json:"domain,omitempty"`
	UseCase       *int                 `json:"use_case,omitempty"`
	Context       string               `json:"context,omitempty"`
	RequestedMode entities.MandateMode `json:"requested_mode,omitempty"`
	ClosedLayer   closedlayer.Result   `json:"closed_layer"`
}

// EvaluateAutonomy judges the request against the agent's most recent
// mandate without consuming anything. Computed expiry surfaced by the
// evaluator is recorded before the result is returned.
func (e *Engine) EvaluateAutonomy(ctx context.Context, req AutonomyRequest) (*autonomy.Result, error) {
	m, err := e.latestMandate(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	res := autonomy.Evaluate(autonomy.Input{
		AgentID:       req.AgentID,
		Policy:        req.Policy,
		RiskProfile:   req.RiskProfile,
		ClosedLayer:   req.ClosedLayer,
		Mandate:       m,
		Domain:        req.Domain,
		UseCase:       req.UseCase,
		Context:       req.Context,
		RequestedMode: req.RequestedMode,
		Now:           e.now(),
	})
	if res.ShouldExpire && m != nil {
		if _, err := e.svc.Expire(ctx, m.ID, res.ExpireReason); err != nil {
			e.logger.Warn("recording computed mandate expiry failed", "mandate_id", m.ID, "error", err)
		}
	}
	return &res, nil
}

// VerifyAutonomyOrBlock evaluates the request and, when allowed under a
// use-capped mandate, atomically consumes one use. A denial comes back as a
// rule-coded validation error; a race for the last use surfaces as
// MANDATE_EXHAUSTED_USES from the consume step, so at most one of two
// concurrent callers proceeds.
func (e *Engine) VerifyAutonomyOrBlock(ctx context.Context, req AutonomyRequest) (*autonomy.Result, error) {
	res, err := e.EvaluateAutonomy(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return res, entities.NewValidationError(res.Code, res.Reason)
	}
	if res.MandateID != "" {
		m, err := e.repos.Mandates.GetByID(ctx, res.MandateID)
		if err != nil {
			return nil, err
		}
		if m.MaxUses != nil {
			if _, err := e.svc.ConsumeUse(ctx, res.MandateID); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// ActiveMandates lists the agent's usable mandates, most recent first.
func (e *Engine) ActiveMandates(ctx context.Context, agentID string) ([]entities.AutonomyMandate, error) {
	return e.repos.Mandates.ActiveByAgent(ctx, agentID, e.now())
}

// Now exposes the engine clock so collaborators stay on the same time
// source.
func (e *Engine) Now() time.Time { return e.now() }
