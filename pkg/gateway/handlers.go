package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/observability"
	"github.com/arbiter-labs/arbiter/pkg/orchestrator"
	"github.com/arbiter-labs/arbiter/pkg/runner"
	"github.com/arbiter-labs/arbiter/pkg/tenancy"
)

const maxBodyBytes = 1 << 20

// readBody reads the request body up to the cap, optionally validating it
// against a schema before decoding into dst.
func readBody(w http.ResponseWriter, r *http.Request, validate func(json.RawMessage) error, dst any) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, r, "Unreadable request body")
		return false
	}
	if validate != nil {
		if err := validate(raw); err != nil {
			WriteEngineError(w, r, err)
			return false
		}
	}
	if dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			WriteBadRequest(w, r, "Malformed JSON: "+err.Error())
			return false
		}
	}
	return true
}

// track opens RED bookkeeping for one gateway operation.
func (s *Server) track(r *http.Request, op string) func(error) {
	tenantID, _ := TenantFrom(r.Context())
	_, done := s.obs.TrackOperation(r.Context(), op,
		observability.TenantAttr(tenantID),
		observability.OperationAttr(op),
	)
	return done
}

// --- tenant administration -------------------------------------------------

type tenantRegisterRequest struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Quotas *tenancy.Quotas `json:"quotas,omitempty"`
}

func (s *Server) handleTenantRegister(w http.ResponseWriter, r *http.Request) {
	var req tenantRegisterRequest
	if !readBody(w, r, nil, &req) {
		return
	}
	quotas := tenancy.DefaultQuotas()
	if req.Quotas != nil {
		quotas = *req.Quotas
	}
	cfg, err := s.registry.Register(req.ID, req.Name, quotas)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleTenantList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleTenantSuspend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.registry.Suspend(id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.runtime.Shutdown(id)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleTenantResume(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.Resume(r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleTenantRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.registry.Remove(id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.runtime.Shutdown(id)
	writeJSON(w, http.StatusOK, cfg)
}

// --- situations ------------------------------------------------------------

func (s *Server) handleSituationRegister(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "situation.register")
	var in entities.SituationInput
	if !readBody(w, r, entities.ValidateSituationInput, &in) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	sit, err := eng.RegisterSituation(r.Context(), s.actor(r), in)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusCreated, sit)
}

func (s *Server) handleSituationProcess(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "situation.process")
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	ep, err := eng.ProcessRequest(r.Context(), s.actor(r), r.PathValue("id"))
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusCreated, ep)
}

type memoryQueryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleConsultMemory(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "situation.consult_memory")
	var req memoryQueryRequest
	if !readBody(w, r, nil, &req) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	res, err := eng.ConsultMemory(r.Context(), s.actor(r), r.PathValue("id"), req.Query)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- episodes --------------------------------------------------------------

func (s *Server) handleBuildProtocol(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "protocol.build")
	var draft entities.ProtocolDraft
	if !readBody(w, r, entities.ValidateProtocolDraft, &draft) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	p, err := eng.BuildProtocol(r.Context(), s.actor(r), r.PathValue("id"), draft)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleRegisterDecision(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "decision.register")
	var in entities.DecisionInput
	if !readBody(w, r, nil, &in) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	contract, err := eng.RegisterDecision(r.Context(), s.actor(r), r.PathValue("id"), in)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusCreated, contract)
}

type agentRunRequest struct {
	Base     entities.ProtocolDraft   `json:"base"`
	Profiles []runner.AgentProfile    `json:"profiles"`
	Policy   runner.AggregationPolicy `json:"policy"`
}

func (s *Server) handleRunAgents(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "agents.run")
	var req agentRunRequest
	if !readBody(w, r, nil, &req) {
		done(nil)
		return
	}
	if !req.Policy.IsValid() {
		done(nil)
		WriteBadRequest(w, r, "unknown aggregation policy")
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	res, err := eng.RunAgents(r.Context(), r.PathValue("id"), req.Base, req.Profiles, req.Policy)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartObservation(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "episode.observe")
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	ep, err := eng.StartObservation(r.Context(), r.PathValue("id"))
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleCloseEpisode(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "episode.close")
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	ep, err := eng.CloseEpisode(r.Context(), r.PathValue("id"))
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, ep)
}

// --- consequences ----------------------------------------------------------

func (s *Server) handleRegisterConsequence(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "consequence.register")
	var in entities.ConsequenceInput
	if !readBody(w, r, entities.ValidateConsequenceInput, &in) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	res, err := eng.RegisterConsequence(r.Context(), s.actor(r), r.PathValue("id"), in)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusCreated, res)
}

// --- mandates and autonomy -------------------------------------------------

func (s *Server) handleGrantMandate(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "mandate.grant")
	var grant entities.MandateGrant
	if !readBody(w, r, entities.ValidateMandateGrant, &grant) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	m, err := eng.GrantMandate(r.Context(), grant)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleActiveMandates(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		WriteBadRequest(w, r, "agent_id query parameter is required")
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	ms, err := eng.ActiveMandates(r.Context(), agentID)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevokeMandate(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "mandate.revoke")
	var req reasonRequest
	if !readBody(w, r, nil, &req) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	m, err := eng.RevokeMandate(r.Context(), r.PathValue("id"), s.actor(r), req.Reason)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleResumeMandate(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "mandate.resume")
	var req reasonRequest
	if !readBody(w, r, nil, &req) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	m, err := eng.ResumeMandate(r.Context(), r.PathValue("id"), s.actor(r), req.Reason)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, m)
}

type expireRequest struct {
	Reason entities.ExpireReason `json:"reason"`
}

func (s *Server) handleExpireMandate(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "mandate.expire")
	var req expireRequest
	if !readBody(w, r, nil, &req) {
		done(nil)
		return
	}
	if req.Reason != entities.ExpireTime && req.Reason != entities.ExpireUses {
		done(nil)
		WriteBadRequest(w, r, "reason must be TIME or USES")
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	m, err := eng.ExpireMandate(r.Context(), r.PathValue("id"), req.Reason)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleConsumeMandate(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "mandate.consume")
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	m, err := eng.ConsumeMandateUse(r.Context(), r.PathValue("id"))
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleEvaluateAutonomy(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "autonomy.evaluate")
	var req orchestrator.AutonomyRequest
	if !readBody(w, r, nil, &req) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	res, err := eng.EvaluateAutonomy(r.Context(), req)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyAutonomy(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "autonomy.verify")
	var req orchestrator.AutonomyRequest
	if !readBody(w, r, nil, &req) {
		done(nil)
		return
	}
	eng, ok := s.engineForWrite(w, r)
	if !ok {
		done(nil)
		return
	}
	res, err := eng.VerifyAutonomyOrBlock(r.Context(), req)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.invalidateViews(r)
	writeJSON(w, http.StatusOK, res)
}

// --- audit -----------------------------------------------------------------

func queryInt(r *http.Request, key string) (*int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "audit.export")
	var (
		rng eventlog.ExportRange
		err error
	)
	if rng.FromSegment, err = queryInt(r, "from_segment"); err != nil {
		done(nil)
		WriteBadRequest(w, r, "from_segment must be an integer")
		return
	}
	if rng.ToSegment, err = queryInt(r, "to_segment"); err != nil {
		done(nil)
		WriteBadRequest(w, r, "to_segment must be an integer")
		return
	}
	if rng.FromTS, err = queryTime(r, "from_ts"); err != nil {
		done(nil)
		WriteBadRequest(w, r, "from_ts must be RFC 3339")
		return
	}
	if rng.ToTS, err = queryTime(r, "to_ts"); err != nil {
		done(nil)
		WriteBadRequest(w, r, "to_ts must be RFC 3339")
		return
	}

	eng, ok := s.engine(w, r)
	if !ok {
		done(nil)
		return
	}
	export, err := eng.ExportEventLogForAudit(r.Context(), rng)
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *Server) handleAuditReplay(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "audit.replay")
	eng, ok := s.engine(w, r)
	if !ok {
		done(nil)
		return
	}
	summary, err := eng.ReplayEventLog(r.Context())
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	done := s.track(r, "audit.verify")
	eng, ok := s.engine(w, r)
	if !ok {
		done(nil)
		return
	}
	report, err := eng.VerifyEventLogNow(r.Context())
	done(err)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuditStatus(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.GetEventLogStatus())
}

// --- projections -----------------------------------------------------------

func (s *Server) handleViewCounts(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	counts, err := s.tenantViews(r, eng).Counts(r.Context())
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleViewSummary(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	summary, err := s.tenantViews(r, eng).Summary(r.Context())
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleViewTimeline(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	timeline, err := s.tenantViews(r, eng).Timeline(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleViewMandateUsage(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	usage, err := s.tenantViews(r, eng).MandateUsageByAgent(r.Context(), r.PathValue("agent"))
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
