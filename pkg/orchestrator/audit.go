package orchestrator

import (
	"context"

	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// ExportEventLogForAudit returns a bounded contiguous slice of the log with
// its manifest. Oversized ranges fail with a capacity error; auditors
// paginate via timestamps.
func (e *Engine) ExportEventLogForAudit(ctx context.Context, r eventlog.ExportRange) (*eventlog.Export, error) {
	return e.log.ExportRange(ctx, r)
}

// ReplayEventLog aggregates the whole log for audit reporting, truncating
// past the replay cap.
func (e *Engine) ReplayEventLog(ctx context.Context) (*eventlog.ReplaySummary, error) {
	return e.log.Replay(ctx)
}

// VerifyEventLogNow runs a full chain walk from genesis. A clean pass
// clears the boot-time degraded marking.
func (e *Engine) VerifyEventLogNow(ctx context.Context) (*eventlog.VerificationReport, error) {
	report, err := e.log.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	e.setDegraded(!report.Valid)
	return report, nil
}

// EngineStatus is the externally visible health of one instance.
type EngineStatus struct {
	Degraded       bool                      `json:"degraded"`
	Log            eventlog.Status           `json:"log"`
	VerifiedCount  int                       `json:"verified_count"`
	AppendFailures int                       `json:"append_failures"`
	RecentFailures []eventlog.FailureRecord  `json:"recent_failures,omitempty"`
}

// GetEventLogStatus reports the log shape, the verification checkpoint and
// every append failure since boot.
func (e *Engine) GetEventLogStatus() EngineStatus {
	return EngineStatus{
		Degraded:       e.Degraded(),
		Log:            e.log.Status(),
		VerifiedCount:  e.log.VerifiedCount(),
		AppendFailures: e.ring.Total(),
		RecentFailures: e.ring.Records(),
	}
}

// PruneEventLog applies the retention policy, offering pruned segments to
// the sink before removal. A nil sink keeps everything.
func (e *Engine) PruneEventLog(ctx context.Context, sink eventlog.Sink) (*eventlog.PruneResult, error) {
	return e.log.PruneSegments(ctx, sink)
}
