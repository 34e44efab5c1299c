package tenancy

import (
	"context"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/orchestrator"
)

// Runtime holds the live per-tenant engine instances, built lazily on
// first use. Instances share nothing; a failure in one never touches
// another.
type Runtime struct {
	base       string
	registry   *Registry
	logCfg     eventlog.Config
	engineOpts []orchestrator.Option

	mu        sync.Mutex
	instances map[string]*orchestrator.Engine
}

// NewRuntime builds a runtime over the registry. The engine options are
// applied to every instance.
func NewRuntime(base string, registry *Registry, logCfg eventlog.Config, engineOpts ...orchestrator.Option) *Runtime {
	return &Runtime{
		base:       base,
		registry:   registry,
		logCfg:     logCfg,
		engineOpts: engineOpts,
		instances:  make(map[string]*orchestrator.Engine),
	}
}

// Instance returns the tenant's engine, creating it on first use. Only
// active tenants get instances; suspended and deleted tenants fail with
// their typed error.
func (rt *Runtime) Instance(ctx context.Context, rawID string) (*orchestrator.Engine, error) {
	cfg, err := rt.registry.Get(rawID)
	if err != nil {
		return nil, err
	}
	switch cfg.Status {
	case StatusSuspended:
		return nil, newError(CodeSuspended, cfg.ID, "tenant is suspended")
	case StatusDeleted:
		return nil, newError(CodeDeleted, cfg.ID, "tenant is deleted")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if e, live := rt.instances[cfg.ID]; live {
		return e, nil
	}

	dir, err := ResolveDataDir(rt.base, cfg.ID)
	if err != nil {
		return nil, err
	}
	e, err := orchestrator.New(dir, rt.logCfg, rt.engineOpts...)
	if err != nil {
		return nil, err
	}
	rt.instances[cfg.ID] = e
	return e, nil
}

// Peek returns the live instance without creating one.
func (rt *Runtime) Peek(rawID string) (*orchestrator.Engine, bool) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return nil, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e, live := rt.instances[id]
	return e, live
}

// Shutdown drops the tenant's live instance. State is durable; the next
// Instance call reloads it from disk.
func (rt *Runtime) Shutdown(rawID string) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return
	}
	rt.mu.Lock()
	delete(rt.instances, id)
	rt.mu.Unlock()
}

// LiveCount reports how many instances are currently loaded.
func (rt *Runtime) LiveCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.instances)
}

// VerifyAll runs the fast verification on every live instance and reports
// per-tenant results. Tenants without a live instance are skipped: loading
// every tenant just to verify it belongs to an explicit audit, not a
// routine health check.
func (rt *Runtime) VerifyAll(ctx context.Context) map[string]*eventlog.VerificationReport {
	rt.mu.Lock()
	live := make(map[string]*orchestrator.Engine, len(rt.instances))
	for id, e := range rt.instances {
		live[id] = e
	}
	rt.mu.Unlock()

	out := make(map[string]*eventlog.VerificationReport, len(live))
	for id, e := range live {
		report, err := e.EventLog().VerifyFromSnapshot(ctx)
		if err != nil {
			report = &eventlog.VerificationReport{Valid: false, Reason: err.Error()}
		}
		out[id] = report
	}
	return out
}
