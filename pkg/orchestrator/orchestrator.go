// Package orchestrator drives the decision pipeline. The Engine is the
// single entry point of one tenant instance: it owns id and timestamp
// generation, composes the repositories, the closed layer, the autonomy
// subsystem and the multi-agent runner, and mirrors every state transition
// into the hash-chained event log. The log observes: an append failure is
// captured into a bounded ring and never aborts the business operation.
package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/autonomy"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/repo"
	"github.com/arbiter-labs/arbiter/pkg/runner"
)

// Actor names stamped on engine-driven events when no caller actor applies.
const systemActor = "system"

// MemorySource answers memory consultations during analysis. The engine
// records only the raw query shape and the returned ids; nothing is ranked
// or scored.
type MemorySource interface {
	Query(ctx context.Context, query string) ([]string, error)
}

// noMemory is the default source: consultations succeed and return nothing.
type noMemory struct{}

func (noMemory) Query(context.Context, string) ([]string, error) { return nil, nil }

// Engine is one tenant's orchestrator instance rooted at a data directory.
type Engine struct {
	repos  *repo.Set
	log    *eventlog.Log
	ring   *eventlog.ErrorRing
	aud    *auditor
	svc    *autonomy.Service
	agents *runner.Runner
	memory MemorySource
	clock  func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	degraded bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source used for every id and timestamp.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMemorySource injects the memory collaborator consulted during
// analysis.
func WithMemorySource(src MemorySource) Option {
	return func(e *Engine) { e.memory = src }
}

// WithRunnerConfig bounds the multi-agent fan-out.
func WithRunnerConfig(cfg runner.Config) Option {
	return func(e *Engine) { e.agents = runner.New(cfg, e.aud) }
}

// New opens the repositories and the event log under dataDir and runs the
// boot-time fast verification. A broken chain marks the instance degraded
// but does not refuse traffic; an unusable directory aborts initialization.
func New(dataDir string, logCfg eventlog.Config, opts ...Option) (*Engine, error) {
	repos, err := repo.OpenSet(dataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		repos:  repos,
		memory: noMemory{},
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	log, err := eventlog.Open(filepath.Join(dataDir, "events"), logCfg,
		eventlog.WithClock(e.clock), eventlog.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.log = log
	e.ring = eventlog.NewErrorRingWithClock(20, e.clock)
	e.aud = &auditor{log: log, ring: e.ring, logger: e.logger}
	e.svc = autonomy.NewService(repos.Mandates, e.aud,
		autonomy.WithServiceClock(e.clock), autonomy.WithServiceLogger(e.logger))
	if e.agents == nil {
		e.agents = runner.New(runner.DefaultConfig(), e.aud)
	}

	report, err := log.VerifyFromSnapshot(context.Background())
	if err != nil {
		e.logger.Warn("boot-time chain verification failed to run", "error", err)
		e.setDegraded(true)
	} else if !report.Valid {
		e.logger.Warn("event log chain invalid at boot",
			"total_verified", report.TotalVerified, "reason", report.Reason)
		e.setDegraded(true)
	}

	return e, nil
}

// Repos exposes the repositories for read-model projections. Writers go
// through the engine's operations only.
func (e *Engine) Repos() *repo.Set { return e.repos }

// EventLog exposes the log for read-model projections and backup tooling.
func (e *Engine) EventLog() *eventlog.Log { return e.log }

// Degraded reports whether the instance booted over a broken chain or has
// accumulated log write failures.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded || e.ring.Degraded()
}

func (e *Engine) setDegraded(v bool) {
	e.mu.Lock()
	e.degraded = v
	e.mu.Unlock()
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// auditor is the engine's event recorder. Append failures land in the ring
// buffer; they are visible through status queries and never propagate.
type auditor struct {
	log    *eventlog.Log
	ring   *eventlog.ErrorRing
	logger *slog.Logger
}

// Record appends one event, absorbing failures.
func (a *auditor) Record(actor, eventType, entityType, entityID string, payload map[string]any) {
	if _, err := a.log.Append(actor, eventType, entityType, entityID, payload); err != nil {
		a.ring.Record(eventType, err.Error())
		a.logger.Warn("event log append failed",
			"event_type", eventType, "entity_id", entityID, "error", err)
	}
}
