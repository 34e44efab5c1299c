// Package views builds read-only projections over the repositories and the
// event log. Projections are derived state: rebuildable at any time, never
// authoritative, and safe to cache. Hot projections sit in an in-process
// TTL cache invalidated by a generation counter that owners bump after
// writes.
package views

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/repo"
)

const (
	defaultTTL     = 5 * time.Second
	defaultCleanup = time.Minute
)

// Views projects over one tenant's repositories and event log.
type Views struct {
	repos *repo.Set
	log   *eventlog.Log
	cache *cache.Cache
	gen   atomic.Uint64
}

// Option configures a Views.
type Option func(*Views)

// WithCacheTTL overrides the projection cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Views) { v.cache = cache.New(ttl, defaultCleanup) }
}

// New builds projections over the given repositories and log.
func New(repos *repo.Set, log *eventlog.Log, opts ...Option) *Views {
	v := &Views{
		repos: repos,
		log:   log,
		cache: cache.New(defaultTTL, defaultCleanup),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Invalidate bumps the generation counter. Cached entries from earlier
// generations become unreachable and age out on their own.
func (v *Views) Invalidate() { v.gen.Add(1) }

func (v *Views) key(name string) string {
	return fmt.Sprintf("g%d:%s", v.gen.Load(), name)
}

// EntityCounts is the per-kind census of one tenant.
type EntityCounts struct {
	Situations   int `json:"situations"`
	Episodes     int `json:"episodes"`
	Protocols    int `json:"protocols"`
	Decisions    int `json:"decisions"`
	Contracts    int `json:"contracts"`
	Observations int `json:"observations"`
	Mandates     int `json:"mandates"`
	Events       int `json:"events"`
}

// Counts returns entity counts across every repository plus the event
// total.
func (v *Views) Counts(ctx context.Context) (*EntityCounts, error) {
	if cached, hit := v.cache.Get(v.key("counts")); hit {
		return cached.(*EntityCounts), nil
	}

	sits, err := v.repos.Situations.List(ctx, repo.SituationFilter{})
	if err != nil {
		return nil, err
	}
	eps, err := v.repos.Episodes.List(ctx, repo.EpisodeFilter{})
	if err != nil {
		return nil, err
	}
	prts, err := v.repos.Protocols.List(ctx)
	if err != nil {
		return nil, err
	}
	decs, err := v.repos.Decisions.List(ctx)
	if err != nil {
		return nil, err
	}
	ctrs, err := v.repos.Contracts.List(ctx)
	if err != nil {
		return nil, err
	}
	obs, err := v.repos.Observations.List(ctx)
	if err != nil {
		return nil, err
	}
	mands, err := v.repos.Mandates.List(ctx, repo.MandateFilter{})
	if err != nil {
		return nil, err
	}

	counts := &EntityCounts{
		Situations:   len(sits),
		Episodes:     len(eps),
		Protocols:    len(prts),
		Decisions:    len(decs),
		Contracts:    len(ctrs),
		Observations: len(obs),
		Mandates:     len(mands),
		Events:       v.log.Count(),
	}
	v.cache.Set(v.key("counts"), counts, cache.DefaultExpiration)
	return counts, nil
}

// LatestSituations returns up to n situations, newest first.
func (v *Views) LatestSituations(ctx context.Context, n int) ([]entities.Situation, error) {
	key := fmt.Sprintf("situations:%d", n)
	if cached, hit := v.cache.Get(v.key(key)); hit {
		return cached.([]entities.Situation), nil
	}
	all, err := v.repos.Situations.List(ctx, repo.SituationFilter{})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreationTime.After(all[j].CreationTime)
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	v.cache.Set(v.key(key), all, cache.DefaultExpiration)
	return all, nil
}

// LatestDecisions returns up to n decisions, newest first.
func (v *Views) LatestDecisions(ctx context.Context, n int) ([]entities.Decision, error) {
	all, err := v.repos.Decisions.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].DecidedAt.After(all[j].DecidedAt)
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// EpisodeTimeline is every event touching one episode's entity graph, in
// chain order.
type EpisodeTimeline struct {
	EpisodeID string           `json:"episode_id"`
	Entries   []eventlog.Entry `json:"entries"`
}

// Timeline collects the events of an episode and everything hanging off
// it: its situation, protocol, decision, contract and observations.
func (v *Views) Timeline(ctx context.Context, episodeID string) (*EpisodeTimeline, error) {
	ep, err := v.repos.Episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	ids := map[string]bool{ep.ID: true, ep.ReferencedSituationID: true}
	if p, err := v.repos.Protocols.ByEpisodeID(ctx, ep.ID); err == nil {
		ids[p.ID] = true
	}
	if d, err := v.repos.Decisions.ByEpisodeID(ctx, ep.ID); err == nil {
		ids[d.ID] = true
	}
	if c, err := v.repos.Contracts.ByEpisodeID(ctx, ep.ID); err == nil {
		ids[c.ID] = true
		obs, err := v.repos.Observations.ByContractID(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, o := range obs {
			ids[o.ID] = true
		}
	}

	export, err := v.log.ExportRange(ctx, eventlog.ExportRange{})
	if err != nil {
		return nil, err
	}
	timeline := &EpisodeTimeline{EpisodeID: ep.ID}
	for _, entry := range export.Entries {
		if ids[entry.EntityID] {
			timeline.Entries = append(timeline.Entries, entry)
		}
	}
	return timeline, nil
}

// MandateUsage summarizes one mandate's consumption.
type MandateUsage struct {
	MandateID string                 `json:"mandate_id"`
	AgentID   string                 `json:"agent_id"`
	Status    entities.MandateStatus `json:"status"`
	Uses      int                    `json:"uses"`
	MaxUses   *int                   `json:"max_uses,omitempty"`
	Remaining *int                   `json:"remaining,omitempty"`
	GrantedAt time.Time              `json:"granted_at"`
}

// MandateUsageByAgent reports usage for every mandate of an agent, newest
// grant first.
func (v *Views) MandateUsageByAgent(ctx context.Context, agentID string) ([]MandateUsage, error) {
	mands, err := v.repos.Mandates.List(ctx, repo.MandateFilter{AgentID: agentID})
	if err != nil {
		return nil, err
	}
	sort.Slice(mands, func(i, j int) bool {
		return mands[i].GrantedAt.After(mands[j].GrantedAt)
	})
	out := make([]MandateUsage, 0, len(mands))
	for _, m := range mands {
		u := MandateUsage{
			MandateID: m.ID,
			AgentID:   m.AgentID,
			Status:    m.Status,
			Uses:      m.Uses,
			MaxUses:   m.MaxUses,
			GrantedAt: m.GrantedAt,
		}
		if m.MaxUses != nil {
			rem := *m.MaxUses - m.Uses
			if rem < 0 {
				rem = 0
			}
			u.Remaining = &rem
		}
		out = append(out, u)
	}
	return out, nil
}

// DecisionSummary aggregates decision activity across the tenant.
type DecisionSummary struct {
	TotalDecisions int            `json:"total_decisions"`
	TotalBlocked   int            `json:"total_blocked"`
	TotalContracts int            `json:"total_contracts"`
	ByRiskProfile  map[string]int `json:"by_risk_profile"`
	OpenEpisodes   int            `json:"open_episodes"`
	ClosedEpisodes int            `json:"closed_episodes"`
}

// Summary builds the tenant-wide decision summary. Blocked attempts are
// counted from the event log; everything else from repositories.
func (v *Views) Summary(ctx context.Context) (*DecisionSummary, error) {
	if cached, hit := v.cache.Get(v.key("summary")); hit {
		return cached.(*DecisionSummary), nil
	}

	decs, err := v.repos.Decisions.List(ctx)
	if err != nil {
		return nil, err
	}
	ctrs, err := v.repos.Contracts.List(ctx)
	if err != nil {
		return nil, err
	}
	eps, err := v.repos.Episodes.List(ctx, repo.EpisodeFilter{})
	if err != nil {
		return nil, err
	}

	s := &DecisionSummary{
		TotalDecisions: len(decs),
		TotalContracts: len(ctrs),
		ByRiskProfile:  make(map[string]int),
	}
	for _, d := range decs {
		s.ByRiskProfile[string(d.RiskProfile)]++
	}
	for _, ep := range eps {
		if ep.State == entities.EpisodeClosed {
			s.ClosedEpisodes++
		} else {
			s.OpenEpisodes++
		}
	}

	export, err := v.log.ExportRange(ctx, eventlog.ExportRange{})
	if err != nil {
		return nil, err
	}
	for _, entry := range export.Entries {
		if entry.EventType == eventlog.EventDecisionBlocked {
			s.TotalBlocked++
		}
	}

	v.cache.Set(v.key("summary"), s, cache.DefaultExpiration)
	return s, nil
}
