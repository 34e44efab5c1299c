package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

const mandatesFile = "mandates.json"

// MandateRepo stores autonomy mandates. It owns the mandate lifecycle
// invariants: every mutator runs inside the repository write lock, and
// ConsumeUse in particular reads, increments and flips expiry in one
// critical section so concurrent decisions cannot double-spend a use.
// Mutators report whether they changed anything so callers emit lifecycle
// events exactly once.
type MandateRepo struct {
	path string
	lock *writeLock

	mu   sync.RWMutex
	data map[string]entities.AutonomyMandate
}

// NewMandateRepo loads or initializes the repository under dir.
func NewMandateRepo(dir string) (*MandateRepo, error) {
	r := &MandateRepo{
		path: filepath.Join(dir, mandatesFile),
		lock: newWriteLock(),
		data: make(map[string]entities.AutonomyMandate),
	}
	if err := loadJSON(r.path, &r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists a fully formed mandate.
func (r *MandateRepo) Create(ctx context.Context, m entities.AutonomyMandate) error {
	if m.ID == "" {
		return fmt.Errorf("mandate id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if _, exists := r.data[m.ID]; exists {
		return fmt.Errorf("%w: mandate %s", ErrDuplicateID, m.ID)
	}

	next := r.snapshot()
	next[m.ID] = m
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

// GetByID returns a copy of the mandate.
func (r *MandateRepo) GetByID(ctx context.Context, id string) (*entities.AutonomyMandate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("mandate", id)
	}
	return &m, nil
}

// MandateFilter narrows List results. Zero fields match everything.
type MandateFilter struct {
	AgentID string
	Status  entities.MandateStatus
	Mode    entities.MandateMode
}

func (f MandateFilter) matches(m *entities.AutonomyMandate) bool {
	if f.AgentID != "" && m.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Mode != "" && m.Mode != f.Mode {
		return false
	}
	return true
}

// List returns matching mandates ordered by grant time, then id.
func (r *MandateRepo) List(ctx context.Context, f MandateFilter) ([]entities.AutonomyMandate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.AutonomyMandate, 0, len(r.data))
	for _, m := range r.data {
		if f.matches(&m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ActiveByAgent returns the agent's mandates that are usable at now, most
// recently granted first. Activity is resolved by the entity's own
// activity check; expiry is effective here even before it is recorded.
func (r *MandateRepo) ActiveByAgent(ctx context.Context, agentID string, now time.Time) ([]entities.AutonomyMandate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entities.AutonomyMandate
	for _, m := range r.data {
		if m.AgentID == agentID && m.ActiveAt(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.After(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecordRevocation marks the mandate revoked. Terminal mandates are left
// untouched and reported unchanged.
func (r *MandateRepo) RecordRevocation(ctx context.Context, id, actor, reason string, now time.Time) (*entities.AutonomyMandate, bool, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer r.lock.release()

	m, exists := r.data[id]
	if !exists {
		return nil, false, entities.NewNotFound("mandate", id)
	}
	if m.Status.IsTerminal() {
		return &m, false, nil
	}

	stamp := now.UTC()
	m.Status = entities.MandateRevoked
	m.RevokedAt = &stamp
	m.RevokedBy = actor
	m.RevocationReason = reason

	if err := r.write(id, m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// RecordExpiration marks the mandate expired with the given reason.
// Already-terminal mandates are a no-op.
func (r *MandateRepo) RecordExpiration(ctx context.Context, id string, reason entities.ExpireReason, now time.Time) (*entities.AutonomyMandate, bool, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer r.lock.release()

	m, exists := r.data[id]
	if !exists {
		return nil, false, entities.NewNotFound("mandate", id)
	}
	if m.Status.IsTerminal() {
		return &m, false, nil
	}

	stamp := now.UTC()
	m.Status = entities.MandateExpired
	m.ExpiredAt = &stamp
	m.ExpireReason = reason

	if err := r.write(id, m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// ConsumeUse atomically spends one use. The read, the increment, the
// exhaustion flip and the write share one lock acquisition, so of two
// concurrent callers racing for the last use exactly one succeeds.
func (r *MandateRepo) ConsumeUse(ctx context.Context, id string, now time.Time) (*entities.AutonomyMandate, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.lock.release()

	m, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("mandate", id)
	}
	if m.UsesExhausted() {
		return nil, entities.NewValidationError("MANDATE_EXHAUSTED_USES",
			fmt.Sprintf("mandate %s has spent all %d uses", id, *m.MaxUses))
	}
	if activity := m.ActivityAt(now); activity != entities.ActivityActive {
		return nil, entities.NewStateError("mandate", id, string(activity), "consume_use")
	}

	stamp := now.UTC()
	m.Uses++
	m.LastUsedAt = &stamp
	if m.MaxUses != nil && m.Uses == *m.MaxUses {
		m.Status = entities.MandateExpired
		m.ExpiredAt = &stamp
		m.ExpireReason = entities.ExpireUses
	}

	if err := r.write(id, m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordSuspension suspends an active mandate on behalf of a consequence
// observation. Re-applying the same observation is a no-op, as is
// suspending a mandate that is not active.
func (r *MandateRepo) RecordSuspension(ctx context.Context, id, reason, observationID string, now time.Time) (*entities.AutonomyMandate, bool, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer r.lock.release()

	m, exists := r.data[id]
	if !exists {
		return nil, false, entities.NewNotFound("mandate", id)
	}
	if observationID != "" && m.TriggeredByObservationID == observationID {
		return &m, false, nil
	}
	if m.Status != entities.MandateActive {
		return &m, false, nil
	}

	stamp := now.UTC()
	m.Status = entities.MandateSuspended
	m.SuspendedAt = &stamp
	m.SuspendReason = reason
	m.TriggeredByObservationID = observationID

	if err := r.write(id, m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// RecordDegrade lowers the mandate's mode one level on behalf of a
// consequence observation. Re-applying the same observation is a no-op, as
// is degrading a mandate that is not active or already at TEACHING.
func (r *MandateRepo) RecordDegrade(ctx context.Context, id, observationID string, now time.Time) (*entities.AutonomyMandate, bool, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer r.lock.release()

	m, exists := r.data[id]
	if !exists {
		return nil, false, entities.NewNotFound("mandate", id)
	}
	if observationID != "" && m.DegradedBy(observationID) {
		return &m, false, nil
	}
	if m.Status != entities.MandateActive {
		return &m, false, nil
	}
	if m.Mode == entities.ModeTeaching {
		return &m, false, nil
	}

	from := m.Mode
	m.Mode = from.Degraded()
	m.Degrades = append(append([]entities.DegradeRecord(nil), m.Degrades...), entities.DegradeRecord{
		ObservationID: observationID,
		FromMode:      from,
		ToMode:        m.Mode,
		DegradedAt:    now.UTC(),
	})

	if err := r.write(id, m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// RecordReviewFlag marks the mandate as needing human review for an
// observation without changing its status or mode. Re-applying the same
// observation is a no-op.
func (r *MandateRepo) RecordReviewFlag(ctx context.Context, id, observationID, reason string, now time.Time) (*entities.AutonomyMandate, bool, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer r.lock.release()

	m, exists := r.data[id]
	if !exists {
		return nil, false, entities.NewNotFound("mandate", id)
	}
	if observationID != "" && m.FlaggedBy(observationID) {
		return &m, false, nil
	}

	m.ReviewFlags = append(append([]entities.ReviewFlag(nil), m.ReviewFlags...), entities.ReviewFlag{
		ObservationID: observationID,
		Reason:        reason,
		FlaggedAt:     now.UTC(),
	})

	if err := r.write(id, m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// RecordResumption lifts a suspension. Non-suspended mandates are a no-op.
// The triggering observation id is kept so the same observation cannot
// re-suspend after a human has reviewed and resumed.
func (r *MandateRepo) RecordResumption(ctx context.Context, id, actor, reason string, now time.Time) (*entities.AutonomyMandate, bool, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer r.lock.release()

	m, exists := r.data[id]
	if !exists {
		return nil, false, entities.NewNotFound("mandate", id)
	}
	if m.Status != entities.MandateSuspended {
		return &m, false, nil
	}

	stamp := now.UTC()
	m.Status = entities.MandateActive
	m.SuspendedAt = nil
	m.SuspendReason = ""
	m.ResumedAt = &stamp
	m.ResumedBy = actor
	m.ResumeReason = reason

	if err := r.write(id, m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// write persists the mutated mandate; callers hold the write lock.
func (r *MandateRepo) write(id string, m entities.AutonomyMandate) error {
	next := r.snapshot()
	next[id] = m
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

func (r *MandateRepo) snapshot() map[string]entities.AutonomyMandate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]entities.AutonomyMandate, len(r.data)+1)
	for k, v := range r.data {
		next[k] = v
	}
	return next
}

func (r *MandateRepo) commit(next map[string]entities.AutonomyMandate) {
	r.mu.Lock()
	r.data = next
	r.mu.Unlock()
}
