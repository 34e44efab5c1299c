package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

const situationsFile = "situations.json"

// SituationRepo stores situations. Mutations are limited to attachment
// appends and forward status moves.
type SituationRepo struct {
	path string
	lock *writeLock

	mu   sync.RWMutex
	data map[string]entities.Situation
}

// NewSituationRepo loads or initializes the repository under dir.
func NewSituationRepo(dir string) (*SituationRepo, error) {
	r := &SituationRepo{
		path: filepath.Join(dir, situationsFile),
		lock: newWriteLock(),
		data: make(map[string]entities.Situation),
	}
	if err := loadJSON(r.path, &r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists a fully formed situation. The caller owns id assignment
// and timestamps.
func (r *SituationRepo) Create(ctx context.Context, s entities.Situation) error {
	if s.ID == "" {
		return fmt.Errorf("situation id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if _, exists := r.data[s.ID]; exists {
		return fmt.Errorf("%w: situation %s", ErrDuplicateID, s.ID)
	}

	next := r.snapshot()
	next[s.ID] = s
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

// GetByID returns a copy of the situation.
func (r *SituationRepo) GetByID(ctx context.Context, id string) (*entities.Situation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("situation", id)
	}
	return &s, nil
}

// SituationFilter narrows List results. Zero fields match everything.
type SituationFilter struct {
	Status entities.SituationStatus
	Domain string
}

func (f SituationFilter) matches(s *entities.Situation) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Domain != "" && s.Domain != f.Domain {
		return false
	}
	return true
}

// List returns matching situations ordered by creation time, then id.
func (r *SituationRepo) List(ctx context.Context, f SituationFilter) ([]entities.Situation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.Situation, 0, len(r.data))
	for _, s := range r.data {
		if f.matches(&s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreationTime.Equal(out[j].CreationTime) {
			return out[i].CreationTime.Before(out[j].CreationTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendAttachment adds one analysis attachment. Attachments are
// append-only and their ids must be unique within the situation.
func (r *SituationRepo) AppendAttachment(ctx context.Context, id string, att entities.AnalysisAttachment) (*entities.Situation, error) {
	if att.ID == "" {
		return nil, fmt.Errorf("attachment id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.lock.release()

	s, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("situation", id)
	}
	if _, dup := s.AttachmentByID(att.ID); dup {
		return nil, fmt.Errorf("%w: attachment %s on situation %s", ErrDuplicateID, att.ID, id)
	}

	s.AnalysisAttachments = append(append([]entities.AnalysisAttachment(nil), s.AnalysisAttachments...), att)

	next := r.snapshot()
	next[id] = s
	if err := atomicWriteJSON(r.path, next); err != nil {
		return nil, err
	}
	r.commit(next)
	return &s, nil
}

// AdvanceStatus moves the situation strictly forward through its lifecycle.
// Non-forward moves are rejected with a state error.
func (r *SituationRepo) AdvanceStatus(ctx context.Context, id string, to entities.SituationStatus) (*entities.Situation, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.lock.release()

	s, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("situation", id)
	}
	if !s.Status.CanAdvanceTo(to) {
		return nil, entities.NewStateError("situation", id, string(s.Status), string(to))
	}

	s.Status = to

	next := r.snapshot()
	next[id] = s
	if err := atomicWriteJSON(r.path, next); err != nil {
		return nil, err
	}
	r.commit(next)
	return &s, nil
}

// snapshot copies the committed map so a failed write leaves readers on the
// old state.
func (r *SituationRepo) snapshot() map[string]entities.Situation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]entities.Situation, len(r.data)+1)
	for k, v := range r.data {
		next[k] = v
	}
	return next
}

func (r *SituationRepo) commit(next map[string]entities.Situation) {
	r.mu.Lock()
	r.data = next
	r.mu.Unlock()
}
