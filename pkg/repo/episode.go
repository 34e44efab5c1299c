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

const episodesFile = "episodes.json"

// EpisodeRepo stores episodes. The only mutation is the forward state move.
type EpisodeRepo struct {
	path string
	lock *writeLock

	mu   sync.RWMutex
	data map[string]entities.Episode
}

// NewEpisodeRepo loads or initializes the repository under dir.
func NewEpisodeRepo(dir string) (*EpisodeRepo, error) {
	r := &EpisodeRepo{
		path: filepath.Join(dir, episodesFile),
		lock: newWriteLock(),
		data: make(map[string]entities.Episode),
	}
	if err := loadJSON(r.path, &r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists a fully formed episode. At most one episode may reference
// a given situation.
func (r *EpisodeRepo) Create(ctx context.Context, e entities.Episode) error {
	if e.ID == "" {
		return fmt.Errorf("episode id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if _, exists := r.data[e.ID]; exists {
		return fmt.Errorf("%w: episode %s", ErrDuplicateID, e.ID)
	}
	for _, existing := range r.data {
		if existing.ReferencedSituationID == e.ReferencedSituationID {
			return entities.NewStateError("episode", existing.ID,
				"exists for situation "+e.ReferencedSituationID, "create")
		}
	}

	next := r.snapshot()
	next[e.ID] = e
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

// GetByID returns a copy of the episode.
func (r *EpisodeRepo) GetByID(ctx context.Context, id string) (*entities.Episode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("episode", id)
	}
	return &e, nil
}

// BySituationID returns the single episode referencing the situation.
func (r *EpisodeRepo) BySituationID(ctx context.Context, situationID string) (*entities.Episode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.data {
		if e.ReferencedSituationID == situationID {
			out := e
			return &out, nil
		}
	}
	return nil, entities.NewNotFound("episode", "situation:"+situationID)
}

// EpisodeFilter narrows List results. Zero fields match everything.
type EpisodeFilter struct {
	State  entities.EpisodeState
	Domain string
}

func (f EpisodeFilter) matches(e *entities.Episode) bool {
	if f.State != "" && e.State != f.State {
		return false
	}
	if f.Domain != "" && e.Domain != f.Domain {
		return false
	}
	return true
}

// List returns matching episodes ordered by creation time, then id.
func (r *EpisodeRepo) List(ctx context.Context, f EpisodeFilter) ([]entities.Episode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.Episode, 0, len(r.data))
	for _, e := range r.data {
		if f.matches(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AdvanceState moves the episode forward, stamping the transition time on
// the matching milestone field.
func (r *EpisodeRepo) AdvanceState(ctx context.Context, id string, to entities.EpisodeState, at time.Time) (*entities.Episode, error) {
	if err := r.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.lock.release()

	e, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("episode", id)
	}
	if !e.State.CanAdvanceTo(to) {
		return nil, entities.NewStateError("episode", id, string(e.State), string(to))
	}

	e.State = to
	stamp := at.UTC()
	switch to {
	case entities.EpisodeDecided:
		e.DecidedAt = &stamp
	case entities.EpisodeUnderObservation:
		e.ObservationStartedAt = &stamp
	case entities.EpisodeClosed:
		e.ClosedAt = &stamp
	}

	next := r.snapshot()
	next[id] = e
	if err := atomicWriteJSON(r.path, next); err != nil {
		return nil, err
	}
	r.commit(next)
	return &e, nil
}

func (r *EpisodeRepo) snapshot() map[string]entities.Episode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]entities.Episode, len(r.data)+1)
	for k, v := range r.data {
		next[k] = v
	}
	return next
}

func (r *EpisodeRepo) commit(next map[string]entities.Episode) {
	r.mu.Lock()
	r.data = next
	r.mu.Unlock()
}
