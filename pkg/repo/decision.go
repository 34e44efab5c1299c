package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

const decisionsFile = "decisions.json"

// DecisionRepo stores decisions. Decisions are immutable after creation.
type DecisionRepo struct {
	path string
	lock *writeLock

	mu   sync.RWMutex
	data map[string]entities.Decision
}

// NewDecisionRepo loads or initializes the repository under dir.
func NewDecisionRepo(dir string) (*DecisionRepo, error) {
	r := &DecisionRepo{
		path: filepath.Join(dir, decisionsFile),
		lock: newWriteLock(),
		data: make(map[string]entities.Decision),
	}
	if err := loadJSON(r.path, &r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists a decision.
func (r *DecisionRepo) Create(ctx context.Context, d entities.Decision) error {
	if d.ID == "" {
		return fmt.Errorf("decision id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if _, exists := r.data[d.ID]; exists {
		return fmt.Errorf("%w: decision %s", ErrDuplicateID, d.ID)
	}

	next := r.snapshot()
	next[d.ID] = d
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

// GetByID returns a copy of the decision.
func (r *DecisionRepo) GetByID(ctx context.Context, id string) (*entities.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("decision", id)
	}
	return &d, nil
}

// ByEpisodeID returns the decision bound to the episode.
func (r *DecisionRepo) ByEpisodeID(ctx context.Context, episodeID string) (*entities.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.data {
		if d.EpisodeID == episodeID {
			out := d
			return &out, nil
		}
	}
	return nil, entities.NewNotFound("decision", "episode:"+episodeID)
}

// List returns all decisions ordered by decision time, then id.
func (r *DecisionRepo) List(ctx context.Context) ([]entities.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.Decision, 0, len(r.data))
	for _, d := range r.data {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DecidedAt.Equal(out[j].DecidedAt) {
			return out[i].DecidedAt.Before(out[j].DecidedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *DecisionRepo) snapshot() map[string]entities.Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]entities.Decision, len(r.data)+1)
	for k, v := range r.data {
		next[k] = v
	}
	return next
}

func (r *DecisionRepo) commit(next map[string]entities.Decision) {
	r.mu.Lock()
	r.data = next
	r.mu.Unlock()
}
