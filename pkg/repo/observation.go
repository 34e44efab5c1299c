package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

const observationsFile = "observations.json"

// ObservationRepo stores consequence observations. Observations are
// append-only; a contract may accumulate several over time.
type ObservationRepo struct {
	path string
	lock *writeLock

	mu   sync.RWMutex
	data map[string]entities.ConsequenceObservation
}

// NewObservationRepo loads or initializes the repository under dir.
func NewObservationRepo(dir string) (*ObservationRepo, error) {
	r := &ObservationRepo{
		path: filepath.Join(dir, observationsFile),
		lock: newWriteLock(),
		data: make(map[string]entities.ConsequenceObservation),
	}
	if err := loadJSON(r.path, &r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists an observation.
func (r *ObservationRepo) Create(ctx context.Context, o entities.ConsequenceObservation) error {
	if o.ID == "" {
		return fmt.Errorf("observation id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if _, exists := r.data[o.ID]; exists {
		return fmt.Errorf("%w: observation %s", ErrDuplicateID, o.ID)
	}

	next := r.snapshot()
	next[o.ID] = o
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

// GetByID returns a copy of the observation.
func (r *ObservationRepo) GetByID(ctx context.Context, id string) (*entities.ConsequenceObservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("observation", id)
	}
	return &o, nil
}

// ByContractID returns the observations recorded against a contract in
// registration order.
func (r *ObservationRepo) ByContractID(ctx context.Context, contractID string) ([]entities.ConsequenceObservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entities.ConsequenceObservation
	for _, o := range r.data {
		if o.ContractID == contractID {
			out = append(out, o)
		}
	}
	sortObservations(out)
	return out, nil
}

// List returns all observations in registration order.
func (r *ObservationRepo) List(ctx context.Context) ([]entities.ConsequenceObservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.ConsequenceObservation, 0, len(r.data))
	for _, o := range r.data {
		out = append(out, o)
	}
	sortObservations(out)
	return out, nil
}

func sortObservations(out []entities.ConsequenceObservation) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (r *ObservationRepo) snapshot() map[string]entities.ConsequenceObservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]entities.ConsequenceObservation, len(r.data)+1)
	for k, v := range r.data {
		next[k] = v
	}
	return next
}

func (r *ObservationRepo) commit(next map[string]entities.ConsequenceObservation) {
	r.mu.Lock()
	r.data = next
	r.mu.Unlock()
}
