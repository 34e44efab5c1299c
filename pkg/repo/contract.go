package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

const contractsFile = "contracts.json"

// ContractRepo stores contracts, the only artifact that leaves the system.
// Contracts are immutable after issuance.
type ContractRepo struct {
	path string
	lock *writeLock

	mu   sync.RWMutex
	data map[string]entities.Contract
}

// NewContractRepo loads or initializes the repository under dir.
func NewContractRepo(dir string) (*ContractRepo, error) {
	r := &ContractRepo{
		path: filepath.Join(dir, contractsFile),
		lock: newWriteLock(),
		data: make(map[string]entities.Contract),
	}
	if err := loadJSON(r.path, &r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists a contract. One contract exists per decision.
func (r *ContractRepo) Create(ctx context.Context, c entities.Contract) error {
	if c.ID == "" {
		return fmt.Errorf("contract id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if _, exists := r.data[c.ID]; exists {
		return fmt.Errorf("%w: contract %s", ErrDuplicateID, c.ID)
	}
	for _, existing := range r.data {
		if existing.DecisionID == c.DecisionID {
			return entities.NewStateError("contract", existing.ID,
				"exists for decision "+c.DecisionID, "create")
		}
	}

	next := r.snapshot()
	next[c.ID] = c
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

// GetByID returns a copy of the contract.
func (r *ContractRepo) GetByID(ctx context.Context, id string) (*entities.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("contract", id)
	}
	return &c, nil
}

// ByEpisodeID returns the contract issued under the episode.
func (r *ContractRepo) ByEpisodeID(ctx context.Context, episodeID string) (*entities.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.data {
		if c.EpisodeID == episodeID {
			out := c
			return &out, nil
		}
	}
	return nil, entities.NewNotFound("contract", "episode:"+episodeID)
}

// ByIssuedTo returns the contracts issued to one holder, issuance order.
func (r *ContractRepo) ByIssuedTo(ctx context.Context, issuedTo string) ([]entities.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entities.Contract
	for _, c := range r.data {
		if c.IssuedTo == issuedTo {
			out = append(out, c)
		}
	}
	sortContracts(out)
	return out, nil
}

// List returns all contracts in issuance order.
func (r *ContractRepo) List(ctx context.Context) ([]entities.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.Contract, 0, len(r.data))
	for _, c := range r.data {
		out = append(out, c)
	}
	sortContracts(out)
	return out, nil
}

func sortContracts(out []entities.Contract) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (r *ContractRepo) snapshot() map[string]entities.Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]entities.Contract, len(r.data)+1)
	for k, v := range r.data {
		next[k] = v
	}
	return next
}

func (r *ContractRepo) commit(next map[string]entities.Contract) {
	r.mu.Lock()
	r.data = next
	r.mu.Unlock()
}
