package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

const protocolsFile = "protocols.json"

// ProtocolRepo stores decision protocols. Protocols are immutable after
// creation; there are no mutators.
type ProtocolRepo struct {
	path string
	lock *writeLock

	mu   sync.RWMutex
	data map[string]entities.DecisionProtocol
}

// NewProtocolRepo loads or initializes the repository under dir.
func NewProtocolRepo(dir string) (*ProtocolRepo, error) {
	r := &ProtocolRepo{
		path: filepath.Join(dir, protocolsFile),
		lock: newWriteLock(),
		data: make(map[string]entities.DecisionProtocol),
	}
	if err := loadJSON(r.path, &r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// Create persists a protocol. At most one protocol may exist per episode;
// the check and the write share the repository lock so concurrent builders
// cannot both succeed.
func (r *ProtocolRepo) Create(ctx context.Context, p entities.DecisionProtocol) error {
	if p.ID == "" {
		return fmt.Errorf("protocol id is empty")
	}
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	defer r.lock.release()

	if _, exists := r.data[p.ID]; exists {
		return fmt.Errorf("%w: protocol %s", ErrDuplicateID, p.ID)
	}
	for _, existing := range r.data {
		if existing.EpisodeID == p.EpisodeID {
			return entities.NewStateError("protocol", existing.ID,
				"exists for episode "+p.EpisodeID, "create")
		}
	}

	next := r.snapshot()
	next[p.ID] = p
	if err := atomicWriteJSON(r.path, next); err != nil {
		return err
	}
	r.commit(next)
	return nil
}

// GetByID returns a copy of the protocol.
func (r *ProtocolRepo) GetByID(ctx context.Context, id string) (*entities.DecisionProtocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.data[id]
	if !exists {
		return nil, entities.NewNotFound("protocol", id)
	}
	return &p, nil
}

// ByEpisodeID returns the single protocol bound to the episode.
func (r *ProtocolRepo) ByEpisodeID(ctx context.Context, episodeID string) (*entities.DecisionProtocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.data {
		if p.EpisodeID == episodeID {
			out := p
			return &out, nil
		}
	}
	return nil, entities.NewNotFound("protocol", "episode:"+episodeID)
}

// List returns all protocols ordered by validation time, then id.
func (r *ProtocolRepo) List(ctx context.Context) ([]entities.DecisionProtocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.DecisionProtocol, 0, len(r.data))
	for _, p := range r.data {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ValidatedAt.Equal(out[j].ValidatedAt) {
			return out[i].ValidatedAt.Before(out[j].ValidatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *ProtocolRepo) snapshot() map[string]entities.DecisionProtocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make(map[string]entities.DecisionProtocol, len(r.data)+1)
	for k, v := range r.data {
		next[k] = v
	}
	return next
}

func (r *ProtocolRepo) commit(next map[string]entities.DecisionProtocol) {
	r.mu.Lock()
	r.data = next
	r.mu.Unlock()
}
