package tenancy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status is a tenant's lifecycle state in the registry.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Quotas bound one tenant's resource consumption.
type Quotas struct {
	MaxEvents    int `json:"max_events"`
	MaxStorageMB int `json:"max_storage_mb"`
	RateLimitRPM int `json:"rate_limit_rpm"`
}

// DefaultQuotas returns the quotas a tenant registers with when the caller
// supplies none.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxEvents:    1_000_000,
		MaxStorageMB: 1024,
		RateLimitRPM: 600,
	}
}

// TenantConfig is one registry entry.
type TenantConfig struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Quotas    Quotas          `json:"quotas"`
	Features  map[string]bool `json:"features,omitempty"`
}

// IsActive reports whether the tenant may serve traffic.
func (c *TenantConfig) IsActive() bool { return c.Status == StatusActive }

// Registry is the persistent tenant mapping, stored as one JSON file at
// <base>/config/tenants.json. It is read once at construction; every
// mutation rewrites the file atomically under the registry lock.
type Registry struct {
	path  string
	clock func() time.Time

	mu      sync.RWMutex
	tenants map[string]TenantConfig
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock injects the time source.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// OpenRegistry loads or initializes the registry under base. An unreadable
// registry file is fatal: serving with an unknown tenant set risks
// cross-tenant mistakes.
func OpenRegistry(base string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		path:    filepath.Join(base, "config", "tenants.json"),
		clock:   time.Now,
		tenants: make(map[string]TenantConfig),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	data, err := os.ReadFile(r.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read tenant registry: %w", err)
	default:
		if err := json.Unmarshal(data, &r.tenants); err != nil {
			return nil, fmt.Errorf("decode tenant registry: %w", err)
		}
	}
	return r, nil
}

// Register adds a new active tenant. Zero quotas take the defaults.
func (r *Registry) Register(rawID, name string, quotas Quotas) (*TenantConfig, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return nil, err
	}
	if quotas == (Quotas{}) {
		quotas = DefaultQuotas()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tenants[id]; exists {
		return nil, newError(CodeExists, id, "tenant is already registered")
	}
	now := r.clock().UTC()
	cfg := TenantConfig{
		ID:        id,
		Name:      name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Quotas:    quotas,
	}
	if err := r.save(id, cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the tenant's registry entry.
func (r *Registry) Get(rawID string) (*TenantConfig, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, exists := r.tenants[id]
	if !exists {
		return nil, newError(CodeNotFound, id, "tenant is not registered")
	}
	return &cfg, nil
}

// List returns every entry, deleted ones included, ordered by id.
func (r *Registry) List() []TenantConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TenantConfig, 0, len(r.tenants))
	for _, cfg := range r.tenants {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActive returns the tenants currently allowed to serve traffic.
func (r *Registry) ListActive() []TenantConfig {
	var out []TenantConfig
	for _, cfg := range r.List() {
		if cfg.IsActive() {
			out = append(out, cfg)
		}
	}
	return out
}

// Update applies a mutation to the entry under the registry lock. Deleted
// tenants cannot be updated.
func (r *Registry) Update(rawID string, mutate func(*TenantConfig)) (*TenantConfig, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, exists := r.tenants[id]
	if !exists {
		return nil, newError(CodeNotFound, id, "tenant is not registered")
	}
	if cfg.Status == StatusDeleted {
		return nil, newError(CodeDeleted, id, "tenant is deleted")
	}
	mutate(&cfg)
	cfg.ID = id // the mutation may not rename or resurrect
	cfg.UpdatedAt = r.clock().UTC()
	if err := r.save(id, cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Suspend stops the tenant's traffic without touching its data.
func (r *Registry) Suspend(rawID string) (*TenantConfig, error) {
	return r.setStatus(rawID, StatusSuspended)
}

// Resume reactivates a suspended tenant.
func (r *Registry) Resume(rawID string) (*TenantConfig, error) {
	return r.setStatus(rawID, StatusActive)
}

// Remove soft-deletes the tenant. The entry and its data directory remain
// for audit; only traffic stops, permanently.
func (r *Registry) Remove(rawID string) (*TenantConfig, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, exists := r.tenants[id]
	if !exists {
		return nil, newError(CodeNotFound, id, "tenant is not registered")
	}
	cfg.Status = StatusDeleted
	cfg.UpdatedAt = r.clock().UTC()
	if err := r.save(id, cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Registry) setStatus(rawID string, to Status) (*TenantConfig, error) {
	return r.Update(rawID, func(cfg *TenantConfig) { cfg.Status = to })
}

// save writes the whole mapping atomically with the entry applied. Called
// under the write lock; the in-memory map is only updated once the file is
// durable.
func (r *Registry) save(id string, cfg TenantConfig) error {
	next := make(map[string]TenantConfig, len(r.tenants)+1)
	for k, v := range r.tenants {
		next[k] = v
	}
	next[id] = cfg

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tenant registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write tenant registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("commit tenant registry: %w", err)
	}
	r.tenants = next
	return nil
}
