package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
)

// ErrTenantNotFound is returned when a tenant key has not been registered.
var ErrTenantNotFound = errors.New("service: tenant not known")

// Resources bundles everything the core holds per tenant: the storage handle
// and the app-scoped keyring. Tenants under one app that share a backend DSN
// also share the Store instance, so maintenance work can be deduplicated by
// pointer identity.
type Resources struct {
	Key   domain.TenantKey
	Store store.Store
	Keys  *Keyring
}

// ResourceFactory constructs the resource bundle for a tenant key. It is
// called at most once per key while the key is registered.
type ResourceFactory func(key domain.TenantKey) (*Resources, error)

// Registry maps tenant keys to their resource bundles. It is the single
// authority on which tenants exist; every tenant-scoped operation starts with
// a registry lookup.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[domain.TenantKey]*Resources
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		entries: make(map[domain.TenantKey]*Resources),
	}
}

// Get returns the resources for a tenant key, or ErrTenantNotFound.
func (r *Registry) Get(key domain.TenantKey) (*Resources, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, key)
	}
	return res, nil
}

// Set registers a tenant, constructing its resources through factory. If the
// key is already registered the existing bundle is returned and the factory
// is not called. A factory error leaves the key absent, so registration can
// be retried.
func (r *Registry) Set(key domain.TenantKey, factory ResourceFactory) (*Resources, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.entries[key]; ok {
		return res, nil
	}

	res, err := factory(key)
	if err != nil {
		return nil, fmt.Errorf("construct tenant resources for %s: %w", key, err)
	}
	if res == nil || res.Store == nil {
		return nil, fmt.Errorf("construct tenant resources for %s: factory returned no storage", key)
	}
	res.Key = key

	r.entries[key] = res
	r.log.Info("tenant registered", "tenant", key.String())
	return res, nil
}

// Remove unregisters a tenant and closes its storage handle, unless another
// registered tenant still shares the same Store instance. Removing an absent
// key is a no-op.
func (r *Registry) Remove(key domain.TenantKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)

	for _, other := range r.entries {
		if other.Store == res.Store {
			r.log.Info("tenant removed, storage retained by peer", "tenant", key.String())
			return nil
		}
	}

	r.log.Info("tenant removed", "tenant", key.String())
	if err := res.Store.Close(); err != nil {
		return fmt.Errorf("close storage for %s: %w", key, err)
	}
	return nil
}

// List returns a snapshot of all registered tenant keys.
func (r *Registry) List() []domain.TenantKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]domain.TenantKey, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	return keys
}

// ListApp returns a snapshot of the registered tenant keys under one app.
func (r *Registry) ListApp(appID string) []domain.TenantKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []domain.TenantKey
	for key := range r.entries {
		if key.AppID == appID {
			keys = append(keys, key)
		}
	}
	return keys
}

// Bundles returns a snapshot of all registered resource bundles. The
// scheduler fans maintenance work out over this.
func (r *Registry) Bundles() []*Resources {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Resources, 0, len(r.entries))
	for _, res := range r.entries {
		out = append(out, res)
	}
	return out
}
