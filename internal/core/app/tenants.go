package app

import (
	"context"

	"github.com/keywarden/keywarden/internal/core/domain"
)

// TenantConfig declares one tenant and the storage backing it.
type TenantConfig struct {
	ConnectionURIDomain string
	AppID               string
	TenantID            string

	// DSN selects the storage backend: "memory" for the in-process store,
	// anything else is a sqlite database file path.
	DSN string
}

// Key returns the registry key this tenant is addressed by.
func (t TenantConfig) Key() domain.TenantKey {
	return domain.TenantKey{
		ConnectionURIDomain: t.ConnectionURIDomain,
		AppID:               t.AppID,
		TenantID:            t.TenantID,
	}
}

// TenantConfigSource provides the declared tenant set. Reload diffs it
// against the registry, so a source backed by an external control plane turns
// tenant changes into registry changes without restarts.
type TenantConfigSource interface {
	Tenants(ctx context.Context) ([]TenantConfig, error)
}

// StaticSource is a fixed tenant list, the default for single-backend
// deployments.
type StaticSource []TenantConfig

func (s StaticSource) Tenants(ctx context.Context) ([]TenantConfig, error) {
	return []TenantConfig(s), nil
}

// DefaultTenantSource declares the default tenant of the default app backed
// by the configured database.
func DefaultTenantSource(cfg Config) StaticSource {
	return StaticSource{{DSN: cfg.DatabaseFile}}
}
