package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/service"
	"github.com/keywarden/keywarden/internal/core/store"
	"github.com/keywarden/keywarden/internal/core/store/drivers/memory"
	"github.com/keywarden/keywarden/internal/core/store/drivers/sqlite"
	"github.com/keywarden/keywarden/pkg/cryptox"
	"github.com/keywarden/keywarden/pkg/slogx"
)

// BuildVersion should be set at build time via ldflags.
const BuildVersion = "v0.1.0"

// Application wires the registry, services and scheduler into a runnable
// daemon. Tenants come from a TenantConfigSource; Reload reconciles the
// registry against it at startup and whenever the operator asks.
type Application struct {
	cfg    Config
	logger *slog.Logger
	source TenantConfigSource

	registry  *service.Registry
	sessions  *service.SessionService
	scheduler *service.Scheduler

	// stores shares one storage handle per DSN, so tenants declared on the
	// same backend end up in one connection pool and one sweep target.
	storesMu sync.Mutex
	stores   map[string]store.Store
	keyrings map[string]*service.Keyring // DSN + app
}

// New creates an Application from config. The tenant source may be nil, in
// which case the default single-tenant deployment is used.
func New(cfg Config, source TenantConfigSource) (*Application, error) {
	logger := slogx.New(slogx.Config{
		Service: "keywarden",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})

	if cfg.MasterKeyPath != "" {
		cryptox.SetMasterKeyPath(cfg.MasterKeyPath)
	}

	keyringCfg := service.KeyringConfig{
		Algorithm:         cfg.Algorithm,
		KeyValidity:       cfg.KeyValidity,
		RotationThreshold: cfg.RotationThreshold,
		AccessTokenTTL:    cfg.AccessTokenTTL,
	}
	if err := keyringCfg.Validate(); err != nil {
		return nil, err
	}

	if source == nil {
		source = DefaultTenantSource(cfg)
	}

	app := &Application{
		cfg:      cfg,
		logger:   logger,
		source:   source,
		registry: service.NewRegistry(logger),
		stores:   make(map[string]store.Store),
		keyrings: make(map[string]*service.Keyring),
	}

	app.sessions = service.NewSessionService(app.registry, service.SessionConfig{
		Issuer:             cfg.Issuer,
		AccessTokenTTL:     cfg.AccessTokenTTL,
		RefreshTokenTTL:    cfg.RefreshTokenTTL,
		RefreshGraceWindow: cfg.RefreshGraceWindow,
		ValidationLeeway:   cfg.ValidationLeeway,
		AntiCSRFMode:       cfg.AntiCSRFMode,
		CheckRevocation:    cfg.CheckRevocation,
	}, logger)

	var limiter *rate.Limiter
	if cfg.SchedulerRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SchedulerRateLimit), 1)
	}
	app.scheduler = service.NewScheduler(app.registry, logger, limiter)
	if err := app.registerTasks(); err != nil {
		return nil, err
	}

	return app, nil
}

// Sessions returns the session lifecycle service for embedding callers.
func (app *Application) Sessions() *service.SessionService { return app.sessions }

// Registry returns the tenant registry for embedding callers.
func (app *Application) Registry() *service.Registry { return app.registry }

// Scheduler returns the maintenance scheduler for embedding callers.
func (app *Application) Scheduler() *service.Scheduler { return app.scheduler }

// Run reconciles the tenant registry, starts maintenance and blocks until a
// shutdown signal arrives.
func (app *Application) Run() error {
	ctx := slogx.WithContext(context.Background(), app.logger)

	if err := app.Reload(ctx); err != nil {
		return err
	}
	app.scheduler.Start()

	app.logger.Info("keywarden started", "version", BuildVersion)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig.String())

	return app.Shutdown()
}

// Shutdown stops maintenance work and closes all storage handles. Waiting
// for in-flight maintenance is bounded by the configured grace period.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down")

	stopped := make(chan struct{})
	go func() {
		app.scheduler.Stop()
		close(stopped)
	}()
	if app.cfg.ShutdownGracePeriod > 0 {
		select {
		case <-stopped:
		case <-time.After(app.cfg.ShutdownGracePeriod):
			app.logger.Warn("grace period elapsed, abandoning in-flight maintenance")
		}
	} else {
		<-stopped
	}

	for _, key := range app.registry.List() {
		if err := app.registry.Remove(key); err != nil {
			app.logger.Error("tenant close failed", "tenant", key.String(), "error", err)
		}
	}
	app.pruneStores()

	app.logger.Info("keywarden stopped")
	return nil
}

// Reload diffs the declared tenant set against the registry: newly declared
// tenants are constructed and registered, vanished ones are removed and their
// storage closed once no peer shares it.
func (app *Application) Reload(ctx context.Context) error {
	declared, err := app.source.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("load tenant configs: %w", err)
	}

	want := make(map[domain.TenantKey]TenantConfig, len(declared))
	for _, tc := range declared {
		want[tc.Key()] = tc
	}

	for key, tc := range want {
		if _, err := app.registry.Set(key, app.factory(tc)); err != nil {
			return err
		}
	}
	for _, key := range app.registry.List() {
		if _, ok := want[key]; ok {
			continue
		}
		if err := app.registry.Remove(key); err != nil {
			app.logger.Error("tenant removal failed", "tenant", key.String(), "error", err)
		}
	}
	app.pruneStores()

	app.logger.Info("tenant registry reconciled", "tenants", len(want))
	return nil
}

// factory builds the resource bundle for one declared tenant, reusing the
// storage handle and app keyring of any tenant already on the same DSN.
func (app *Application) factory(tc TenantConfig) service.ResourceFactory {
	return func(key domain.TenantKey) (*service.Resources, error) {
		app.storesMu.Lock()
		defer app.storesMu.Unlock()

		st, ok := app.stores[tc.DSN]
		if !ok {
			var err error
			if st, err = app.openStore(tc.DSN); err != nil {
				return nil, err
			}
			app.stores[tc.DSN] = st
		}

		ringKey := tc.DSN + "\x00" + key.AppID
		ring, ok := app.keyrings[ringKey]
		if !ok {
			ring = service.NewKeyring(key.AppID, st, service.KeyringConfig{
				Algorithm:         app.cfg.Algorithm,
				KeyValidity:       app.cfg.KeyValidity,
				RotationThreshold: app.cfg.RotationThreshold,
				AccessTokenTTL:    app.cfg.AccessTokenTTL,
			}, app.logger)
			app.keyrings[ringKey] = ring
		}

		return &service.Resources{Store: st, Keys: ring}, nil
	}
}

func (app *Application) openStore(dsn string) (store.Store, error) {
	if dsn == "memory" {
		return memory.NewStore(), nil
	}

	st, err := sqlite.NewStore(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dsn))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dsn, err)
	}
	if err := st.ApplyMigrations(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("apply migrations for %s: %w", dsn, err)
	}
	app.logger.Info("database ready", "dsn", dsn)
	return st, nil
}

// pruneStores drops cached storage handles and keyrings no registered tenant
// references anymore. The registry closed the handles on removal.
func (app *Application) pruneStores() {
	live := make(map[store.Store]struct{})
	for _, res := range app.registry.Bundles() {
		live[res.Store] = struct{}{}
	}

	app.storesMu.Lock()
	defer app.storesMu.Unlock()
	for dsn, st := range app.stores {
		if _, ok := live[st]; !ok {
			delete(app.stores, dsn)
		}
	}
	for key := range app.keyrings {
		dsn, _, _ := strings.Cut(key, "\x00")
		if _, ok := app.stores[dsn]; !ok {
			delete(app.keyrings, key)
		}
	}
}

// registerTasks wires the maintenance tasks into the scheduler.
func (app *Application) registerTasks() error {
	tasks := []service.Task{
		service.ExpiredSessionSweepTask(app.logger, time.Now),
		service.ExpiredCodeSweepTask(app.logger, time.Now),
		service.KeyRotationTask(),
		service.KeyCleanupTask(),
	}
	for _, t := range tasks {
		if err := app.scheduler.Register(t); err != nil {
			return err
		}
	}
	return nil
}
