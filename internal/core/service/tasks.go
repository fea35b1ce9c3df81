package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Maintenance task names, used for scheduler overrides and forced runs.
const (
	TaskExpiredSessions = "expired-session-sweep"
	TaskExpiredCodes    = "expired-code-sweep"
	TaskKeyRotation     = "signing-key-rotation"
	TaskKeyCleanup      = "signing-key-cleanup"
)

// Default maintenance cadence. Sweeps are cheap indexed deletes; rotation
// checks just compare timestamps, so hourly is plenty against a 24h
// rotation threshold.
const (
	defaultSessionSweepInterval = 1 * time.Hour
	defaultCodeSweepInterval    = 15 * time.Minute
	defaultRotationInterval     = 1 * time.Hour
	defaultKeyCleanupInterval   = 12 * time.Hour
)

// ExpiredSessionSweepTask deletes sessions whose refresh lifetime has passed.
// Runs once per storage instance so shared backends are swept once.
func ExpiredSessionSweepTask(log *slog.Logger, now func() time.Time) Task {
	if log == nil {
		log = slog.Default()
	}
	return Task{
		Name:     TaskExpiredSessions,
		Interval: defaultSessionSweepInterval,
		Scope:    ScopePerStorage,
		Run: func(ctx context.Context, t Target) error {
			deleted, err := t.Store.Sessions().DeleteExpiredSessions(ctx, now().UTC())
			if err != nil {
				return fmt.Errorf("sweep expired sessions: %w", err)
			}
			if deleted > 0 {
				log.Info("swept expired sessions", "tenant", t.Key.String(), "deleted", deleted)
			}
			return nil
		},
	}
}

// ExpiredCodeSweepTask deletes short-lived codes past their expiry. Codes
// are minutes-lived, so this runs tighter than the other sweeps.
func ExpiredCodeSweepTask(log *slog.Logger, now func() time.Time) Task {
	if log == nil {
		log = slog.Default()
	}
	return Task{
		Name:     TaskExpiredCodes,
		Interval: defaultCodeSweepInterval,
		Scope:    ScopePerStorage,
		Run: func(ctx context.Context, t Target) error {
			deleted, err := t.Store.Codes().DeleteExpiredCodes(ctx, now().UTC())
			if err != nil {
				return fmt.Errorf("sweep expired codes: %w", err)
			}
			if deleted > 0 {
				log.Info("swept expired codes", "tenant", t.Key.String(), "deleted", deleted)
			}
			return nil
		},
	}
}

// KeyRotationTask rotates each app's signing key once its remaining validity
// drops below the keyring's threshold.
func KeyRotationTask() Task {
	return Task{
		Name:     TaskKeyRotation,
		Interval: defaultRotationInterval,
		Scope:    ScopePerApp,
		Run: func(ctx context.Context, t Target) error {
			if _, err := t.Keys.RotateIfNeeded(ctx); err != nil {
				return fmt.Errorf("rotate signing key: %w", err)
			}
			return nil
		},
	}
}

// KeyCleanupTask deletes signing keys that have been expired longer than any
// token they signed could live.
func KeyCleanupTask() Task {
	return Task{
		Name:     TaskKeyCleanup,
		Interval: defaultKeyCleanupInterval,
		Scope:    ScopePerApp,
		Run: func(ctx context.Context, t Target) error {
			if _, err := t.Keys.CleanExpired(ctx); err != nil {
				return fmt.Errorf("clean expired signing keys: %w", err)
			}
			return nil
		},
	}
}
