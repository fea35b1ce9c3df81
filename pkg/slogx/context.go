package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithTenant attaches the tenant identity to the context logger so every
// log line emitted below a tenant boundary carries it.
func WithTenant(ctx context.Context, appID, tenantID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("app_id", appID, "tenant_id", tenantID))
}
