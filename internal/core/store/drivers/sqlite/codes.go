package sqlite

import (
	"context"
	"time"

	"github.com/keywarden/keywarden/internal/core/domain"
)

type codesRepo struct {
	db dbtx
}

func (r *codesRepo) CreateCode(ctx context.Context, c domain.ShortLivedCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO short_lived_codes (id, tenant_id, app_id, kind, code_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.AppID, c.Kind, c.CodeHash, c.CreatedAt, c.ExpiresAt,
	)
	return mapError(err)
}

func (r *codesRepo) ConsumeCode(ctx context.Context, codeHash string) (domain.ShortLivedCode, error) {
	row := r.db.QueryRowContext(ctx, `
		DELETE FROM short_lived_codes WHERE code_hash = ?
		RETURNING id, tenant_id, app_id, kind, code_hash, created_at, expires_at`, codeHash)

	var c domain.ShortLivedCode
	err := row.Scan(&c.ID, &c.TenantID, &c.AppID, &c.Kind, &c.CodeHash, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return domain.ShortLivedCode{}, mapError(err)
	}
	return c, nil
}

func (r *codesRepo) DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM short_lived_codes WHERE expires_at < ?`, before)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
