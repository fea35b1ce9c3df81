package sqlite

import (
	"context"
	"time"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
)

type sessionsRepo struct {
	db dbtx
}

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.SessionRecord) error {
	userData, err := marshalUserData(s.UserData)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (
			handle, tenant_id, app_id, user_id,
			refresh_token_hash, prev_refresh_token_hash, counter,
			signing_key_id, anti_csrf_token, user_data,
			created_at, rotated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Handle, s.TenantID, s.AppID, s.UserID,
		s.RefreshTokenHash, s.PrevRefreshTokenHash, s.Counter,
		s.SigningKeyID, s.AntiCSRFToken, userData,
		s.CreatedAt, s.RotatedAt, s.ExpiresAt,
	)
	return mapError(err)
}

func (r *sessionsRepo) GetSession(ctx context.Context, handle string) (domain.SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT handle, tenant_id, app_id, user_id,
			refresh_token_hash, prev_refresh_token_hash, counter,
			signing_key_id, anti_csrf_token, user_data,
			created_at, rotated_at, expires_at
		FROM sessions WHERE handle = ?`, handle)

	var s domain.SessionRecord
	var userData string
	err := row.Scan(
		&s.Handle, &s.TenantID, &s.AppID, &s.UserID,
		&s.RefreshTokenHash, &s.PrevRefreshTokenHash, &s.Counter,
		&s.SigningKeyID, &s.AntiCSRFToken, &userData,
		&s.CreatedAt, &s.RotatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return domain.SessionRecord{}, mapError(err)
	}

	if s.UserData, err = unmarshalUserData(userData); err != nil {
		return domain.SessionRecord{}, err
	}
	return s, nil
}

func (r *sessionsRepo) UpdateSessionCAS(ctx context.Context, s domain.SessionRecord, expectedCounter int64) error {
	userData, err := marshalUserData(s.UserData)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			refresh_token_hash = ?, prev_refresh_token_hash = ?, counter = ?,
			signing_key_id = ?, user_data = ?, rotated_at = ?, expires_at = ?
		WHERE handle = ? AND counter = ?`,
		s.RefreshTokenHash, s.PrevRefreshTokenHash, s.Counter,
		s.SigningKeyID, userData, s.RotatedAt, s.ExpiresAt,
		s.Handle, expectedCounter,
	)
	if err != nil {
		return mapError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: the handle is gone, or the counter moved.
	var exists bool
	row := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE handle = ?)`, s.Handle)
	if err := row.Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, handle string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE handle = ?`, handle)
	return mapError(err)
}

func (r *sessionsRepo) DeleteSessionsForUser(ctx context.Context, tenantID, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, before)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
