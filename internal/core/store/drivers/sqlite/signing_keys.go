package sqlite

import (
	"context"
	"time"

	"github.com/keywarden/keywarden/internal/core/domain"
)

type signingKeysRepo struct {
	db dbtx
}

func (r *signingKeysRepo) CreateSigningKey(ctx context.Context, key domain.SigningKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_keys (id, app_id, kid, algorithm, private_key_encrypted, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.AppID, key.Kid, key.Algorithm, key.PrivateKeyEncrypted, key.CreatedAt, key.ExpiresAt,
	)
	return mapError(err)
}

func (r *signingKeysRepo) InsertSigningKeyIfAbsent(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	// The INSERT..WHERE NOT EXISTS is a single statement, so sqlite's
	// single-writer model makes concurrent bootstraps converge: only the
	// first caller inserts, everyone reads back the same winner.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_keys (id, app_id, kid, algorithm, private_key_encrypted, created_at, expires_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM signing_keys WHERE app_id = ? AND expires_at > ?
		)`,
		key.ID, key.AppID, key.Kid, key.Algorithm, key.PrivateKeyEncrypted, key.CreatedAt, key.ExpiresAt,
		key.AppID, key.CreatedAt,
	)
	if err != nil {
		return domain.SigningKey{}, mapError(err)
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT id, app_id, kid, algorithm, private_key_encrypted, created_at, expires_at
		FROM signing_keys
		WHERE app_id = ? AND expires_at > ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, key.AppID, key.CreatedAt)

	var winner domain.SigningKey
	err = row.Scan(&winner.ID, &winner.AppID, &winner.Kid, &winner.Algorithm,
		&winner.PrivateKeyEncrypted, &winner.CreatedAt, &winner.ExpiresAt)
	if err != nil {
		return domain.SigningKey{}, mapError(err)
	}
	return winner, nil
}

func (r *signingKeysRepo) ListSigningKeys(ctx context.Context, appID string) ([]domain.SigningKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, app_id, kid, algorithm, private_key_encrypted, created_at, expires_at
		FROM signing_keys
		WHERE app_id = ?
		ORDER BY created_at DESC, id DESC`, appID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		var k domain.SigningKey
		if err := rows.Scan(&k.ID, &k.AppID, &k.Kid, &k.Algorithm,
			&k.PrivateKeyEncrypted, &k.CreatedAt, &k.ExpiresAt); err != nil {
			return nil, mapError(err)
		}
		keys = append(keys, k)
	}
	return keys, mapError(rows.Err())
}

func (r *signingKeysRepo) DeleteSigningKeysBefore(ctx context.Context, appID string, before time.Time, keepKid string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM signing_keys
		WHERE app_id = ? AND expires_at < ? AND kid != ?`,
		appID, before, keepKid)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
