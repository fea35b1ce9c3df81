// Package memory provides an in-process Store implementation. It backs tests
// and zero-config deployments; semantics (error taxonomy, CAS behaviour,
// insert-if-absent bootstrap) match the sqlite driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
)

type dataset struct {
	sessions map[string]domain.SessionRecord // by handle
	keys     map[string]domain.SigningKey    // by kid
	codes    map[string]domain.ShortLivedCode // by code hash
}

func newDataset() *dataset {
	return &dataset{
		sessions: make(map[string]domain.SessionRecord),
		keys:     make(map[string]domain.SigningKey),
		codes:    make(map[string]domain.ShortLivedCode),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.keys {
		c.keys[k] = v
	}
	for k, v := range d.codes {
		c.codes[k] = v
	}
	return c
}

type Store struct {
	mu   sync.Mutex
	data *dataset
}

func NewStore() *Store {
	return &Store{data: newDataset()}
}

func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) ApplyMigrations() error         { return nil }

// Tx locks the store for the duration of the transaction. Rollback restores
// the snapshot taken at begin, so multi-step operations are atomic exactly
// like the sqlite driver's transactions.
func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	return &txStore{s: s, snapshot: s.data.clone()}, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Sessions() store.Sessions       { return &sessionsRepo{s: s, locked: false} }
func (s *Store) SigningKeys() store.SigningKeys { return &signingKeysRepo{s: s, locked: false} }
func (s *Store) Codes() store.Codes             { return &codesRepo{s: s, locked: false} }

type txStore struct {
	s        *Store
	snapshot *dataset
	done     bool
}

func (t *txStore) Commit() error {
	if t.done {
		return store.ErrConflict
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *txStore) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.data = t.snapshot
	t.s.mu.Unlock()
	return nil
}

func (t *txStore) Close() error                   { return nil }
func (t *txStore) Ping(ctx context.Context) error { return nil }
func (t *txStore) ApplyMigrations() error         { return nil }

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	return nil, store.ErrConflict // nested tx not supported
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.ErrConflict // nested tx not supported
}

func (t *txStore) Sessions() store.Sessions       { return &sessionsRepo{s: t.s, locked: true} }
func (t *txStore) SigningKeys() store.SigningKeys { return &signingKeysRepo{s: t.s, locked: true} }
func (t *txStore) Codes() store.Codes             { return &codesRepo{s: t.s, locked: true} }

// lock acquires the store mutex unless the caller already holds it through
// an open transaction.
func lock(s *Store, locked bool) func() {
	if locked {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type sessionsRepo struct {
	s      *Store
	locked bool
}

func (r *sessionsRepo) CreateSession(ctx context.Context, rec domain.SessionRecord) error {
	defer lock(r.s, r.locked)()

	if _, ok := r.s.data.sessions[rec.Handle]; ok {
		return store.ErrConflict
	}
	r.s.data.sessions[rec.Handle] = rec
	return nil
}

func (r *sessionsRepo) GetSession(ctx context.Context, handle string) (domain.SessionRecord, error) {
	defer lock(r.s, r.locked)()

	rec, ok := r.s.data.sessions[handle]
	if !ok {
		return domain.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (r *sessionsRepo) UpdateSessionCAS(ctx context.Context, rec domain.SessionRecord, expectedCounter int64) error {
	defer lock(r.s, r.locked)()

	current, ok := r.s.data.sessions[rec.Handle]
	if !ok {
		return store.ErrNotFound
	}
	if current.Counter != expectedCounter {
		return store.ErrConflict
	}
	r.s.data.sessions[rec.Handle] = rec
	return nil
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, handle string) error {
	defer lock(r.s, r.locked)()

	delete(r.s.data.sessions, handle)
	return nil
}

func (r *sessionsRepo) DeleteSessionsForUser(ctx context.Context, tenantID, userID string) (int64, error) {
	defer lock(r.s, r.locked)()

	var n int64
	for handle, rec := range r.s.data.sessions {
		if rec.TenantID == tenantID && rec.UserID == userID {
			delete(r.s.data.sessions, handle)
			n++
		}
	}
	return n, nil
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	defer lock(r.s, r.locked)()

	var n int64
	for handle, rec := range r.s.data.sessions {
		if rec.ExpiresAt.Before(before) {
			delete(r.s.data.sessions, handle)
			n++
		}
	}
	return n, nil
}

type signingKeysRepo struct {
	s      *Store
	locked bool
}

func (r *signingKeysRepo) CreateSigningKey(ctx context.Context, key domain.SigningKey) error {
	defer lock(r.s, r.locked)()

	if _, ok := r.s.data.keys[key.Kid]; ok {
		return store.ErrConflict
	}
	r.s.data.keys[key.Kid] = key
	return nil
}

func (r *signingKeysRepo) InsertSigningKeyIfAbsent(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	defer lock(r.s, r.locked)()

	if existing, ok := newestValid(r.s.data.keys, key.AppID, key.CreatedAt); ok {
		return existing, nil
	}
	if _, ok := r.s.data.keys[key.Kid]; ok {
		return domain.SigningKey{}, store.ErrConflict
	}
	r.s.data.keys[key.Kid] = key
	return key, nil
}

func (r *signingKeysRepo) ListSigningKeys(ctx context.Context, appID string) ([]domain.SigningKey, error) {
	defer lock(r.s, r.locked)()

	var keys []domain.SigningKey
	for _, k := range r.s.data.keys {
		if k.AppID == appID {
			keys = append(keys, k)
		}
	}
	sortKeysNewestFirst(keys)
	return keys, nil
}

func (r *signingKeysRepo) DeleteSigningKeysBefore(ctx context.Context, appID string, before time.Time, keepKid string) (int64, error) {
	defer lock(r.s, r.locked)()

	var n int64
	for kid, k := range r.s.data.keys {
		if k.AppID == appID && k.ExpiresAt.Before(before) && kid != keepKid {
			delete(r.s.data.keys, kid)
			n++
		}
	}
	return n, nil
}

func newestValid(keys map[string]domain.SigningKey, appID string, now time.Time) (domain.SigningKey, bool) {
	var candidates []domain.SigningKey
	for _, k := range keys {
		if k.AppID == appID && k.ExpiresAt.After(now) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return domain.SigningKey{}, false
	}
	sortKeysNewestFirst(candidates)
	return candidates[0], true
}

func sortKeysNewestFirst(keys []domain.SigningKey) {
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID > keys[j].ID
	})
}

type codesRepo struct {
	s      *Store
	locked bool
}

func (r *codesRepo) CreateCode(ctx context.Context, c domain.ShortLivedCode) error {
	defer lock(r.s, r.locked)()

	if _, ok := r.s.data.codes[c.CodeHash]; ok {
		return store.ErrConflict
	}
	r.s.data.codes[c.CodeHash] = c
	return nil
}

func (r *codesRepo) ConsumeCode(ctx context.Context, codeHash string) (domain.ShortLivedCode, error) {
	defer lock(r.s, r.locked)()

	c, ok := r.s.data.codes[codeHash]
	if !ok {
		return domain.ShortLivedCode{}, store.ErrNotFound
	}
	delete(r.s.data.codes, codeHash)
	return c, nil
}

func (r *codesRepo) DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error) {
	defer lock(r.s, r.locked)()

	var n int64
	for hash, c := range r.s.data.codes {
		if c.ExpiresAt.Before(before) {
			delete(r.s.data.codes, hash)
			n++
		}
	}
	return n, nil
}
