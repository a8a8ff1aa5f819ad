package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
)

// SettingStore implements store.SettingStore on SQLite.
type SettingStore struct {
	db *sql.DB
}

func NewSettingStore(db *sql.DB) *SettingStore {
	return &SettingStore{db: db}
}

func (s *SettingStore) Get(ctx context.Context, key string) (*store.Setting, error) {
	var row store.Setting
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, sensitive, updated_at FROM settings WHERE key = ?`, key,
	).Scan(&row.Key, &row.Value, &row.Sensitive, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SettingStore) Set(ctx context.Context, row *store.Setting) error {
	row.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, sensitive, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, sensitive = excluded.sensitive, updated_at = excluded.updated_at`,
		row.Key, row.Value, row.Sensitive, row.UpdatedAt,
	)
	return err
}

func (s *SettingStore) All(ctx context.Context) ([]*store.Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, sensitive, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Setting
	for rows.Next() {
		var row store.Setting
		if err := rows.Scan(&row.Key, &row.Value, &row.Sensitive, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

// RevocationStore implements store.RevocationStore on SQLite.
type RevocationStore struct {
	db *sql.DB
}

func NewRevocationStore(db *sql.DB) *RevocationStore {
	return &RevocationStore{db: db}
}

func (s *RevocationStore) Upsert(ctx context.Context, r *store.Revocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_revocations (user_id, revoked_at_ms, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   revoked_at_ms = MAX(token_revocations.revoked_at_ms, excluded.revoked_at_ms),
		   expires_at = excluded.expires_at`,
		r.UserID, r.RevokedAtMs, r.ExpiresAt.UTC(),
	)
	return err
}

func (s *RevocationStore) Get(ctx context.Context, userID string) (*store.Revocation, error) {
	var r store.Revocation
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, revoked_at_ms, expires_at FROM token_revocations WHERE user_id = ?`, userID,
	).Scan(&r.UserID, &r.RevokedAtMs, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RevocationStore) Active(ctx context.Context, now time.Time) ([]*store.Revocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, revoked_at_ms, expires_at FROM token_revocations WHERE expires_at >= ?`,
		now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Revocation
	for rows.Next() {
		var r store.Revocation
		if err := rows.Scan(&r.UserID, &r.RevokedAtMs, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *RevocationStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_revocations WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TokenStore implements store.TokenStore on SQLite.
type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) Save(ctx context.Context, t *store.RefreshToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt.UTC(), t.CreatedAt,
	)
	return err
}

func (s *TokenStore) GetByHash(ctx context.Context, hash string) (*store.RefreshToken, error) {
	var t store.RefreshToken
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at FROM refresh_tokens WHERE token_hash = ?`, hash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TokenStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, id)
	return err
}

func (s *TokenStore) DeleteForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?`, userID)
	return err
}

func (s *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UploadStore implements store.UploadStore on SQLite.
type UploadStore struct {
	db *sql.DB
}

func NewUploadStore(db *sql.DB) *UploadStore {
	return &UploadStore{db: db}
}

func (s *UploadStore) Insert(ctx context.Context, u *store.Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, user_id, name, content_type, size, path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.UserID, u.Name, u.ContentType, u.Size, u.Path, u.CreatedAt,
	)
	return err
}

func (s *UploadStore) Get(ctx context.Context, id string) (*store.Upload, error) {
	var u store.Upload
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, content_type, size, path, created_at FROM uploads WHERE id = ?`, id,
	).Scan(&u.ID, &u.UserID, &u.Name, &u.ContentType, &u.Size, &u.Path, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteBefore removes upload rows older than the cutoff that no message
// references, returning their disk paths so the caller can unlink the
// blobs. Attachments are stored as a JSON array of uuids, so the
// reference check is a substring match.
func (s *UploadStore) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path FROM uploads
		 WHERE created_at < ?
		   AND NOT EXISTS (SELECT 1 FROM messages WHERE messages.attachments LIKE '%' || uploads.id || '%')`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids, paths []string
	for rows.Next() {
		var id, p string
		if err := rows.Scan(&id, &p); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id); err != nil {
			return paths, err
		}
	}
	return paths, nil
}
