package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
)

// RevocationStore implements store.RevocationStore backed by Postgres.
// It is the durable layer under the in-memory revocation map.
type RevocationStore struct {
	db *sql.DB
}

func NewRevocationStore(db *sql.DB) *RevocationStore {
	return &RevocationStore{db: db}
}

func (s *RevocationStore) Upsert(ctx context.Context, r *store.Revocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_revocations (user_id, revoked_at_ms, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		   revoked_at_ms = GREATEST(token_revocations.revoked_at_ms, $2), expires_at = $3`,
		r.UserID, r.RevokedAtMs, r.ExpiresAt.UTC(),
	)
	return err
}

func (s *RevocationStore) Get(ctx context.Context, userID string) (*store.Revocation, error) {
	var r store.Revocation
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, revoked_at_ms, expires_at FROM token_revocations WHERE user_id = $1`,
		userID,
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
		`SELECT user_id, revoked_at_ms, expires_at FROM token_revocations WHERE expires_at >= $1`,
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
		`DELETE FROM token_revocations WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TokenStore implements store.TokenStore backed by Postgres.
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
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt.UTC(), t.CreatedAt,
	)
	return err
}

func (s *TokenStore) GetByHash(ctx context.Context, hash string) (*store.RefreshToken, error) {
	var t store.RefreshToken
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at FROM refresh_tokens WHERE token_hash = $1`,
		hash,
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id)
	return err
}

func (s *TokenStore) DeleteForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	return err
}

func (s *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
