package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
)

// UploadStore implements store.UploadStore backed by Postgres.
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
		`INSERT INTO uploads (id, user_id, name, content_type, size, path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.UserID, u.Name, u.ContentType, u.Size, u.Path, u.CreatedAt,
	)
	return err
}

func (s *UploadStore) Get(ctx context.Context, id string) (*store.Upload, error) {
	var u store.Upload
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, content_type, size, path, created_at FROM uploads WHERE id = $1`, id,
	).Scan(&u.ID, &u.UserID, &u.Name, &u.ContentType, &u.Size, &u.Path, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteBefore removes upload rows older than the cutoff that no
// message references, returning their disk paths so the caller can
// unlink the blobs.
func (s *UploadStore) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM uploads
		 WHERE created_at < $1
		   AND NOT EXISTS (SELECT 1 FROM messages WHERE uploads.id = ANY(messages.attachments))
		 RETURNING path`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
