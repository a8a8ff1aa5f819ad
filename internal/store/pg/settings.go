package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentim/agentim/internal/store"
)

// SettingStore implements store.SettingStore backed by Postgres.
type SettingStore struct {
	db *sql.DB
}

func NewSettingStore(db *sql.DB) *SettingStore {
	return &SettingStore{db: db}
}

func (s *SettingStore) Get(ctx context.Context, key string) (*store.Setting, error) {
	var row store.Setting
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, sensitive, updated_at FROM settings WHERE key = $1`, key,
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
		`INSERT INTO settings (key, value, sensitive, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = $2, sensitive = $3, updated_at = $4`,
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
