package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
)

// AgentStore implements store.AgentStore on SQLite.
type AgentStore struct {
	db *sql.DB
}

func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

func (s *AgentStore) Upsert(ctx context.Context, a *store.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastOnlineAt.IsZero() {
		a.LastOnlineAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, gateway_id, name, type, working_dir, capabilities, status, last_online_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   gateway_id = excluded.gateway_id, name = excluded.name, type = excluded.type,
		   working_dir = excluded.working_dir, capabilities = excluded.capabilities,
		   status = excluded.status, last_online_at = excluded.last_online_at`,
		a.ID, a.UserID, a.GatewayID, a.Name, a.Type, a.WorkingDir,
		encodeStrings(a.Capabilities), a.Status, a.LastOnlineAt, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateName
	}
	return err
}

const agentCols = `id, user_id, gateway_id, name, type, working_dir, capabilities, status, last_online_at, created_at`

func (s *AgentStore) Get(ctx context.Context, id string) (*store.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = ?`, id))
}

func (s *AgentStore) GetByName(ctx context.Context, userID, name string) (*store.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE user_id = ? AND LOWER(name) = LOWER(?)`, userID, name))
}

func (s *AgentStore) ListByUser(ctx context.Context, userID string) ([]*store.Agent, error) {
	return s.list(ctx, `SELECT `+agentCols+` FROM agents WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *AgentStore) ListByGateway(ctx context.Context, gatewayID string) ([]*store.Agent, error) {
	return s.list(ctx, `SELECT `+agentCols+` FROM agents WHERE gateway_id = ? ORDER BY created_at`, gatewayID)
}

func (s *AgentStore) list(ctx context.Context, query string, arg any) ([]*store.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AgentStore) UpdateStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_online_at = ? WHERE id = ?`, status, at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *AgentStore) Rename(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateName
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *AgentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE member_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return err
}

func (s *AgentStore) DeleteOfflineBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE status = ? AND last_online_at < ?`, "offline", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanAgent(row rowScanner) (*store.Agent, error) {
	var a store.Agent
	var caps string
	err := row.Scan(&a.ID, &a.UserID, &a.GatewayID, &a.Name, &a.Type, &a.WorkingDir,
		&caps, &a.Status, &a.LastOnlineAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Capabilities = decodeStrings(caps)
	return &a, nil
}
