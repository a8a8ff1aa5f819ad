package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentim/agentim/internal/store"
)

// AgentStore implements store.AgentStore backed by Postgres. Agent
// names are unique per owning user (partial unique index).
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   gateway_id = $3, name = $4, type = $5, working_dir = $6,
		   capabilities = $7, status = $8, last_online_at = $9`,
		a.ID, a.UserID, a.GatewayID, a.Name, a.Type, a.WorkingDir,
		pq.Array(a.Capabilities), a.Status, a.LastOnlineAt, a.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrDuplicateName
	}
	return err
}

const agentCols = `id, user_id, gateway_id, name, type, working_dir, capabilities, status, last_online_at, created_at`

func (s *AgentStore) Get(ctx context.Context, id string) (*store.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
}

func (s *AgentStore) GetByName(ctx context.Context, userID, name string) (*store.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE user_id = $1 AND LOWER(name) = LOWER($2)`, userID, name))
}

func (s *AgentStore) ListByUser(ctx context.Context, userID string) ([]*store.Agent, error) {
	return s.list(ctx, `SELECT `+agentCols+` FROM agents WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *AgentStore) ListByGateway(ctx context.Context, gatewayID string) ([]*store.Agent, error) {
	return s.list(ctx, `SELECT `+agentCols+` FROM agents WHERE gateway_id = $1 ORDER BY created_at`, gatewayID)
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
		`UPDATE agents SET status = $2, last_online_at = $3 WHERE id = $1`, id, status, at.UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *AgentStore) Rename(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateName
		}
		return err
	}
	return requireRow(res)
}

func (s *AgentStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return err
}

func (s *AgentStore) DeleteOfflineBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE status = $1 AND last_online_at < $2`,
		"offline", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanAgent(row rowScanner) (*store.Agent, error) {
	var a store.Agent
	var caps pq.StringArray
	err := row.Scan(&a.ID, &a.UserID, &a.GatewayID, &a.Name, &a.Type, &a.WorkingDir,
		&caps, &a.Status, &a.LastOnlineAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Capabilities = caps
	return &a, nil
}
