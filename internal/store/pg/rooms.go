package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
)

// RoomStore implements store.RoomStore backed by Postgres.
type RoomStore struct {
	db *sql.DB
}

func NewRoomStore(db *sql.DB) *RoomStore {
	return &RoomStore{db: db}
}

func (s *RoomStore) Create(ctx context.Context, r *store.Room) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, broadcast_mode, system_prompt, router_url, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Name, r.BroadcastMode, r.SystemPrompt, r.RouterURL, r.CreatedBy, now, now,
	)
	return err
}

func (s *RoomStore) Get(ctx context.Context, id string) (*store.Room, error) {
	var r store.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, broadcast_mode, system_prompt, router_url, created_by, created_at, updated_at
		 FROM rooms WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name, &r.BroadcastMode, &r.SystemPrompt, &r.RouterURL, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RoomStore) Update(ctx context.Context, r *store.Room) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET name = $2, broadcast_mode = $3, system_prompt = $4, router_url = $5, updated_at = $6
		 WHERE id = $1`,
		r.ID, r.Name, r.BroadcastMode, r.SystemPrompt, r.RouterURL, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *RoomStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	return err
}

func (s *RoomStore) ListForMember(ctx context.Context, memberID string) ([]*store.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.broadcast_mode, r.system_prompt, r.router_url, r.created_by, r.created_at, r.updated_at
		 FROM rooms r JOIN room_members m ON m.room_id = r.id
		 WHERE m.member_id = $1
		 ORDER BY r.updated_at DESC`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Room
	for rows.Next() {
		var r store.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.BroadcastMode, &r.SystemPrompt, &r.RouterURL, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *RoomStore) AddMember(ctx context.Context, m *store.RoomMember) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, member_id, member_type, name, role, notify, pinned, archived, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (room_id, member_id) DO UPDATE SET name = $4, role = $5`,
		m.RoomID, m.MemberID, m.MemberType, m.Name, m.Role, m.Notify, m.Pinned, m.Archived, m.JoinedAt,
	)
	return err
}

func (s *RoomStore) RemoveMember(ctx context.Context, roomID, memberID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND member_id = $2`, roomID, memberID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotMember
	}
	return nil
}

func (s *RoomStore) UpdateMember(ctx context.Context, m *store.RoomMember) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_members SET role = $3, notify = $4, pinned = $5, archived = $6
		 WHERE room_id = $1 AND member_id = $2`,
		m.RoomID, m.MemberID, m.Role, m.Notify, m.Pinned, m.Archived,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotMember
	}
	return nil
}

func (s *RoomStore) RenameMember(ctx context.Context, memberID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE room_members SET name = $2 WHERE member_id = $1`, memberID, name)
	return err
}

func (s *RoomStore) ListMembers(ctx context.Context, roomID string) ([]*store.RoomMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, member_id, member_type, name, role, notify, pinned, archived, joined_at
		 FROM room_members WHERE room_id = $1 ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.RoomMember
	for rows.Next() {
		var m store.RoomMember
		if err := rows.Scan(&m.RoomID, &m.MemberID, &m.MemberType, &m.Name, &m.Role, &m.Notify, &m.Pinned, &m.Archived, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *RoomStore) IsMember(ctx context.Context, roomID, memberID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = $1 AND member_id = $2`, roomID, memberID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *RoomStore) RoomsWithAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM room_members WHERE member_id = $1 AND member_type = $2`,
		agentID, store.MemberAgent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
