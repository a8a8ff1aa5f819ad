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

// MessageStore implements store.MessageStore backed by Postgres.
// Attachments and mentions are text[] columns; the chunk replay log is
// jsonb.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Insert(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	chunks := m.Chunks
	if len(chunks) == 0 {
		chunks = nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_type, sender_name, content,
		   attachments, mentions, reply_to, conversation_id, depth, chunks, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)`,
		m.ID, m.RoomID, m.SenderID, m.SenderType, m.SenderName, m.Content,
		pq.Array(m.Attachments), pq.Array(m.Mentions), m.ReplyTo, m.ConversationID,
		m.Depth, chunks, m.CreatedAt,
	)
	return err
}

func (s *MessageStore) SetConversation(ctx context.Context, id, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET conversation_id = NULLIF($1, '') WHERE id = $2`, conversationID, id)
	return err
}

const messageCols = `id, room_id, sender_id, sender_type, sender_name, content,
	attachments, mentions, COALESCE(reply_to, ''), COALESCE(conversation_id, ''), depth, chunks, created_at`

func (s *MessageStore) Get(ctx context.Context, id string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *MessageStore) ListRecent(ctx context.Context, roomID string, limit int) ([]*store.Message, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *MessageStore) ListBefore(ctx context.Context, roomID, beforeID string, limit int) ([]*store.Message, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE room_id = $1
		   AND created_at < (SELECT created_at FROM messages WHERE id = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`, roomID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var attachments, mentions pq.StringArray
	var chunks []byte
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderType, &m.SenderName, &m.Content,
		&attachments, &mentions, &m.ReplyTo, &m.ConversationID, &m.Depth, &chunks, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Attachments = attachments
	m.Mentions = mentions
	m.Chunks = chunks
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*store.Message, error) {
	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		limit = 20
	}
	if limit > store.RecentMessagesHardMax {
		limit = store.RecentMessagesHardMax
	}
	return limit
}

func reverse(msgs []*store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
