package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentim/agentim/internal/store"
)

// MessageStore implements store.MessageStore on SQLite. Attachments
// and mentions are JSON-encoded text columns.
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
	var chunks any
	if len(m.Chunks) > 0 {
		chunks = string(m.Chunks)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_type, sender_name, content,
		   attachments, mentions, reply_to, conversation_id, depth, chunks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.SenderID, m.SenderType, m.SenderName, m.Content,
		encodeStrings(m.Attachments), encodeStrings(m.Mentions), m.ReplyTo, m.ConversationID,
		m.Depth, chunks, m.CreatedAt,
	)
	return err
}

func (s *MessageStore) SetConversation(ctx context.Context, id, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET conversation_id = ? WHERE id = ?`, conversationID, id)
	return err
}

const messageCols = `id, room_id, sender_id, sender_type, sender_name, content,
	attachments, mentions, reply_to, conversation_id, depth, chunks, created_at`

func (s *MessageStore) Get(ctx context.Context, id string) (*store.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *MessageStore) ListRecent(ctx context.Context, roomID string, limit int) ([]*store.Message, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, roomID, limit)
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
		 WHERE room_id = ?
		   AND created_at < (SELECT created_at FROM messages WHERE id = ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`, roomID, beforeID, limit)
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
	var attachments, mentions string
	var chunks sql.NullString
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderType, &m.SenderName, &m.Content,
		&attachments, &mentions, &m.ReplyTo, &m.ConversationID, &m.Depth, &chunks, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Attachments = decodeStrings(attachments)
	m.Mentions = decodeStrings(mentions)
	if chunks.Valid {
		m.Chunks = []byte(chunks.String)
	}
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
