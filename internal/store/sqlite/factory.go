package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/agentim/agentim/internal/store"
)

// NewStores creates all stores backed by a single SQLite database
// (standalone mode).
func NewStores(cfg store.Config) (*store.Stores, *sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = ":memory:"
	}
	db, err := Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite stores: %w", err)
	}
	return &store.Stores{
		Users:       NewUserStore(db),
		Rooms:       NewRoomStore(db),
		Messages:    NewMessageStore(db),
		Agents:      NewAgentStore(db),
		Settings:    NewSettingStore(db),
		Revocations: NewRevocationStore(db),
		Tokens:      NewTokenStore(db),
		Uploads:     NewUploadStore(db),
	}, db, nil
}
