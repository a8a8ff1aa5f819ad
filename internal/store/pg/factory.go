package pg

import (
	"database/sql"
	"fmt"

	"github.com/agentim/agentim/internal/store"
)

// NewStores creates all stores backed by Postgres (managed mode). The
// returned *sql.DB is shared by every store and by the LISTEN/NOTIFY
// revocation bus; the caller owns its lifetime.
func NewStores(cfg store.Config) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pg stores: %w", err)
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
