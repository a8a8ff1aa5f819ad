package pg

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	notifyChannel    = "agentim_revocations"
	notifyMaxBackoff = 30 * time.Second
)

// NotifyBroadcaster fans revocation notices out across broker instances
// using Postgres LISTEN/NOTIFY. Publish goes through the shared pool;
// listening needs a dedicated pgx connection, re-established with backoff
// when it drops.
type NotifyBroadcaster struct {
	db  *sql.DB
	dsn string

	mu       sync.Mutex
	handlers map[string]func([]byte)
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNotifyBroadcaster(db *sql.DB, dsn string) *NotifyBroadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &NotifyBroadcaster{
		db:       db,
		dsn:      dsn,
		handlers: make(map[string]func([]byte)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (b *NotifyBroadcaster) Publish(ctx context.Context, payload []byte) error {
	_, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

func (b *NotifyBroadcaster) Subscribe(id string, handler func([]byte)) {
	b.mu.Lock()
	b.handlers[id] = handler
	start := !b.started
	b.started = true
	b.mu.Unlock()
	if start {
		go b.listen()
	}
}

func (b *NotifyBroadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Close stops the listener goroutine and waits for it to exit.
func (b *NotifyBroadcaster) Close() {
	b.cancel()
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}
}

func (b *NotifyBroadcaster) listen() {
	defer close(b.done)

	backoff := time.Second
	for {
		if b.ctx.Err() != nil {
			return
		}
		conn, err := pgx.Connect(b.ctx, b.dsn)
		if err != nil {
			slog.Warn("revocation listener connect failed", "error", err)
			if !b.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > notifyMaxBackoff {
				backoff = notifyMaxBackoff
			}
			continue
		}
		if _, err := conn.Exec(b.ctx, "LISTEN "+notifyChannel); err != nil {
			conn.Close(context.Background())
			slog.Warn("revocation listener LISTEN failed", "error", err)
			if !b.sleep(backoff) {
				return
			}
			continue
		}
		backoff = time.Second
		slog.Info("revocation listener attached", "channel", notifyChannel)

		for {
			n, err := conn.WaitForNotification(b.ctx)
			if err != nil {
				conn.Close(context.Background())
				if b.ctx.Err() != nil {
					return
				}
				slog.Warn("revocation listener dropped, reconnecting", "error", err)
				break
			}
			b.dispatch([]byte(n.Payload))
		}
	}
}

func (b *NotifyBroadcaster) sleep(d time.Duration) bool {
	select {
	case <-b.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (b *NotifyBroadcaster) dispatch(payload []byte) {
	b.mu.Lock()
	snapshot := make([]func([]byte), 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.Unlock()
	for _, h := range snapshot {
		h(payload)
	}
}
