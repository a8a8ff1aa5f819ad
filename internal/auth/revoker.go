package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agentim/agentim/internal/bus"
	"github.com/agentim/agentim/internal/store"
)

// MaxMemoryRevocations caps the in-memory map. Overflow evicts the entry
// closest to expiry; its durable row still protects correctness.
const MaxMemoryRevocations = 10000

// Broadcaster carries signed revocation notices between broker instances.
// Standalone mode uses the in-process bus; managed mode uses Postgres
// LISTEN/NOTIFY.
type Broadcaster interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(id string, handler func(payload []byte))
	Unsubscribe(id string)
}

// BusBroadcaster adapts the in-process event bus to the Broadcaster shape.
type BusBroadcaster struct {
	Bus bus.Publisher
}

func (b BusBroadcaster) Publish(_ context.Context, payload []byte) error {
	b.Bus.Broadcast(bus.Event{Name: bus.EventRevocation, Payload: string(payload)})
	return nil
}

func (b BusBroadcaster) Subscribe(id string, handler func([]byte)) {
	b.Bus.Subscribe(id, func(e bus.Event) {
		if e.Name != bus.EventRevocation {
			return
		}
		if s, ok := e.Payload.(string); ok {
			handler([]byte(s))
		}
	})
}

func (b BusBroadcaster) Unsubscribe(id string) { b.Bus.Unsubscribe(id) }

type revocationEntry struct {
	revokedAtMs int64
	expiresAtMs int64
}

// revocationNotice is the wire form on the pub/sub channel. The signature
// covers userId|revokedAtMs|expiresAtMs with the shared token secret, so a
// compromised channel cannot forge log-outs.
type revocationNotice struct {
	UserID      string `json:"userId"`
	RevokedAtMs int64  `json:"revokedAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
	Sig         string `json:"sig"`
}

// Revoker answers "is this token revoked" without a DB round trip on the
// hot path. Writes fail closed; reads fail open, bounded by the short
// access-token TTL.
type Revoker struct {
	secret []byte
	store  store.RevocationStore
	tr     Broadcaster

	mu    sync.RWMutex
	local map[string]revocationEntry
}

const revokerSubID = "auth-revoker"

// NewRevoker wires the map to the durable store and the notice channel.
// Either may be nil (tests, degraded deployments).
func NewRevoker(secret []byte, st store.RevocationStore, tr Broadcaster) *Revoker {
	r := &Revoker{
		secret: secret,
		store:  st,
		tr:     tr,
		local:  make(map[string]revocationEntry),
	}
	if tr != nil {
		tr.Subscribe(revokerSubID, r.apply)
	}
	return r
}

// Warm loads active revocations from the durable store so restarts do not
// forget log-outs.
func (r *Revoker) Warm(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.Active(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("warm revocations: %w", err)
	}
	for _, row := range rows {
		r.set(row.UserID, row.RevokedAtMs, row.ExpiresAt.UnixMilli())
	}
	return nil
}

// Close detaches from the notice channel.
func (r *Revoker) Close() {
	if r.tr != nil {
		r.tr.Unsubscribe(revokerSubID)
	}
}

// Revoke invalidates every token of userID issued before now. ttl bounds
// how long the record must be kept: once all prior tokens have expired the
// entry is garbage.
func (r *Revoker) Revoke(ctx context.Context, userID string, ttl time.Duration) error {
	nowMs := time.Now().UnixMilli()
	expMs := nowMs + ttl.Milliseconds()
	r.set(userID, nowMs, expMs)

	if r.store != nil {
		rec := &store.Revocation{
			UserID:      userID,
			RevokedAtMs: nowMs,
			ExpiresAt:   time.UnixMilli(expMs).UTC(),
		}
		if err := r.store.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("persist revocation: %w", err)
		}
	}
	if r.tr != nil {
		payload, err := r.notice(userID, nowMs, expMs)
		if err != nil {
			return err
		}
		if err := r.tr.Publish(ctx, payload); err != nil {
			return fmt.Errorf("broadcast revocation: %w", err)
		}
	}
	return nil
}

// IsRevoked reports whether a token issued at iatMs no longer authenticates
// userID. A map miss means "not revoked" when a notice channel is wired;
// without one the durable store is consulted and cached.
func (r *Revoker) IsRevoked(ctx context.Context, userID string, iatMs int64) bool {
	r.mu.RLock()
	e, ok := r.local[userID]
	r.mu.RUnlock()
	if ok {
		return iatMs < e.revokedAtMs
	}

	if r.tr == nil && r.store != nil {
		rec, err := r.store.Get(ctx, userID)
		if err == nil {
			r.set(userID, rec.RevokedAtMs, rec.ExpiresAt.UnixMilli())
			return iatMs < rec.RevokedAtMs
		}
		// Not found or store failure: fail open.
	}
	return false
}

// CheckClaims combines the revocation lookup with a typed error.
func (r *Revoker) CheckClaims(ctx context.Context, c *Claims) error {
	if r.IsRevoked(ctx, c.UserID, c.IssuedAtMs()) {
		return ErrTokenRevoked
	}
	return nil
}

// Sweep drops expired map entries. Maintenance calls this periodically.
func (r *Revoker) Sweep(now time.Time) int {
	nowMs := now.UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, e := range r.local {
		if e.expiresAtMs <= nowMs {
			delete(r.local, k)
			removed++
		}
	}
	return removed
}

// Size returns the current map population, for stats.
func (r *Revoker) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}

// set records a revocation, keeping the latest watermark per user.
func (r *Revoker) set(userID string, revokedAtMs, expiresAtMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.local[userID]; ok {
		if revokedAtMs > e.revokedAtMs {
			r.local[userID] = revocationEntry{revokedAtMs, expiresAtMs}
		}
		return
	}
	if len(r.local) >= MaxMemoryRevocations {
		r.evictLocked()
	}
	r.local[userID] = revocationEntry{revokedAtMs, expiresAtMs}
}

// evictLocked frees one slot: expired entries first, then the entry
// closest to expiry.
func (r *Revoker) evictLocked() {
	nowMs := time.Now().UnixMilli()
	for k, e := range r.local {
		if e.expiresAtMs <= nowMs {
			delete(r.local, k)
		}
	}
	if len(r.local) < MaxMemoryRevocations {
		return
	}
	victim := ""
	soonest := int64(math.MaxInt64)
	for k, e := range r.local {
		if e.expiresAtMs < soonest {
			soonest = e.expiresAtMs
			victim = k
		}
	}
	if victim != "" {
		delete(r.local, victim)
	}
}

func (r *Revoker) notice(userID string, revokedAtMs, expiresAtMs int64) ([]byte, error) {
	n := revocationNotice{
		UserID:      userID,
		RevokedAtMs: revokedAtMs,
		ExpiresAtMs: expiresAtMs,
	}
	n.Sig = r.signature(n.UserID, n.RevokedAtMs, n.ExpiresAtMs)
	return json.Marshal(n)
}

func (r *Revoker) signature(userID string, revokedAtMs, expiresAtMs int64) string {
	mac := hmac.New(sha256.New, r.secret)
	fmt.Fprintf(mac, "%s|%d|%d", userID, revokedAtMs, expiresAtMs)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// apply ingests a notice from the channel after verifying its signature.
func (r *Revoker) apply(payload []byte) {
	var n revocationNotice
	if err := json.Unmarshal(payload, &n); err != nil {
		slog.Warn("dropping malformed revocation notice", "error", err)
		return
	}
	want := r.signature(n.UserID, n.RevokedAtMs, n.ExpiresAtMs)
	if !hmac.Equal([]byte(want), []byte(n.Sig)) {
		slog.Warn("dropping revocation notice with bad signature", "userId", n.UserID)
		return
	}
	r.set(n.UserID, n.RevokedAtMs, n.ExpiresAtMs)
}
