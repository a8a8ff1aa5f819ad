// Package maintenance runs the broker's recurring cleanup work: pruning
// agents that stayed offline past the retention window, dropping expired
// token revocations and refresh tokens, unlinking orphaned uploads, and
// purging idle in-memory state. The heavy sweep runs on a cron schedule
// (maintenance.cron); the in-memory purges run on a short fixed cadence
// because they never touch the database.
package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentim/agentim/internal/settings"
)

// purgeEvery is the cadence of the in-memory purge loop covering idle
// conversations and the local revocation cache.
const purgeEvery = 10 * time.Minute

// AgentGC removes agent rows that have been offline since before a
// cutoff. store.AgentStore satisfies it.
type AgentGC interface {
	DeleteOfflineBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ExpirySweeper removes rows whose expiry has passed. store.RevocationStore
// and store.TokenStore both satisfy it.
type ExpirySweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// UploadGC removes unreferenced upload rows older than a cutoff and
// returns the disk paths of the deleted rows. store.UploadStore
// satisfies it.
type UploadGC interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ChainPurger drops idle conversation tracking state. *routing.Engine
// satisfies it.
type ChainPurger interface {
	PurgeChains(now time.Time) int
}

// RevocationCache drops expired entries from an in-memory revocation
// map. *auth.Revoker satisfies it.
type RevocationCache interface {
	Sweep(now time.Time) int
}

// Config wires a Runner. All stores are required; Chains and Revoker
// may be nil when the broker runs without them.
type Config struct {
	Agents      AgentGC
	Revocations ExpirySweeper
	Tokens      ExpirySweeper
	Uploads     UploadGC
	Chains      ChainPurger
	Revoker     RevocationCache
	Settings    *settings.Service
	Logger      *slog.Logger
}

// Runner owns the maintenance goroutines. Start launches them; they
// stop when the context is canceled and Wait returns once both are
// done.
type Runner struct {
	agents      AgentGC
	revocations ExpirySweeper
	tokens      ExpirySweeper
	uploads     UploadGC
	chains      ChainPurger
	revoker     RevocationCache
	settings    *settings.Service
	logger      *slog.Logger

	purgeEvery time.Duration
	wg         sync.WaitGroup
}

// New builds a Runner from cfg.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		agents:      cfg.Agents,
		revocations: cfg.Revocations,
		tokens:      cfg.Tokens,
		uploads:     cfg.Uploads,
		chains:      cfg.Chains,
		revoker:     cfg.Revoker,
		settings:    cfg.Settings,
		logger:      logger.With("component", "maintenance"),
		purgeEvery:  purgeEvery,
	}
}

// Start launches the sweep and in-memory purge loops.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)
	if r.chains != nil || r.revoker != nil {
		r.wg.Add(1)
		go r.purgeLoop(ctx)
	}
}

// Wait blocks until all loops launched by Start have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		// Re-resolved every cycle so schedule changes apply without a
		// restart.
		next := r.nextSweep(ctx, time.Now())
		r.logger.Debug("maintenance sweep scheduled", "at", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.runSweep(ctx, time.Now())
		}
	}
}

// nextSweep resolves the cron schedule and returns the first tick after
// the reference time. An unparseable expression falls back to the
// compiled default.
func (r *Runner) nextSweep(ctx context.Context, after time.Time) time.Time {
	expr, _ := r.settings.Get(ctx, settings.KeyMaintenanceCron)
	next, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		def, _ := settings.Lookup(settings.KeyMaintenanceCron)
		r.logger.Warn("invalid maintenance cron, using default",
			"expr", expr, "default", def.Default, "error", err)
		next, err = gronx.NextTickAfter(def.Default, after, false)
		if err != nil {
			return after.Add(24 * time.Hour)
		}
	}
	return next
}

// runSweep executes every cleanup task once. Tasks are independent: a
// failure is logged and the rest still run.
func (r *Runner) runSweep(ctx context.Context, now time.Time) {
	start := time.Now()
	r.logger.Info("maintenance sweep started")

	agentDays := r.settings.GetInt(ctx, settings.KeyAgentOfflineGCDays)
	if n, err := r.agents.DeleteOfflineBefore(ctx, now.AddDate(0, 0, -agentDays)); err != nil {
		r.logger.Error("offline agent gc failed", "error", err)
	} else if n > 0 {
		r.logger.Info("offline agents removed", "count", n, "older_than_days", agentDays)
	}

	if n, err := r.revocations.DeleteExpired(ctx, now); err != nil {
		r.logger.Error("revocation gc failed", "error", err)
	} else if n > 0 {
		r.logger.Info("expired revocations removed", "count", n)
	}

	if n, err := r.tokens.DeleteExpired(ctx, now); err != nil {
		r.logger.Error("refresh token gc failed", "error", err)
	} else if n > 0 {
		r.logger.Info("expired refresh tokens removed", "count", n)
	}

	r.sweepUploads(ctx, now)

	r.logger.Info("maintenance sweep finished", "took", time.Since(start))
}

// sweepUploads deletes unreferenced upload rows past retention and
// unlinks their blobs. Rows deleted before a store error surface in
// paths, so unlinking proceeds even when err is set.
func (r *Runner) sweepUploads(ctx context.Context, now time.Time) {
	days := r.settings.GetInt(ctx, settings.KeyUploadRetentionDays)
	paths, err := r.uploads.DeleteBefore(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		r.logger.Error("upload sweep failed", "error", err)
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("orphan upload unlink failed", "path", p, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("orphan uploads removed", "count", removed, "older_than_days", days)
	}
}

func (r *Runner) purgeLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.purgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if r.chains != nil {
				if n := r.chains.PurgeChains(now); n > 0 {
					r.logger.Debug("idle conversations purged", "count", n)
				}
			}
			if r.revoker != nil {
				if n := r.revoker.Sweep(now); n > 0 {
					r.logger.Debug("expired revocation entries dropped", "count", n)
				}
			}
		}
	}
}
