package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
)

type fakeSettingStore struct {
	mu   sync.Mutex
	rows map[string]*store.Setting
}

func (f *fakeSettingStore) Get(_ context.Context, key string) (*store.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeSettingStore) Set(_ context.Context, s *store.Setting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]*store.Setting)
	}
	cp := *s
	f.rows[s.Key] = &cp
	return nil
}

func (f *fakeSettingStore) All(_ context.Context) ([]*store.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Setting, 0, len(f.rows))
	for _, r := range f.rows {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

type fakeAgentGC struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int
	err     error
}

func (f *fakeAgentGC) DeleteOfflineBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

type fakeExpiry struct {
	mu    sync.Mutex
	calls int
	n     int
	err   error
}

func (f *fakeExpiry) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.n, f.err
}

type fakeUploadGC struct {
	mu      sync.Mutex
	cutoffs []time.Time
	paths   []string
	err     error
}

func (f *fakeUploadGC) DeleteBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.paths, f.err
}

type fakePurger struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePurger) PurgeChains(time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls
}

func (f *fakePurger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRevokerCache struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRevokerCache) Sweep(time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls
}

func (f *fakeRevokerCache) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSettings(t *testing.T) *settings.Service {
	t.Helper()
	svc := settings.New(&fakeSettingStore{}, nil, settings.Options{})
	t.Cleanup(svc.Close)
	return svc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunSweepAppliesRetentionSettings(t *testing.T) {
	ctx := context.Background()
	svc := newTestSettings(t)
	if err := svc.Set(ctx, settings.KeyAgentOfflineGCDays, "7"); err != nil {
		t.Fatalf("set gc days: %v", err)
	}
	if err := svc.Set(ctx, settings.KeyUploadRetentionDays, "3"); err != nil {
		t.Fatalf("set retention: %v", err)
	}

	dir := t.TempDir()
	blob := filepath.Join(dir, "blob-1")
	if err := os.WriteFile(blob, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	agents := &fakeAgentGC{n: 2}
	revs := &fakeExpiry{n: 3}
	toks := &fakeExpiry{n: 1}
	uploads := &fakeUploadGC{paths: []string{blob, filepath.Join(dir, "already-gone")}}

	r := New(Config{
		Agents:      agents,
		Revocations: revs,
		Tokens:      toks,
		Uploads:     uploads,
		Settings:    svc,
		Logger:      discardLogger(),
	})

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r.runSweep(ctx, now)

	if len(agents.cutoffs) != 1 || !agents.cutoffs[0].Equal(now.AddDate(0, 0, -7)) {
		t.Fatalf("agent cutoff = %v, want %v", agents.cutoffs, now.AddDate(0, 0, -7))
	}
	if revs.calls != 1 || toks.calls != 1 {
		t.Fatalf("expiry sweeps ran %d/%d times, want 1/1", revs.calls, toks.calls)
	}
	if len(uploads.cutoffs) != 1 || !uploads.cutoffs[0].Equal(now.AddDate(0, 0, -3)) {
		t.Fatalf("upload cutoff = %v, want %v", uploads.cutoffs, now.AddDate(0, 0, -3))
	}
	if _, err := os.Stat(blob); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("blob still on disk after sweep: %v", err)
	}
}

func TestRunSweepContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	svc := newTestSettings(t)

	dir := t.TempDir()
	blob := filepath.Join(dir, "blob-2")
	if err := os.WriteFile(blob, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	agents := &fakeAgentGC{err: errors.New("db down")}
	revs := &fakeExpiry{err: errors.New("db down")}
	toks := &fakeExpiry{n: 1}
	// Partial failure: the store deleted one row, then hit an error.
	uploads := &fakeUploadGC{paths: []string{blob}, err: errors.New("db down")}

	r := New(Config{
		Agents:      agents,
		Revocations: revs,
		Tokens:      toks,
		Uploads:     uploads,
		Settings:    svc,
		Logger:      discardLogger(),
	})
	r.runSweep(ctx, time.Now())

	if toks.calls != 1 {
		t.Fatalf("token sweep skipped after earlier failures")
	}
	if len(uploads.cutoffs) != 1 {
		t.Fatalf("upload sweep skipped after earlier failures")
	}
	if _, err := os.Stat(blob); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partially deleted rows should still be unlinked: %v", err)
	}
}

func TestNextSweepFollowsConfiguredCron(t *testing.T) {
	ctx := context.Background()
	svc := newTestSettings(t)
	if err := svc.Set(ctx, settings.KeyMaintenanceCron, "*/5 * * * *"); err != nil {
		t.Fatalf("set cron: %v", err)
	}

	r := New(Config{Settings: svc, Logger: discardLogger()})
	after := time.Date(2026, 3, 4, 10, 2, 0, 0, time.UTC)
	next := r.nextSweep(ctx, after)
	want := time.Date(2026, 3, 4, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next sweep = %v, want %v", next, want)
	}
}

func TestNextSweepFallsBackOnBadCron(t *testing.T) {
	ctx := context.Background()
	svc := newTestSettings(t)
	if err := svc.Set(ctx, settings.KeyMaintenanceCron, "not a schedule"); err != nil {
		t.Fatalf("set cron: %v", err)
	}

	r := New(Config{Settings: svc, Logger: discardLogger()})
	after := time.Date(2026, 3, 4, 10, 2, 0, 0, time.UTC)
	next := r.nextSweep(ctx, after)
	// Default schedule fires at 03:00, so the next tick is the following day.
	want := time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next sweep = %v, want %v", next, want)
	}
}

func TestPurgeLoop(t *testing.T) {
	svc := newTestSettings(t)
	purger := &fakePurger{}
	cache := &fakeRevokerCache{}

	r := New(Config{
		Agents:      &fakeAgentGC{},
		Revocations: &fakeExpiry{},
		Tokens:      &fakeExpiry{},
		Uploads:     &fakeUploadGC{},
		Chains:      purger,
		Revoker:     cache,
		Settings:    svc,
		Logger:      discardLogger(),
	})
	r.purgeEvery = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	waitUntil(t, "chain purges", func() bool { return purger.count() >= 2 })
	waitUntil(t, "revocation cache sweeps", func() bool { return cache.count() >= 2 })
	cancel()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop after cancel")
	}
}
