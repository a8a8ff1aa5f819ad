package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentim/agentim/internal/auth"
	"github.com/agentim/agentim/internal/broker"
	"github.com/agentim/agentim/internal/bus"
	"github.com/agentim/agentim/internal/config"
	"github.com/agentim/agentim/internal/httpapi"
	"github.com/agentim/agentim/internal/maintenance"
	"github.com/agentim/agentim/internal/settings"
	"github.com/agentim/agentim/internal/store"
	"github.com/agentim/agentim/internal/store/pg"
	"github.com/agentim/agentim/internal/store/sqlite"
	"github.com/agentim/agentim/internal/telemetry"
)

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the AgentIM broker",
		Long: "Runs the broker: WebSocket hub for clients and gateways, REST API,\n" +
			"message routing, and the maintenance sweeps. Standalone mode uses an\n" +
			"embedded SQLite database; managed mode needs AGENTIM_POSTGRES_DSN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	logger := newLogger(os.Stdout)
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var (
		st *store.Stores
		db *sql.DB
	)
	if cfg.IsManagedMode() {
		st, db, err = pg.NewStores(store.Config{PostgresDSN: cfg.Database.PostgresDSN})
		logger.Info("storage backend", "mode", "managed", "driver", "postgres")
	} else {
		st, db, err = sqlite.NewStores(store.Config{SQLitePath: cfg.Database.SQLitePath})
		logger.Info("storage backend", "mode", "standalone", "driver", "sqlite", "path", cfg.Database.SQLitePath)
	}
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	events := bus.New()
	svc := settings.New(st.Settings, events, settings.Options{EncryptionKey: cfg.Auth.SettingsKey})
	defer svc.Close()

	issuer := auth.NewIssuer(cfg.Auth.TokenSecret)

	// Revocations fan out across replicas over Postgres LISTEN/NOTIFY in
	// managed mode; standalone has one process, so the in-process bus is
	// enough.
	var broadcaster auth.Broadcaster
	if cfg.IsManagedMode() {
		nb := pg.NewNotifyBroadcaster(db, cfg.Database.PostgresDSN)
		defer nb.Close()
		broadcaster = nb
	} else {
		broadcaster = auth.BusBroadcaster{Bus: events}
	}
	revoker := auth.NewRevoker([]byte(cfg.Auth.TokenSecret), st.Revocations, broadcaster)
	defer revoker.Close()
	if err := revoker.Warm(ctx); err != nil {
		logger.Warn("revocation warm load failed", "error", err)
	}

	srv := broker.NewServer(cfg, st, svc, issuer, revoker, logger)
	api := httpapi.New(st, svc, issuer, revoker, srv, cfg.Uploads.Dir, logger)
	srv.SetAPI(api)

	maint := maintenance.New(maintenance.Config{
		Agents:      st.Agents,
		Revocations: st.Revocations,
		Tokens:      st.Tokens,
		Uploads:     st.Uploads,
		Chains:      srv.Engine(),
		Revoker:     revoker,
		Settings:    svc,
		Logger:      logger,
	})
	maint.Start(ctx)

	if err := config.Watch(ctx, cfgPath, func() {
		next, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			return
		}
		if err := next.Validate(); err != nil {
			logger.Warn("config reload rejected", "error", err)
			return
		}
		cfg.ReplaceFrom(next)
		logger.Info("config reloaded", "path", cfgPath)
	}); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	err = srv.Start(ctx)
	maint.Wait()
	return err
}
