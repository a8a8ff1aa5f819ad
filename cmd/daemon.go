package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/gatewayd"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the gateway with every agent added on this machine",
		Long: "Connects to the broker and serves all agents previously added with\n" +
			"`agentim claude <path>` and friends. Agents keep their ids across\n" +
			"restarts, so room memberships survive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), nil)
		},
	}
}

// openGatewayStore opens the per-user state directory, honoring
// AGENTIM_STATE_DIR so several gateways can share one machine.
func openGatewayStore() (*gatewayd.Store, error) {
	dir := os.Getenv("AGENTIM_STATE_DIR")
	if dir == "" {
		var err error
		dir, err = gatewayd.DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	return gatewayd.NewStore(dir)
}

// agentSpec is an agent to add before serving, from one of the adapter
// run commands.
type agentSpec struct {
	name       string
	agentType  string
	workingDir string
	mode       string
	model      string
}

// runGateway is the shared gateway runtime behind `daemon` and the
// adapter run commands. It serves until interrupted, refreshing the
// access token through the refresh token when the broker rejects it.
func runGateway(ctx context.Context, add *agentSpec) error {
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	store, err := openGatewayStore()
	if err != nil {
		return err
	}
	state, err := store.LoadState()
	if err != nil {
		return err
	}
	if state.ServerURL == "" || state.Token == "" {
		return authErrorf("not logged in: run `agentim login -s <server> -u <user>` first")
	}
	if state.GatewayID == "" {
		state.EnsureGatewayID()
		if err := store.SaveState(state); err != nil {
			return fmt.Errorf("persist gateway id: %w", err)
		}
	}

	defs, err := store.LoadAdapterDefs()
	if err != nil {
		return err
	}
	registry := adapter.NewRegistry(defs)

	mgr, err := gatewayd.NewManager(gatewayd.ManagerConfig{
		Registry: registry,
		Store:    store,
		State:    state,
		Version:  Version,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer mgr.DisposeAll()

	// The MCP bridge must listen before agents are added so adapters
	// get their mount URLs.
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start mcp bridge: %w", err)
	}

	if add != nil {
		id, err := mgr.AddAgent(add.name, add.agentType, add.workingDir, add.mode, add.model)
		if err != nil {
			return err
		}
		logger.Info("agent ready",
			"name", add.name, "id", id, "dir", add.workingDir, "mode", add.mode)
	} else {
		mgr.RestoreAgents()
		if len(mgr.Agents()) == 0 {
			logger.Warn("no agents added on this machine, serving an empty gateway",
				"hint", "agentim claude <path>")
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		client := gatewayd.NewClient(gatewayd.ClientConfig{
			ServerURL:    state.ServerURL,
			Token:        state.Token,
			GatewayID:    state.GatewayID,
			OnFrame:      mgr.HandleFrame,
			OnConnect:    mgr.HandleConnect,
			OnDisconnect: mgr.HandleDisconnect,
			Logger:       logger,
		})
		mgr.SetSender(client)

		err := client.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("gateway shutting down")
			return nil
		}

		// Run returns early only for fatal auth refusals (or a bad
		// server URL). An expired access token is recoverable through
		// the refresh token; anything else needs a fresh login.
		var authErr *gatewayd.AuthError
		if !errors.As(err, &authErr) {
			return err
		}
		if state.RefreshToken == "" {
			return authErrorf("%v: run `agentim login` again", authErr)
		}
		pair, rerr := newAPIClient(state.ServerURL, "").refresh(ctx, state.RefreshToken)
		if rerr != nil {
			return authErrorf("session expired (%v): run `agentim login` again", rerr)
		}
		state.Token = pair.AccessToken
		state.RefreshToken = pair.RefreshToken
		mgr.SetCredentials(pair.AccessToken, pair.RefreshToken)
		logger.Info("access token refreshed, reconnecting")
	}
}
