package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/gatewayd"
)

// loggedInClient returns an API client for the stored login. An expired
// access token is rotated through the refresh token once.
func loggedInClient(ctx context.Context) (*apiClient, gatewayd.State, error) {
	store, err := openGatewayStore()
	if err != nil {
		return nil, gatewayd.State{}, err
	}
	state, err := store.LoadState()
	if err != nil {
		return nil, gatewayd.State{}, err
	}
	if state.ServerURL == "" || state.Token == "" {
		return nil, state, authErrorf("not logged in: run `agentim login -s <server> -u <user>` first")
	}

	api := newAPIClient(state.ServerURL, state.Token)
	_, err = api.me(ctx)
	var ae *authError
	if errors.As(err, &ae) && state.RefreshToken != "" {
		pair, rerr := newAPIClient(state.ServerURL, "").refresh(ctx, state.RefreshToken)
		if rerr != nil {
			return nil, state, authErrorf("session expired (%v): run `agentim login` again", rerr)
		}
		state.Token = pair.AccessToken
		state.RefreshToken = pair.RefreshToken
		if err := store.SaveState(state); err != nil {
			return nil, state, fmt.Errorf("persist refreshed tokens: %w", err)
		}
		api = newAPIClient(state.ServerURL, state.Token)
		_, err = api.me(ctx)
	}
	if err != nil {
		return nil, state, err
	}
	return api, state, nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your agents and their live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := loggedInClient(cmd.Context())
			if err != nil {
				return err
			}
			agents, err := api.agents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents registered (try `agentim claude <path>`)")
				return nil
			}

			rows := make([][]string, 0, len(agents))
			for _, ag := range agents {
				link := "no"
				if ag.Connected {
					link = "yes"
				}
				rows = append(rows, []string{
					ag.Name, ag.Type, ag.Status, link,
					strconv.Itoa(ag.QueueDepth), ag.WorkingDir,
				})
			}
			renderTable(os.Stdout, []string{"NAME", "TYPE", "STATUS", "CONNECTED", "QUEUE", "WORKDIR"}, rows)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Interrupt an agent's current turn and clear its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := loggedInClient(cmd.Context())
			if err != nil {
				return err
			}
			ag, err := api.agentByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := api.stopAgent(cmd.Context(), ag.ID); err != nil {
				return err
			}
			fmt.Printf("stop sent to %s\n", ag.Name)
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove an agent from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := loggedInClient(cmd.Context())
			if err != nil {
				return err
			}
			ag, err := api.agentByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := api.removeAgent(cmd.Context(), ag.ID); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", ag.Name)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show login, server health, and local gateway state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openGatewayStore()
			if err != nil {
				return err
			}
			state, err := store.LoadState()
			if err != nil {
				return err
			}
			defs, err := store.LoadAdapterDefs()
			if err != nil {
				return err
			}

			fmt.Printf("state dir:  %s\n", store.Dir())
			fmt.Printf("adapters:   %s\n", strings.Join(adapter.NewRegistry(defs).Types(), ", "))
			if n := len(state.Agents); n > 0 {
				names := make([]string, 0, n)
				for name := range state.Agents {
					names = append(names, name)
				}
				fmt.Printf("local:      %d agent(s): %s\n", n, strings.Join(names, ", "))
			} else {
				fmt.Println("local:      no agents added on this machine")
			}

			if state.ServerURL == "" || state.Token == "" {
				fmt.Println("login:      not logged in")
				return authErrorf("not logged in")
			}
			fmt.Printf("server:     %s\n", state.ServerURL)
			fmt.Printf("gateway id: %s\n", state.GatewayID)

			if err := newAPIClient(state.ServerURL, "").health(cmd.Context()); err != nil {
				fmt.Println("health:     unreachable")
				return err
			}
			fmt.Println("health:     ok")

			api, _, err := loggedInClient(cmd.Context())
			if err != nil {
				fmt.Println("login:      token rejected")
				return err
			}
			me, err := api.me(cmd.Context())
			if err != nil {
				return err
			}
			who := me.Username
			if me.IsAdmin {
				who += " (admin)"
			}
			fmt.Printf("login:      %s\n", who)
			return nil
		},
	}
}

// renderTable prints an aligned table. Widths use display cells, not
// bytes, so wide runes in agent names or paths stay aligned.
func renderTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	line := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(header)
	for _, row := range rows {
		line(row)
	}
}
