package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	var (
		server   string
		username string
		register bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to an AgentIM server",
		Long: "Authenticates against the broker and stores the token pair in\n" +
			"~/.agentim/config.json. The password is read from $AGENTIM_PASSWORD\n" +
			"when set, otherwise prompted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openGatewayStore()
			if err != nil {
				return err
			}
			state, err := store.LoadState()
			if err != nil {
				return err
			}

			if server == "" {
				server = state.ServerURL
			}
			if server == "" {
				return errors.New("no server URL: pass -s/--server")
			}
			server = strings.TrimRight(server, "/")
			u, err := url.Parse(server)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("server URL must be http(s): %q", server)
			}
			if username == "" {
				return errors.New("no username: pass -u/--user")
			}

			password := os.Getenv("AGENTIM_PASSWORD")
			if password == "" {
				if err := promptPassword(&password); err != nil {
					return err
				}
			}

			api := newAPIClient(server, "")
			pair, err := api.login(cmd.Context(), username, password)
			if register {
				pair, err = api.register(cmd.Context(), username, password)
			}
			if err != nil {
				return err
			}

			state.ServerURL = server
			state.Token = pair.AccessToken
			state.RefreshToken = pair.RefreshToken
			if pair.User != nil {
				state.UserID = pair.User.ID
			}
			state.EnsureGatewayID()
			if err := store.SaveState(state); err != nil {
				return fmt.Errorf("persist login: %w", err)
			}

			name := username
			if pair.User != nil {
				name = pair.User.Username
				if pair.User.IsAdmin {
					name += " (admin)"
				}
			}
			fmt.Printf("logged in to %s as %s\n", server, name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "server URL, e.g. http://localhost:18900")
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	cmd.Flags().BoolVar(&register, "register", false, "create the account instead of logging in")
	return cmd
}

func promptPassword(out *string) error {
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if s == "" {
					return errors.New("password must not be empty")
				}
				return nil
			}).
			Value(out),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	return nil
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openGatewayStore()
			if err != nil {
				return err
			}
			state, err := store.LoadState()
			if err != nil {
				return err
			}
			if state.Token == "" {
				fmt.Println("not logged in")
				return nil
			}

			// Server-side revocation is best effort; local tokens are
			// cleared regardless so the machine ends up logged out.
			api := newAPIClient(state.ServerURL, state.Token)
			if err := api.logout(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "warning: server-side logout failed: %v\n", err)
			}

			state.Token = ""
			state.RefreshToken = ""
			state.UserID = ""
			if err := store.SaveState(state); err != nil {
				return fmt.Errorf("persist logout: %w", err)
			}
			fmt.Println("logged out")
			return nil
		},
	}
}
