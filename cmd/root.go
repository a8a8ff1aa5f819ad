package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/agentim/agentim/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentim",
	Short: "AgentIM — chat rooms for people and AI coding agents",
	Long: "AgentIM puts AI coding agents into chat rooms. One binary runs the broker\n" +
		"(`agentim server`) and the gateway CLI that connects local coding agents\n" +
		"(`agentim claude .`, `agentim daemon`, ...).",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "broker config file (default: config.json or $AGENTIM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(daemonCmd())
	for _, c := range agentRunCmds() {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(adaptersCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentim %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENTIM_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// newLogger builds the process logger. The server logs to stdout;
// gateway commands log to stderr so piped table output stays clean.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// exitCoder lets command errors pick the process exit code: 2 for
// authentication failures, 3 for an unreachable server, 1 otherwise.
type exitCoder interface {
	ExitCode() int
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var coder exitCoder
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}
