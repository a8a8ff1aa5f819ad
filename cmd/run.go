package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/config"
)

// agentRunCmds builds one command per adapter type. Each adds (or
// re-adds) an agent rooted at the given directory and then serves it.
func agentRunCmds() []*cobra.Command {
	specs := []struct {
		use         string
		adapterType string
		short       string
	}{
		{"claude", adapter.TypeClaude, "Serve a Claude Code agent from a directory"},
		{"codex", adapter.TypeCodex, "Serve a Codex agent from a directory"},
		{"gemini", adapter.TypeGemini, "Serve a Gemini CLI agent from a directory"},
		{"generic", adapter.TypeGeneric, "Serve a custom adapter from adapters.json"},
	}
	cmds := make([]*cobra.Command, 0, len(specs))
	for _, s := range specs {
		cmds = append(cmds, runAgentCmd(s.use, s.adapterType, s.short))
	}
	return cmds
}

func runAgentCmd(use, adapterType, short string) *cobra.Command {
	var (
		yes        bool
		name       string
		model      string
		customType string
	)
	cmd := &cobra.Command{
		Use:   use + " [path]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			abs, err := filepath.Abs(config.ExpandHome(dir))
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			if info, err := os.Stat(abs); err != nil {
				return fmt.Errorf("workspace: %w", err)
			} else if !info.IsDir() {
				return fmt.Errorf("workspace %s is not a directory", abs)
			}

			typ := adapterType
			if customType != "" {
				typ = customType
			}
			mode := adapter.ModeInteractive
			if yes {
				mode = adapter.ModeBypass
			}
			if name == "" {
				name = defaultAgentName(use, abs)
			}

			return runGateway(cmd.Context(), &agentSpec{
				name:       name,
				agentType:  typ,
				workingDir: abs,
				mode:       mode,
				model:      model,
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip tool permission prompts (bypass mode)")
	cmd.Flags().StringVar(&name, "name", "", "agent display name (default: directory name)")
	cmd.Flags().StringVar(&model, "model", "", "model override passed to the adapter")
	if use == "generic" {
		cmd.Flags().StringVar(&customType, "type", "", `custom adapter name from adapters.json (default: "generic")`)
	}
	return cmd
}

// defaultAgentName derives a broker-safe name from the workspace
// directory, falling back to the command name.
func defaultAgentName(fallback, dir string) string {
	var b strings.Builder
	for _, r := range filepath.Base(dir) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = fallback
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
