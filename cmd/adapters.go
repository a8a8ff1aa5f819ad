package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentim/agentim/internal/adapter"
)

// builtinCommands shows what binary each built-in adapter execs.
var builtinCommands = map[string]string{
	adapter.TypeClaude: "claude",
	adapter.TypeCodex:  "codex",
	adapter.TypeGemini: "gemini",
}

func adaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List available adapter types",
		Long: "Lists the built-in adapter types plus any custom definitions from\n" +
			"~/.agentim/adapters.json.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openGatewayStore()
			if err != nil {
				return err
			}
			defs, err := store.LoadAdapterDefs()
			if err != nil {
				return err
			}
			registry := adapter.NewRegistry(defs)

			rows := make([][]string, 0, len(registry.Types()))
			for _, typ := range registry.Types() {
				if def, ok := registry.Custom(typ); ok {
					cmdline := def.Command
					if len(def.Args) > 0 {
						cmdline += " " + strings.Join(def.Args, " ")
					}
					rows = append(rows, []string{typ, "custom", cmdline, def.Description})
				} else {
					rows = append(rows, []string{typ, "built-in", builtinCommands[typ], ""})
				}
			}
			renderTable(os.Stdout, []string{"TYPE", "SOURCE", "COMMAND", "DESCRIPTION"}, rows)
			return nil
		},
	}
}
