package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/agentim/agentim/internal/adapter"
)

// adapterTypeFor maps the CLI command names onto adapter type ids.
// Custom adapters.json names pass through unchanged.
func adapterTypeFor(cliName string) string {
	switch cliName {
	case "claude":
		return adapter.TypeClaude
	case "codex":
		return adapter.TypeCodex
	case "gemini":
		return adapter.TypeGemini
	}
	return cliName
}

// envPrompts lists the env vars each built-in adapter needs; custom
// adapters prompt for their passEnv list.
var envPrompts = map[string][]string{
	adapter.TypeClaude: {"ANTHROPIC_API_KEY"},
	adapter.TypeCodex:  {"OPENAI_API_KEY"},
	adapter.TypeGemini: {"GEMINI_API_KEY"},
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup <type>",
		Short: "Store the environment an adapter type needs (API keys etc.)",
		Long: "Captures environment values for one adapter type and saves them in\n" +
			"~/.agentim/config.json. Agents of that type get these values without\n" +
			"the daemon's shell needing them.",
		Args: cobra.ExactArgs(1),
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
			registry := adapter.NewRegistry(defs)

			typ := adapterTypeFor(args[0])
			if !registry.Known(typ) && typ != adapter.TypeGeneric {
				return fmt.Errorf("unknown adapter type %q (known: %s)",
					args[0], strings.Join(registry.Types(), ", "))
			}

			keys := envPrompts[typ]
			if def, ok := registry.Custom(typ); ok {
				keys = def.PassEnv
			}
			saved := state.SavedEnv[typ]

			values := make([]string, len(keys))
			fields := make([]huh.Field, 0, len(keys)+1)
			for i, key := range keys {
				values[i] = saved[key]
				fields = append(fields, huh.NewInput().
					Title(key).
					Description("leave empty to unset").
					EchoMode(huh.EchoModePassword).
					Value(&values[i]))
			}
			extra := formatEnvLines(saved, keys)
			fields = append(fields, huh.NewText().
				Title("Extra environment").
				Description("KEY=VALUE per line, optional").
				Value(&extra))

			if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
				return fmt.Errorf("setup form: %w", err)
			}

			env := map[string]string{}
			for i, key := range keys {
				if values[i] != "" {
					env[key] = values[i]
				}
			}
			if err := parseEnvLines(extra, env); err != nil {
				return err
			}

			if state.SavedEnv == nil {
				state.SavedEnv = map[string]map[string]string{}
			}
			if len(env) == 0 {
				delete(state.SavedEnv, typ)
			} else {
				state.SavedEnv[typ] = env
			}
			if err := store.SaveState(state); err != nil {
				return fmt.Errorf("persist setup: %w", err)
			}

			fmt.Printf("saved %d environment value(s) for %s\n", len(env), typ)
			return nil
		},
	}
}

// formatEnvLines renders the saved vars that have no dedicated prompt,
// so a rerun shows and preserves them.
func formatEnvLines(saved map[string]string, prompted []string) string {
	skip := map[string]bool{}
	for _, k := range prompted {
		skip[k] = true
	}
	var lines []string
	for k, v := range saved {
		if !skip[k] {
			lines = append(lines, k+"="+v)
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func parseEnvLines(text string, into map[string]string) error {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("bad environment line %q: want KEY=VALUE", line)
		}
		into[key] = strings.TrimSpace(value)
	}
	return nil
}
