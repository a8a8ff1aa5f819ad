package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// AdapterDef is a user-supplied adapter definition from ~/.agentim/adapters.json.
// It describes how to invoke an arbitrary CLI coding agent: the command, its
// fixed args, how the prompt is delivered, and which env vars the child gets.
type AdapterDef struct {
	Command     string              `json:"command"`
	Args        FlexibleStringSlice `json:"args,omitempty"`
	PromptVia   string              `json:"promptVia,omitempty"` // "arg" (default) or "stdin"
	Env         map[string]string   `json:"env,omitempty"`       // extra env vars for the child
	PassEnv     []string            `json:"passEnv,omitempty"`   // parent env vars to forward
	Description string              `json:"description,omitempty"`
}

// PromptDelivery returns the normalized promptVia value.
func (d AdapterDef) PromptDelivery() string {
	if d.PromptVia == "stdin" {
		return "stdin"
	}
	return "arg"
}

// Validate rejects definitions the runtime cannot execute.
func (d AdapterDef) Validate() error {
	if d.Command == "" {
		return fmt.Errorf("adapter definition missing command")
	}
	switch d.PromptVia {
	case "", "arg", "stdin":
	default:
		return fmt.Errorf("promptVia must be \"arg\" or \"stdin\", got %q", d.PromptVia)
	}
	return nil
}

// LoadAdapters reads custom adapter definitions keyed by adapter name.
// A missing file returns an empty map; built-in adapters do not need it.
func LoadAdapters(path string) (map[string]AdapterDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AdapterDef{}, nil
		}
		return nil, fmt.Errorf("read adapters file: %w", err)
	}

	defs := make(map[string]AdapterDef)
	if err := json5.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse adapters file: %w", err)
	}
	for name, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("adapter %q: %w", name, err)
		}
	}
	return defs, nil
}
