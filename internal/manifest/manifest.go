// Package manifest reads the hook-target manifest a plugin ships with.
// The manifest is the build-time source of the identifier table: it names
// every function or method the plugin may hook, with its stable id.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thfabian/bifrost/internal/hook"
)

// Target is one hookable function or method.
type Target struct {
	ID     uint32 `yaml:"id"`
	Name   string `yaml:"name"`
	Module string `yaml:"module"`
	Kind   string `yaml:"kind"`   // "cfunction" or "vtable"
	Symbol string `yaml:"symbol"` // exported name; empty for vtable slots
}

// Manifest describes one plugin and its hookable targets.
type Manifest struct {
	Plugin  string   `yaml:"plugin"`
	Targets []Target `yaml:"targets"`
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Plugin == "" {
		return nil, fmt.Errorf("manifest: missing plugin name")
	}

	seen := make(map[uint32]string, len(m.Targets))
	for i, tgt := range m.Targets {
		if tgt.Name == "" {
			return nil, fmt.Errorf("manifest %s: target %d has no name", m.Plugin, i)
		}
		if tgt.Module == "" {
			return nil, fmt.Errorf("manifest %s: target %q has no module", m.Plugin, tgt.Name)
		}
		if prev, ok := seen[tgt.ID]; ok {
			return nil, fmt.Errorf("manifest %s: id %d used by both %q and %q", m.Plugin, tgt.ID, prev, tgt.Name)
		}
		seen[tgt.ID] = tgt.Name

		switch tgt.Kind {
		case "cfunction":
			if tgt.Symbol == "" {
				return nil, fmt.Errorf("manifest %s: c-function target %q needs a symbol", m.Plugin, tgt.Name)
			}
		case "vtable":
			if tgt.Symbol != "" {
				return nil, fmt.Errorf("manifest %s: vtable target %q must not name a symbol", m.Plugin, tgt.Name)
			}
		default:
			return nil, fmt.Errorf("manifest %s: target %q has unknown kind %q", m.Plugin, tgt.Name, tgt.Kind)
		}
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Table materializes the identifier table the hook engine consumes.
func (m *Manifest) Table() (*hook.Table, error) {
	table := hook.NewTable()
	for _, tgt := range m.Targets {
		kind := hook.KindCFunction
		if tgt.Kind == "vtable" {
			kind = hook.KindVTable
		}
		err := table.Register(hook.TableEntry{
			ID:     tgt.ID,
			Name:   tgt.Name,
			Module: tgt.Module,
			Kind:   kind,
			Symbol: tgt.Symbol,
		})
		if err != nil {
			return nil, err
		}
	}
	return table, nil
}
