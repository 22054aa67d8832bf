package preset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	presetassets "github.com/3leaps/gofetch/internal/assets/presets"
)

// Registry resolves preset names to validated presets. Built-in
// presets are always present; presets loaded from a directory shadow
// built-ins with the same name. The registry is immutable after
// construction and safe for concurrent use.
type Registry struct {
	presets map[string]*Preset
}

// builtins returns the embedded presets. Embedded assets are compiled
// into the binary, so a parse failure here is a build defect and
// panics at startup rather than limping along without defaults.
func builtins() []*Preset {
	raw := [][]byte{
		presetassets.AudioPreset,
		presetassets.VideoPreset,
		presetassets.Video1080pPreset,
		presetassets.Video720pPreset,
	}
	out := make([]*Preset, 0, len(raw))
	for _, data := range raw {
		p, err := LoadFromBytes(data, "embedded.yaml")
		if err != nil {
			panic(fmt.Sprintf("embedded preset is invalid: %v", err))
		}
		out = append(out, p)
	}
	return out
}

// NewRegistry builds a registry from the built-in presets plus any
// .yaml/.yml/.json files in dir. An empty dir loads built-ins only.
// A missing dir is not an error; a broken preset file is.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{presets: make(map[string]*Preset)}

	for _, p := range builtins() {
		r.presets[p.Name] = p
	}

	if dir == "" {
		return r, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read presets directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		p, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		r.presets[p.Name] = p
	}

	return r, nil
}

// Resolve returns the preset with the given name.
func (r *Registry) Resolve(name string) (*Preset, bool) {
	p, ok := r.presets[name]
	return p, ok
}

// Names returns all preset names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered presets.
func (r *Registry) Len() int {
	return len(r.presets)
}
