package preset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a preset from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML,
// .json for JSON. If the extension is unrecognized, YAML is attempted
// first, then JSON.
//
// After parsing, defaults are applied and the preset is validated.
// Unknown fields are rejected so a typo in a preset file fails loudly
// instead of silently configuring nothing.
func Load(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("preset file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading preset: %s", path)
		}
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a preset from raw bytes.
//
// The path parameter is used for error messages and format detection.
// If path is empty, format detection falls back to trying YAML first.
func LoadFromBytes(data []byte, path string) (*Preset, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("preset file is empty")
	}

	p, err := parsePreset(data, path)
	if err != nil {
		return nil, err
	}

	p.ApplyDefaults()

	if err := p.Validate(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}

	return p, nil
}

// LoadFromReader reads and validates a preset from an io.Reader.
func LoadFromReader(r io.Reader, path string) (*Preset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset: %w", err)
	}
	return LoadFromBytes(data, path)
}

// parsePreset parses the preset data based on file extension.
func parsePreset(data []byte, path string) (*Preset, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		// Unknown extension: try YAML first (more permissive), then JSON
		p, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return p, nil
		}
		p, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return p, nil
		}
		// Both failed - return YAML error as it's the preferred format
		return nil, fmt.Errorf("failed to parse preset (tried YAML and JSON): %w", yamlErr)
	}
}

// parseJSON parses preset data as JSON, rejecting unknown fields.
func parseJSON(data []byte) (*Preset, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Preset
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid JSON in preset: %w", err)
	}
	return &p, nil
}

// parseYAML parses preset data as YAML, rejecting unknown fields.
func parseYAML(data []byte) (*Preset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Preset
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid YAML in preset: %w", err)
	}
	return &p, nil
}
