// Package preset provides loading and validation of gofetch output presets.
//
// A preset is a YAML or JSON file that names an output configuration a
// client can request by name instead of spelling out kind and quality
// on every submission. Built-in presets are embedded in the binary;
// operators can add or override them with files in a presets directory.
//
// Example preset (YAML):
//
//	version: "1.0"
//	name: video-1080p
//	output:
//	  kind: video
//	  quality: 1080p
package preset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/gofetch/pkg/engine"
)

// Version is the preset format version accepted by this build.
const Version = "1.0"

// Validation errors.
var (
	// ErrValidationFailed indicates the preset failed validation.
	ErrValidationFailed = errors.New("preset validation failed")
)

// Preset represents a validated output preset.
type Preset struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the preset format version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name is the identifier clients use to request this preset.
	Name string `json:"name" yaml:"name"`

	// Output configures what the job should produce.
	Output OutputConfig `json:"output" yaml:"output"`
}

// OutputConfig configures the produced artifact.
type OutputConfig struct {
	// Kind is the output kind: "audio" or "video".
	Kind string `json:"kind" yaml:"kind"`

	// Quality is the quality label: "best", "2160p", "1080p", "720p"
	// or "480p". Optional, defaults to "best".
	Quality string `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// ApplyDefaults fills optional fields with their defaults.
func (p *Preset) ApplyDefaults() {
	if p.Output.Quality == "" {
		p.Output.Quality = "best"
	}
}

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path locates the problematic field (e.g., "output.kind").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return e.Path + ": " + e.Message
	}
	return e.Message
}

// ValidationErrors aggregates all issues found in one preset.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ErrValidationFailed.Error()
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%v: %s", ErrValidationFailed, strings.Join(msgs, "; "))
}

func (errs ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the preset for structural problems. All issues are
// collected so a broken file reports everything at once.
func (p *Preset) Validate() error {
	var errs ValidationErrors

	if p.Version != Version {
		errs = append(errs, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("unsupported version %q (want %q)", p.Version, Version),
		})
	}

	if p.Name == "" {
		errs = append(errs, ValidationError{Path: "name", Message: "name is required"})
	} else if !validName(p.Name) {
		errs = append(errs, ValidationError{
			Path:    "name",
			Message: fmt.Sprintf("invalid name %q (lowercase letters, digits and hyphens only)", p.Name),
		})
	}

	if p.Output.Kind == "" {
		errs = append(errs, ValidationError{Path: "output.kind", Message: "kind is required"})
	} else if _, err := engine.ParseSpec(p.Output.Kind, p.Output.Quality); err != nil {
		errs = append(errs, ValidationError{Path: "output", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Spec converts the preset's output configuration to an engine spec.
// Call only after Validate.
func (p *Preset) Spec() engine.OutputSpec {
	spec, _ := engine.ParseSpec(p.Output.Kind, p.Output.Quality)
	return spec
}

// validName accepts lowercase letters, digits and hyphens, starting
// with a letter. Preset names appear in URLs and config keys.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case r == '-':
			if i == 0 || i == len(name)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
