// Package presetassets provides embedded output presets for standalone binary behavior.
//
// Presets are embedded at compile time to ensure the CLI and server work
// correctly regardless of the working directory or installation location.
package presetassets

import _ "embed"

// AudioPreset is the embedded default audio preset.
//
//go:embed audio.yaml
var AudioPreset []byte

// VideoPreset is the embedded default video preset.
//
//go:embed video.yaml
var VideoPreset []byte

// Video1080pPreset is the embedded 1080p video preset.
//
//go:embed video-1080p.yaml
var Video1080pPreset []byte

// Video720pPreset is the embedded 720p video preset.
//
//go:embed video-720p.yaml
var Video720pPreset []byte
