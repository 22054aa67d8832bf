// Package engine abstracts the external media engine that downloads and
// transcodes a single URL into a local artifact.
//
// Implementations should:
//   - Stream progress without blocking the caller (bounded update channel)
//   - Honor context cancellation promptly
//   - Leave timeout and retry policy to the caller
package engine

import (
	"context"
	"fmt"
	"strings"
)

// Kind selects the media pipeline.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// OutputSpec describes the requested artifact shape. Quality is a height
// cap for video output and is ignored for audio (always mp3).
type OutputSpec struct {
	Kind    string
	Quality string
}

// qualityHeights maps quality names to yt-dlp height caps. "best" keeps
// the historical 2160 ceiling.
var qualityHeights = map[string]int{
	"best":  2160,
	"2160p": 2160,
	"1080p": 1080,
	"720p":  720,
	"480p":  480,
}

// ParseSpec validates and normalizes a requested kind/quality pair.
// Empty kind defaults to video, empty quality to best.
func ParseSpec(kind, quality string) (OutputSpec, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		kind = KindVideo
	}
	switch kind {
	case KindAudio, KindVideo:
	default:
		return OutputSpec{}, fmt.Errorf("unknown kind %q (want audio or video)", kind)
	}

	quality = strings.ToLower(strings.TrimSpace(quality))
	if quality == "" {
		quality = "best"
	}
	if kind == KindVideo {
		if _, ok := qualityHeights[quality]; !ok {
			return OutputSpec{}, fmt.Errorf("unknown quality %q", quality)
		}
	}

	return OutputSpec{Kind: kind, Quality: quality}, nil
}

// FormatSelector returns the yt-dlp format expression for the output spec.
func (s OutputSpec) FormatSelector() string {
	if s.Kind == KindAudio {
		return "bestaudio/best"
	}
	h, ok := qualityHeights[s.Quality]
	if !ok {
		h = qualityHeights["best"]
	}
	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best", h)
}

// Request describes one engine invocation. Dir is the job's private
// scratch directory; the engine writes only inside it.
type Request struct {
	URL  string
	Spec OutputSpec
	Dir  string
}

// Update is a point-in-time progress report. Fraction is in [0,1] as
// reported by the engine; callers own monotonicity.
type Update struct {
	Fraction        float64
	Stage           string
	DownloadedBytes int64
	TotalBytes      int64
}

// Result describes the artifact a finished engine run produced.
type Result struct {
	ArtifactPath string
	Filename     string
	Size         int64
}

// Handle is a single in-flight engine run.
//
// Updates is closed when the run finishes; Wait then returns without
// blocking. Cancel is best-effort and idempotent.
type Handle interface {
	// Updates streams progress reports. The channel is bounded; stale
	// intermediate updates may be dropped under backpressure, the final
	// state never is.
	Updates() <-chan Update

	// Wait blocks until the run finishes and returns its outcome.
	Wait() (Result, error)

	// Cancel asks the engine to stop. The run still terminates through
	// Wait, typically with a context cancellation error.
	Cancel()
}

// Engine starts media fetch runs.
type Engine interface {
	Start(ctx context.Context, req Request) (Handle, error)
}
