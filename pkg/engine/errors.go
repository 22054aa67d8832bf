package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for engine failures.
var (
	// ErrUnsupported indicates the URL or requested format cannot be
	// handled by the engine (bad URL, no matching formats, private or
	// removed media).
	ErrUnsupported = errors.New("unsupported source")

	// ErrNetwork indicates the download failed for network reasons.
	ErrNetwork = errors.New("network failure")

	// ErrTranscode indicates post-processing (ffmpeg mux or audio
	// extraction) failed.
	ErrTranscode = errors.New("transcode failure")

	// ErrDisk indicates the artifact could not be written or read back.
	ErrDisk = errors.New("disk failure")
)

// EngineError wraps engine failures with context.
type EngineError struct {
	// Op is the operation that failed (e.g., "Run", "Resolve").
	Op string

	// URL is the source URL, if applicable.
	URL string

	// Err is the underlying error, a sentinel where classification
	// succeeded.
	Err error
}

func (e *EngineError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("engine %s: %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsUnsupported returns true if the error indicates an unsupported source.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsNetwork returns true if the error indicates a network failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsTranscode returns true if the error indicates a transcode failure.
func IsTranscode(err error) bool {
	return errors.Is(err, ErrTranscode)
}

// IsDisk returns true if the error indicates a disk failure.
func IsDisk(err error) bool {
	return errors.Is(err, ErrDisk)
}

// classify maps raw engine output to a sentinel error.
//
// yt-dlp reports failures as freeform stderr text, so classification is
// by message pattern, most specific first. Unmatched errors are returned
// unchanged; callers treat those as internal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg,
		"no space left on device",
		"read-only file system",
		"permission denied",
		"disk quota exceeded"):
		return ErrDisk

	case containsAny(msg,
		"postprocessing",
		"ffmpeg",
		"ffprobe",
		"audio conversion failed",
		"merging of multiple formats"):
		return ErrTranscode

	case containsAny(msg,
		"unsupported url",
		"is not a valid url",
		"unable to extract",
		"no video formats found",
		"requested format is not available",
		"video unavailable",
		"private video",
		"members-only",
		"sign in to confirm",
		"age-restricted"):
		return ErrUnsupported

	case containsAny(msg,
		"unable to download",
		"http error",
		"connection refused",
		"connection reset",
		"timed out",
		"temporary failure in name resolution",
		"name or service not known",
		"getaddrinfo",
		"tls",
		"ssl",
		"network is unreachable",
		"incomplete read"):
		return ErrNetwork
	}

	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// wrapRunError classifies and wraps a failed run.
func wrapRunError(op, url string, err error) error {
	classified := classify(err)
	if classified != err {
		return &EngineError{Op: op, URL: url, Err: fmt.Errorf("%w: %v", classified, err)}
	}
	return &EngineError{Op: op, URL: url, Err: err}
}
