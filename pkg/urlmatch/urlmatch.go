// Package urlmatch evaluates glob patterns against media URLs.
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: the URL must match at least one (empty list
//     means every URL is included)
//   - Exclude patterns: the URL must not match any
//
// Patterns are doublestar globs matched against "host/path" with the
// host lowercased and the port stripped, e.g. "*.youtube.com/watch" or
// "youtu.be/**". A pattern without a slash matches against the host
// alone.
//
// The Matcher is safe for concurrent use after creation.
package urlmatch

import (
	"errors"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Errors returned by Matcher operations.
var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")

	// ErrInvalidURL is returned when the subject cannot be parsed as an
	// absolute URL.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrUnsupportedScheme is returned for non-http(s) URLs.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that URLs must match (at least one).
	// Optional: if empty, all URLs are included.
	Includes []string

	// Excludes are glob patterns that URLs must not match (any).
	// Optional: if empty, no excludes are applied.
	Excludes []string
}

// Matcher evaluates URL allow rules.
type Matcher struct {
	includes []string
	excludes []string
}

// New creates a new Matcher from the given configuration.
//
// Returns an error if any pattern is invalid (cannot be compiled).
func New(cfg Config) (*Matcher, error) {
	includes := make([]string, 0, len(cfg.Includes))
	for _, raw := range cfg.Includes {
		normalized := strings.ToLower(strings.TrimSpace(raw))
		if normalized == "" {
			continue
		}
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		includes = append(includes, normalized)
	}

	excludes := make([]string, 0, len(cfg.Excludes))
	for _, raw := range cfg.Excludes {
		normalized := strings.ToLower(strings.TrimSpace(raw))
		if normalized == "" {
			continue
		}
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		excludes = append(excludes, normalized)
	}

	return &Matcher{includes: includes, excludes: excludes}, nil
}

// Allowed reports whether the URL passes the include/exclude rules.
//
// A URL is allowed if:
//  1. It parses as an absolute http or https URL
//  2. It matches at least one include pattern (or none are configured)
//  3. It does not match any exclude pattern
func (m *Matcher) Allowed(rawURL string) (bool, error) {
	host, subject, err := subjectFor(rawURL)
	if err != nil {
		return false, err
	}

	if len(m.includes) > 0 {
		matched := false
		for _, inc := range m.includes {
			if matchPattern(inc, host, subject) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, host, subject) {
			return false, nil
		}
	}

	return true, nil
}

// Empty reports whether the matcher has no include patterns, meaning
// every parseable http(s) URL is allowed.
func (m *Matcher) Empty() bool {
	return len(m.includes) == 0 && len(m.excludes) == 0
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

// subjectFor parses the URL and builds the match subject.
func subjectFor(rawURL string) (host, subject string, err error) {
	u, parseErr := url.Parse(strings.TrimSpace(rawURL))
	if parseErr != nil {
		return "", "", &PatternError{Pattern: rawURL, Err: ErrInvalidURL}
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", "", &PatternError{Pattern: rawURL, Err: ErrUnsupportedScheme}
	}
	host = strings.ToLower(u.Hostname())
	if host == "" {
		return "", "", &PatternError{Pattern: rawURL, Err: ErrInvalidURL}
	}
	subject = host + u.Path
	return host, subject, nil
}

// matchPattern matches one pattern. Patterns without a slash are
// host-only; the rest match against "host/path".
func matchPattern(pattern, host, subject string) bool {
	target := subject
	if !strings.Contains(pattern, "/") {
		target = host
	}
	matched, err := doublestar.Match(pattern, target)
	if err != nil {
		// Pattern was validated at construction time, so this shouldn't happen
		return false
	}
	return matched
}
