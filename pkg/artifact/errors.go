package artifact

import (
	"errors"
	"fmt"
)

// Sentinel errors for artifact operations.
var (
	// ErrNotFound indicates the artifact file does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrEmpty indicates the artifact file exists but has zero bytes.
	ErrEmpty = errors.New("artifact is empty")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the archive bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrThrottled indicates the request was rate limited by the store.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the storage backend is unavailable.
	ErrUnavailable = errors.New("storage unavailable")
)

// StoreError wraps storage errors with context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Open", "Archive").
	Op string

	// JobID is the owning job, if applicable.
	JobID string

	// Path is the file path or object key, if applicable.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.JobID != "" && e.Path != "" {
		return fmt.Sprintf("artifact %s: %s: %s: %v", e.Op, e.JobID, e.Path, e.Err)
	}
	if e.JobID != "" {
		return fmt.Sprintf("artifact %s: %s: %v", e.Op, e.JobID, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("artifact %s: %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("artifact %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing artifact.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsEmpty returns true if the error indicates a zero-byte artifact.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrEmpty)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound returns true if the error indicates the archive bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsUnavailable returns true if the error indicates the storage backend is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
