// Package output provides JSONL output for job lifecycle events.
//
// Output is structured as typed record envelopes containing job
// announcements, progress updates, errors, and final summaries. Each
// line is a self-contained JSON object that can be parsed
// independently, which keeps the one-shot CLI pipeable.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gofetch.<type>.v<version>
const (
	// TypeJob identifies job announcement records, emitted once when a
	// job is accepted.
	TypeJob = "gofetch.job.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "gofetch.progress.v1"

	// TypeError identifies error records.
	TypeError = "gofetch.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gofetch.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gofetch.progress.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this job.
	JobID string `json:"job_id"`

	// Engine identifies the media engine (e.g., "ytdlp").
	Engine string `json:"engine"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for job announcements.
//
// Emitted once per job, before any progress, so consumers can
// correlate the stream with the request that produced it.
type JobRecord struct {
	// URL is the source media URL.
	URL string `json:"url"`

	// Kind is the requested output kind ("audio" or "video").
	Kind string `json:"kind"`

	// Quality is the requested quality label.
	Quality string `json:"quality,omitempty"`

	// OwnerKey identifies the submitting client.
	OwnerKey string `json:"owner_key,omitempty"`
}

// ProgressRecord is the data payload for progress updates.
//
// Progress records are emitted periodically while a job runs to
// provide visibility into long downloads and transcodes.
type ProgressRecord struct {
	// State is the job state at the time of the update.
	State string `json:"state"`

	// Fraction is overall completion in [0, 1].
	Fraction float64 `json:"fraction"`

	// Stage names the engine phase (e.g., "downloading",
	// "postprocessing").
	Stage string `json:"stage,omitempty"`

	// DownloadedBytes is the byte count fetched so far, if known.
	DownloadedBytes int64 `json:"downloaded_bytes,omitempty"`

	// TotalBytes is the expected total size, if known.
	TotalBytes int64 `json:"total_bytes,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than bare process failures so
// consumers see the same code the HTTP API would have returned.
type ErrorRecord struct {
	// Code is a machine-readable error code (e.g., "network").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted once per job after it reaches a
// terminal state.
type SummaryRecord struct {
	// State is the terminal state ("succeeded", "failed", "cancelled").
	State string `json:"state"`

	// Filename is the produced artifact's name, if the job succeeded.
	Filename string `json:"filename,omitempty"`

	// Size is the artifact size in bytes.
	Size int64 `json:"size,omitempty"`

	// SizeHuman is a human-readable artifact size.
	SizeHuman string `json:"size_human,omitempty"`

	// Duration is the total job duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
