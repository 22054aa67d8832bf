// Package jobregistry tracks the lifecycle of media fetch jobs.
//
// The registry is the single source of truth for job state. It is purely
// in-memory: records do not survive a process restart, and there is no
// cross-process coordination. Mutations for a given job are serialized,
// transitions are guarded by an explicit table, and terminal transitions
// happen exactly once.
package jobregistry

import "time"

// JobState is the lifecycle state of a managed job.
//
// NOTE: These values appear in API responses and progress events and are
// part of the stable wire contract.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateExpired   JobState = "expired"
)

// Terminal reports whether the state ends a job's execution. Expired is
// terminal too: it is applied by the sweeper to a succeeded job whose
// retention lapsed.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// allowedTransitions encodes the legal state machine edges.
//
// queued may go straight to cancelled when a job is cancelled before a
// worker picks it up. succeeded may move to expired once, at sweep time.
var allowedTransitions = map[JobState][]JobState{
	StateQueued:    {StateRunning, StateCancelled},
	StateRunning:   {StateSucceeded, StateFailed, StateCancelled},
	StateSucceeded: {StateExpired},
	StateFailed:    {},
	StateCancelled: {},
	StateExpired:   {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to JobState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorCode classifies why a job ended badly.
//
// NOTE: These values appear in API responses and are part of the stable
// wire contract.
type ErrorCode string

const (
	ErrCodeUnsupported ErrorCode = "unsupported"
	ErrCodeNetwork     ErrorCode = "network"
	ErrCodeTranscode   ErrorCode = "transcode"
	ErrCodeDisk        ErrorCode = "disk"
	ErrCodeTimeout     ErrorCode = "timeout"
	ErrCodeCancelled   ErrorCode = "cancelled"
	ErrCodeInternal    ErrorCode = "internal"
)

// JobError is the terminal error recorded on a failed or cancelled job.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// OutputSpec describes the requested artifact shape.
//
// Kind selects the media pipeline ("audio" extracts mp3, "video" muxes
// mp4). Quality is a height cap for video ("best", "2160p", "1080p",
// "720p", "480p") and is ignored for audio.
type OutputSpec struct {
	Kind    string `json:"kind"`
	Quality string `json:"quality,omitempty"`
}

// ArtifactInfo describes the produced file. Path is deliberately never
// serialized; clients retrieve bytes through the artifact endpoint only.
type ArtifactInfo struct {
	Path     string `json:"-"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`

	// ArchiveKey is the object key after a successful archive upload.
	// ArchiveError records the most recent failed upload attempt.
	ArchiveKey   string `json:"archive_key,omitempty"`
	ArchiveError string `json:"archive_error,omitempty"`
}

// Job is a single fetch job record.
//
// The schema is designed for backward-compatible extension (additive
// fields). Copies of Job are handed out by the registry; callers never
// see interior pointers into registry state.
type Job struct {
	JobID    string     `json:"job_id"`
	OwnerKey string     `json:"owner_key,omitempty"`
	URL      string     `json:"url"`
	Spec     OutputSpec `json:"spec"`

	State     JobState      `json:"state"`
	Fraction  float64       `json:"fraction"`
	Stage     string        `json:"stage,omitempty"`
	Error     *JobError     `json:"error,omitempty"`
	Artifact  *ArtifactInfo `json:"artifact,omitempty"`
	Delivered bool          `json:"delivered,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// clone returns a deep copy safe to hand outside the registry.
func (j *Job) clone() Job {
	out := *j
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Artifact != nil {
		a := *j.Artifact
		out.Artifact = &a
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
