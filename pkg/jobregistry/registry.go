package jobregistry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound indicates the job does not exist (or was evicted).
	ErrNotFound = errors.New("job not found")

	// ErrExists indicates a job with the same ID already exists.
	ErrExists = errors.New("job already exists")

	// ErrConflict indicates the requested transition is not legal from
	// the job's current state.
	ErrConflict = errors.New("conflicting job state")

	// ErrAlreadyDelivered indicates the artifact was already claimed by
	// a retrieval under the single-retrieval policy.
	ErrAlreadyDelivered = errors.New("artifact already delivered")
)

// numShards spreads jobs over independently locked maps so hot jobs do
// not serialize unrelated mutations.
const numShards = 16

// Registry is the in-memory job store.
//
// All methods are safe for concurrent use. Mutations for a given job are
// serialized by its shard lock; reads return copies.
type Registry struct {
	retention time.Duration
	shards    [numShards]shard
}

type shard struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// New creates an empty registry. Terminal jobs are held for retention
// before Sweep evicts them; retention also bounds how long a succeeded
// job's artifact stays retrievable.
func New(retention time.Duration) *Registry {
	r := &Registry{retention: retention}
	for i := range r.shards {
		r.shards[i].jobs = make(map[string]*Job)
	}
	return r
}

func (r *Registry) shardFor(jobID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return &r.shards[h.Sum32()%numShards]
}

// Create registers a new job in the queued state.
//
// CreatedAt is stamped if unset. The registry keeps its own copy; the
// caller's Job is not retained.
func (r *Registry) Create(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.JobID == "" {
		return fmt.Errorf("job_id is required")
	}

	s := r.shardFor(job.JobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("job %s: %w", job.JobID, ErrExists)
	}

	stored := job.clone()
	stored.State = StateQueued
	stored.Fraction = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.JobID] = &stored
	return nil
}

// Get returns a copy of the job.
func (r *Registry) Get(jobID string) (Job, error) {
	s := r.shardFor(jobID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return j.clone(), nil
}

// List returns copies of all jobs, newest first.
func (r *Registry) List() []Job {
	out := make([]Job, 0, r.Len())
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, j := range s.jobs {
			out = append(out, j.clone())
		}
		s.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})
	return out
}

func jobSortTime(j Job) time.Time {
	if j.StartedAt != nil {
		return j.StartedAt.UTC()
	}
	return j.CreatedAt.UTC()
}

// Len returns the number of live job records.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.jobs)
		s.mu.RUnlock()
	}
	return n
}

// MarkRunning transitions a queued job to running and stamps StartedAt.
// Returns ErrConflict if the job is no longer queued (cancelled while
// waiting, typically).
func (r *Registry) MarkRunning(jobID string, now time.Time) (Job, error) {
	s := r.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if !CanTransition(j.State, StateRunning) {
		return Job{}, fmt.Errorf("job %s: %s -> running: %w", jobID, j.State, ErrConflict)
	}

	started := now.UTC()
	j.State = StateRunning
	j.StartedAt = &started
	return j.clone(), nil
}

// UpdateProgress records a progress fraction for a running job.
//
// Fractions are clamped to [0,1] and never move backwards; a stale or
// duplicate update reports changed=false. Updates against a job that is
// not running return ErrConflict (a benign race after cancellation).
func (r *Registry) UpdateProgress(jobID string, fraction float64, stage string) (Job, bool, error) {
	s := r.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.State != StateRunning {
		return Job{}, false, fmt.Errorf("job %s is %s: %w", jobID, j.State, ErrConflict)
	}

	f := fraction
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}

	changed := false
	if f > j.Fraction {
		j.Fraction = f
		changed = true
	}
	if stage != "" && stage != j.Stage {
		j.Stage = stage
		changed = true
	}
	return j.clone(), changed, nil
}

// SetTerminal moves a job to a terminal state exactly once.
//
// The first caller wins; later attempts (including the runner finishing a
// job that was concurrently cancelled) get ErrConflict. EndedAt and
// ExpiresAt are stamped here. A succeeded job records its artifact and
// jumps to fraction 1.
func (r *Registry) SetTerminal(jobID string, state JobState, jerr *JobError, art *ArtifactInfo, now time.Time) (Job, error) {
	if !state.Terminal() || state == StateExpired {
		return Job{}, fmt.Errorf("job %s: %s is not a runner terminal state", jobID, state)
	}

	s := r.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if !CanTransition(j.State, state) {
		return Job{}, fmt.Errorf("job %s: %s -> %s: %w", jobID, j.State, state, ErrConflict)
	}

	ended := now.UTC()
	expires := ended.Add(r.retention)
	j.State = state
	j.EndedAt = &ended
	j.ExpiresAt = &expires

	switch state {
	case StateSucceeded:
		j.Fraction = 1
		if art != nil {
			a := *art
			j.Artifact = &a
		}
	default:
		if jerr != nil {
			e := *jerr
			j.Error = &e
		}
	}
	return j.clone(), nil
}

// MarkDelivered atomically claims a succeeded job's artifact for a
// single retrieval. The first claim wins; later claims get
// ErrAlreadyDelivered.
func (r *Registry) MarkDelivered(jobID string) (Job, error) {
	s := r.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.State != StateSucceeded {
		return Job{}, fmt.Errorf("job %s is %s: %w", jobID, j.State, ErrConflict)
	}
	if j.Delivered {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrAlreadyDelivered)
	}
	j.Delivered = true
	return j.clone(), nil
}

// SetArchived records the outcome of an archive upload on the job's
// artifact. Key and errMsg are mutually exclusive; the job must be
// terminal with an artifact recorded.
func (r *Registry) SetArchived(jobID, key, errMsg string) (Job, error) {
	s := r.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.Artifact == nil {
		return Job{}, fmt.Errorf("job %s has no artifact: %w", jobID, ErrConflict)
	}
	j.Artifact.ArchiveKey = key
	j.Artifact.ArchiveError = errMsg
	return j.clone(), nil
}

// SweepResult reports what a Sweep pass decided.
type SweepResult struct {
	// Expired are succeeded jobs transitioned to expired this pass;
	// their artifacts are due for deletion.
	Expired []Job

	// Evicted are records removed from the registry this pass.
	Evicted []Job

	// Reclaim are terminal jobs whose scratch directories may still
	// exist and should be removed (failed, cancelled, expired).
	Reclaim []Job
}

// Sweep applies retention policy as of now.
//
// Succeeded jobs past their expiry (or already delivered) become expired
// and stay observable for one more retention period before eviction.
// Failed, cancelled and expired jobs past expiry are evicted. Sweep is
// idempotent and safe to run concurrently; running jobs are never
// touched.
func (r *Registry) Sweep(now time.Time) SweepResult {
	now = now.UTC()
	var res SweepResult

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, j := range s.jobs {
			switch j.State {
			case StateSucceeded:
				due := j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
				if (j.Delivered || due) && CanTransition(j.State, StateExpired) {
					expires := now.Add(r.retention)
					j.State = StateExpired
					j.ExpiresAt = &expires
					res.Expired = append(res.Expired, j.clone())
					res.Reclaim = append(res.Reclaim, j.clone())
				}
			case StateFailed, StateCancelled, StateExpired:
				if j.ExpiresAt != nil && !now.Before(*j.ExpiresAt) {
					res.Evicted = append(res.Evicted, j.clone())
					delete(s.jobs, id)
					continue
				}
				res.Reclaim = append(res.Reclaim, j.clone())
			}
		}
		s.mu.Unlock()
	}
	return res
}

// Remove deletes a job record outright. Intended for rolling back a
// submission that could not be enqueued; retention eviction goes through
// Sweep.
func (r *Registry) Remove(jobID string) {
	s := r.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// CountByState returns the number of jobs per state.
func (r *Registry) CountByState() map[JobState]int {
	out := make(map[JobState]int)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, j := range s.jobs {
			out[j.State]++
		}
		s.mu.RUnlock()
	}
	return out
}
