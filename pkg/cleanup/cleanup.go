// Package cleanup reclaims artifacts and job records on a periodic
// sweep.
//
// The sweeper runs the registry's retention pass on an interval and on
// demand (Kick, coalesced), then deletes the scratch directories the
// pass marked reclaimable and releases per-job broker and admission
// state for evicted records. Running jobs are never touched; the
// registry excludes them from every sweep bucket.
package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gofetch/pkg/jobregistry"
)

// Registry is the retention surface of the job registry.
type Registry interface {
	Sweep(now time.Time) jobregistry.SweepResult
}

// Store deletes per-job scratch directories.
type Store interface {
	RemoveJob(jobID string) error
}

// Streams releases per-job broker state after eviction.
type Streams interface {
	Drop(jobID string)
}

// Admissions prunes idle owner-limit entries.
type Admissions interface {
	Prune(now time.Time)
}

// Stats reports what one sweep pass did.
type Stats struct {
	Expired   int `json:"expired"`
	Evicted   int `json:"evicted"`
	Reclaimed int `json:"reclaimed"`
}

// IntervalFor derives a sweep interval from the retention period: half
// the retention, clamped to [1s, 30s].
func IntervalFor(retention time.Duration) time.Duration {
	iv := retention / 2
	if iv < time.Second {
		iv = time.Second
	}
	if iv > 30*time.Second {
		iv = 30 * time.Second
	}
	return iv
}

// Sweeper owns the background reclamation loop.
type Sweeper struct {
	reg      Registry
	store    Store
	streams  Streams
	adm      Admissions
	interval time.Duration
	logger   *zap.Logger

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
	sweeps   atomic.Int64

	mu   sync.Mutex
	last Stats
}

// New creates a sweeper. Call Start to begin the loop; Sweep also works
// standalone (admin endpoint, tests).
func New(reg Registry, store Store, streams Streams, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = IntervalFor(0)
	}
	return &Sweeper{
		reg:      reg,
		store:    store,
		streams:  streams,
		interval: interval,
		logger:   zap.NewNop(),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithLogger sets the sweeper's logger. Returns the sweeper for chaining.
func (s *Sweeper) WithLogger(logger *zap.Logger) *Sweeper {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithAdmissions adds admission-entry pruning to each pass. Returns the
// sweeper for chaining.
func (s *Sweeper) WithAdmissions(adm Admissions) *Sweeper {
	s.adm = adm
	return s
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick requests a prompt sweep. Multiple kicks before the loop wakes
// coalesce into one pass; Kick never blocks.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Sweeps returns the number of completed passes.
func (s *Sweeper) Sweeps() int64 {
	return s.sweeps.Load()
}

// Last returns the most recent pass stats.
func (s *Sweeper) Last() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.Sweep(time.Now())
	}
}

// Sweep runs one retention pass as of now and reclaims what it decided.
func (s *Sweeper) Sweep(now time.Time) Stats {
	res := s.reg.Sweep(now)
	st := Stats{Expired: len(res.Expired), Evicted: len(res.Evicted)}

	// Reclaim covers every terminal job whose scratch directory is due:
	// failed, cancelled and expired. Missing directories are fine.
	for _, job := range res.Reclaim {
		if err := s.store.RemoveJob(job.JobID); err != nil {
			s.logger.Warn("scratch reclaim failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			continue
		}
		st.Reclaimed++
	}

	for _, job := range res.Evicted {
		s.streams.Drop(job.JobID)
		if err := s.store.RemoveJob(job.JobID); err != nil {
			s.logger.Warn("scratch reclaim failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
		}
	}

	if s.adm != nil {
		s.adm.Prune(now)
	}

	if st.Expired > 0 || st.Evicted > 0 || st.Reclaimed > 0 {
		s.logger.Debug("sweep pass",
			zap.Int("expired", st.Expired),
			zap.Int("evicted", st.Evicted),
			zap.Int("reclaimed", st.Reclaimed))
	}

	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
	s.sweeps.Add(1)
	return st
}
