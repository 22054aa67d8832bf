// Package service composes the job lifecycle: admission, registry,
// runner, progress fan-out, artifact store and cleanup. The HTTP layer
// and the one-shot CLI drive this surface and nothing below it.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/pkg/admission"
	"github.com/3leaps/gofetch/pkg/artifact"
	"github.com/3leaps/gofetch/pkg/cleanup"
	"github.com/3leaps/gofetch/pkg/engine"
	"github.com/3leaps/gofetch/pkg/jobregistry"
	"github.com/3leaps/gofetch/pkg/preset"
	"github.com/3leaps/gofetch/pkg/progress"
	"github.com/3leaps/gofetch/pkg/runner"
	"github.com/3leaps/gofetch/pkg/urlmatch"
)

// anonymousOwner buckets submissions that arrive without an owner key.
const anonymousOwner = "anonymous"

// defaultArchiveTimeout bounds one archive upload attempt.
const defaultArchiveTimeout = 2 * time.Minute

// Params are the components a Service composes. Engine, Registry,
// Admission, Broker and Store are required. A nil Matcher allows every
// URL, a nil Presets registry disables preset lookup, a nil Archiver
// disables archiving.
type Params struct {
	Engine    engine.Engine
	Registry  *jobregistry.Registry
	Admission *admission.Controller
	Broker    *progress.Broker
	Store     *artifact.Store
	Matcher   *urlmatch.Matcher
	Presets   *preset.Registry
	Archiver  *artifact.Archiver
	Logger    *zap.Logger
}

// Config carries the knobs the composed components do not own.
type Config struct {
	Runner runner.Config

	// Retention informs the default sweep cadence when SweepInterval
	// is zero.
	Retention     time.Duration
	SweepInterval time.Duration

	// SingleRetrieval claims an artifact on first download and expires
	// it immediately after.
	SingleRetrieval bool

	// ArchiveTimeout bounds one archive upload. Zero uses two minutes.
	ArchiveTimeout time.Duration
}

// Service is the job lifecycle manager.
type Service struct {
	cfg      Config
	reg      *jobregistry.Registry
	adm      *admission.Controller
	broker   *progress.Broker
	store    *artifact.Store
	matcher  *urlmatch.Matcher
	presets  *preset.Registry
	archiver *artifact.Archiver
	logger   *zap.Logger

	pool    *runner.Pool
	sweeper *cleanup.Sweeper

	archiveWG sync.WaitGroup
}

// New wires a service from its components. Call Start before use.
func New(p Params, cfg Config) (*Service, error) {
	if p.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if p.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if p.Admission == nil {
		return nil, fmt.Errorf("admission controller is required")
	}
	if p.Broker == nil {
		return nil, fmt.Errorf("progress broker is required")
	}
	if p.Store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}

	s := &Service{
		cfg:      cfg,
		reg:      p.Registry,
		adm:      p.Admission,
		broker:   p.Broker,
		store:    p.Store,
		matcher:  p.Matcher,
		presets:  p.Presets,
		archiver: p.Archiver,
		logger:   p.Logger,
	}

	s.pool = runner.New(p.Engine, p.Registry, p.Broker, p.Store, cfg.Runner).
		WithLogger(p.Logger).
		WithTerminalHook(s.onTerminal)

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = cleanup.IntervalFor(cfg.Retention)
	}
	s.sweeper = cleanup.New(p.Registry, p.Store, p.Broker, interval).
		WithLogger(p.Logger).
		WithAdmissions(p.Admission)

	return s, nil
}

// Start launches the worker pool and the cleanup loop.
func (s *Service) Start(ctx context.Context) {
	s.pool.Start(ctx)
	s.sweeper.Start()
}

// Stop drains the pool, waits for in-flight archive uploads and stops
// the sweeper. Bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	poolErr := s.pool.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.archiveWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown with archive uploads still in flight")
	}

	sweepErr := s.sweeper.Stop(ctx)
	if poolErr != nil {
		return poolErr
	}
	return sweepErr
}

// SubmitRequest is one fetch submission. Either Preset or an inline
// Kind/Quality pair, not both.
type SubmitRequest struct {
	URL     string
	Kind    string
	Quality string
	Preset  string
}

// Submit validates, admits and enqueues one job, returning the queued
// snapshot. Denials come back as *admission.DeniedError, bad input as
// validation errors.
func (s *Service) Submit(ctx context.Context, ownerKey string, req SubmitRequest) (jobregistry.Job, error) {
	if err := ctx.Err(); err != nil {
		return jobregistry.Job{}, err
	}
	if ownerKey == "" {
		ownerKey = anonymousOwner
	}

	spec, err := s.resolveSpec(req)
	if err != nil {
		return jobregistry.Job{}, err
	}
	if err := s.checkURL(req.URL); err != nil {
		return jobregistry.Job{}, err
	}

	ticket, err := s.adm.TryAdmit(ownerKey, time.Now())
	if err != nil {
		return jobregistry.Job{}, err
	}

	jobID := uuid.New().String()
	job := &jobregistry.Job{
		JobID:    jobID,
		OwnerKey: ownerKey,
		URL:      req.URL,
		Spec:     jobregistry.OutputSpec{Kind: spec.Kind, Quality: spec.Quality},
	}
	if err := s.reg.Create(job); err != nil {
		ticket.Rollback()
		return jobregistry.Job{}, fmt.Errorf("create job: %w", err)
	}

	dir, err := s.store.EnsureJobDir(jobID)
	if err != nil {
		s.reg.Remove(jobID)
		ticket.Rollback()
		return jobregistry.Job{}, err
	}

	created, err := s.reg.Get(jobID)
	if err != nil {
		ticket.Rollback()
		return jobregistry.Job{}, err
	}
	s.broker.Publish(jobID, progress.FromJob(created))

	task := &runner.Task{JobID: jobID, URL: req.URL, Spec: spec, Dir: dir, Ticket: ticket}
	if err := s.pool.Enqueue(task); err != nil {
		s.reg.Remove(jobID)
		s.broker.Drop(jobID)
		_ = s.store.RemoveJob(jobID)
		ticket.Rollback()
		if errors.Is(err, runner.ErrQueueFull) {
			return jobregistry.Job{}, admission.Busy()
		}
		return jobregistry.Job{}, err
	}

	s.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("owner", ownerKey),
		zap.String("kind", spec.Kind))
	return created, nil
}

func (s *Service) resolveSpec(req SubmitRequest) (engine.OutputSpec, error) {
	if req.Preset != "" {
		if req.Kind != "" || req.Quality != "" {
			return engine.OutputSpec{}, apperrors.NewValidation("preset and inline spec are mutually exclusive").
				WithDetail("preset", req.Preset)
		}
		if s.presets == nil {
			return engine.OutputSpec{}, apperrors.NewValidation("presets are not configured")
		}
		p, ok := s.presets.Resolve(req.Preset)
		if !ok {
			return engine.OutputSpec{}, apperrors.NewValidation("unknown preset").
				WithDetail("preset", req.Preset)
		}
		return p.Spec(), nil
	}

	spec, err := engine.ParseSpec(req.Kind, req.Quality)
	if err != nil {
		return engine.OutputSpec{}, apperrors.NewValidation(err.Error())
	}
	return spec, nil
}

func (s *Service) checkURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperrors.NewValidation("url is required")
	}
	if s.matcher == nil {
		return nil
	}
	ok, err := s.matcher.Allowed(raw)
	if err != nil {
		return apperrors.NewValidation("invalid url").WithDetail("url", raw)
	}
	if !ok {
		return apperrors.NewValidation("url is not allowed").WithDetail("url", raw)
	}
	return nil
}

// Job returns one job snapshot.
func (s *Service) Job(jobID string) (jobregistry.Job, error) {
	return s.reg.Get(jobID)
}

// Jobs returns all live job records, newest first.
func (s *Service) Jobs() []jobregistry.Job {
	return s.reg.List()
}

// Cancel requests cancellation. Queued jobs are cancelled immediately;
// running jobs asynchronously through the runner. Terminal jobs report
// ErrConflict.
func (s *Service) Cancel(jobID string) (jobregistry.Job, error) {
	job, err := s.reg.Get(jobID)
	if err != nil {
		return jobregistry.Job{}, err
	}
	if job.State.Terminal() {
		return jobregistry.Job{}, fmt.Errorf("job %s is already %s: %w", jobID, job.State, jobregistry.ErrConflict)
	}

	if s.pool.Cancel(jobID) {
		// The runner owns the terminal transition; report the current
		// snapshot, which may still say running.
		return s.reg.Get(jobID)
	}

	cancelled, err := s.reg.SetTerminal(jobID, jobregistry.StateCancelled,
		&jobregistry.JobError{Code: jobregistry.ErrCodeCancelled, Message: "cancelled by request"},
		nil, time.Now())
	if err != nil {
		if errors.Is(err, jobregistry.ErrConflict) {
			// Raced with the runner committing a terminal state.
			if latest, gerr := s.reg.Get(jobID); gerr == nil && latest.State.Terminal() {
				return jobregistry.Job{}, fmt.Errorf("job %s is already %s: %w", jobID, latest.State, jobregistry.ErrConflict)
			}
		}
		return jobregistry.Job{}, err
	}

	s.broker.Finish(jobID, progress.FromJob(cancelled))
	s.sweeper.Kick()
	s.logger.Info("job cancelled while queued", zap.String("job_id", jobID))
	return cancelled, nil
}

// Subscribe attaches to a job's event stream.
func (s *Service) Subscribe(jobID string) (<-chan progress.Event, progress.CancelFunc, error) {
	if _, err := s.reg.Get(jobID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.broker.Subscribe(jobID)
	return ch, cancel, nil
}

// ArtifactHandle is an opened artifact ready to stream. The caller
// closes File.
type ArtifactHandle struct {
	File *os.File
	Info os.FileInfo
	Job  jobregistry.Job
}

// OpenArtifact opens a succeeded job's artifact for download. Under the
// single-retrieval policy the first open claims the artifact; later
// opens get ErrAlreadyDelivered. Jobs that are not yet terminal report
// ErrConflict, everything else ErrNotFound.
func (s *Service) OpenArtifact(jobID string) (*ArtifactHandle, error) {
	job, err := s.reg.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !job.State.Terminal() {
		return nil, fmt.Errorf("job %s is %s, not finished: %w", jobID, job.State, jobregistry.ErrConflict)
	}
	if job.State != jobregistry.StateSucceeded || job.Artifact == nil {
		return nil, fmt.Errorf("job %s has no retrievable artifact: %w", jobID, jobregistry.ErrNotFound)
	}

	f, info, err := s.store.Open(jobID, job.Artifact.Path)
	if err != nil {
		return nil, err
	}

	if s.cfg.SingleRetrieval {
		claimed, err := s.reg.MarkDelivered(jobID)
		if err != nil {
			f.Close()
			return nil, err
		}
		job = claimed
		// The open handle survives reclamation of the scratch dir, so
		// the sweep this kicks cannot cut the download short.
		s.sweeper.Kick()
	}

	return &ArtifactHandle{File: f, Info: info, Job: job}, nil
}

// Stats is a point-in-time operational summary.
type Stats struct {
	Jobs        map[jobregistry.JobState]int `json:"jobs"`
	Running     int                          `json:"running"`
	Queued      int                          `json:"queued"`
	Owners      int                          `json:"owners"`
	Streams     int                          `json:"streams"`
	Subscribers int                          `json:"subscribers"`
	Sweeps      int64                        `json:"sweeps"`
	LastSweep   cleanup.Stats                `json:"last_sweep"`
	Store       artifact.Stats               `json:"store"`
}

// Stats reports counters for the admin surface and doctor.
func (s *Service) Stats() Stats {
	st, err := s.store.Stats()
	if err != nil {
		s.logger.Debug("store stats failed", zap.Error(err))
	}
	return Stats{
		Jobs:        s.reg.CountByState(),
		Running:     s.pool.Running(),
		Queued:      s.pool.Queued(),
		Owners:      s.adm.Owners(),
		Streams:     s.broker.Streams(),
		Subscribers: s.broker.Subscribers(),
		Sweeps:      s.sweeper.Sweeps(),
		LastSweep:   s.sweeper.Last(),
		Store:       st,
	}
}

// SweepNow runs one synchronous cleanup pass.
func (s *Service) SweepNow() cleanup.Stats {
	return s.sweeper.Sweep(time.Now())
}

// onTerminal runs after the runner commits a terminal state.
func (s *Service) onTerminal(job jobregistry.Job) {
	if job.State == jobregistry.StateSucceeded && s.archiver != nil && job.Artifact != nil {
		s.archiveWG.Add(1)
		go s.archive(job)
	}
	s.sweeper.Kick()
}

// archive uploads one artifact and records the outcome on the job.
// Failures never affect the job's terminal state.
func (s *Service) archive(job jobregistry.Job) {
	defer s.archiveWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
	defer cancel()

	key, err := s.archiver.Archive(ctx, job.JobID, job.Artifact.Path)
	if err != nil {
		s.logger.Warn("artifact archive failed",
			zap.String("job_id", job.JobID),
			zap.Error(err))
		if _, rerr := s.reg.SetArchived(job.JobID, "", err.Error()); rerr != nil {
			s.logger.Debug("recording archive failure", zap.String("job_id", job.JobID), zap.Error(rerr))
		}
		return
	}

	s.logger.Info("artifact archived",
		zap.String("job_id", job.JobID),
		zap.String("key", key))
	if _, rerr := s.reg.SetArchived(job.JobID, key, ""); rerr != nil {
		s.logger.Debug("recording archive key", zap.String("job_id", job.JobID), zap.Error(rerr))
	}
}
