// Package runner executes admitted jobs on a bounded worker pool.
//
// The pool owns every job state transition after admission: queued jobs
// wait in a bounded channel, a fixed set of workers drives the media
// engine, and exactly one terminal state is committed per job no matter
// how the run ends (success, engine failure, timeout, cancellation or
// shutdown). Cancellation is cooperative: cancelling a running job
// cancels its context and the engine's process dies with it.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gofetch/pkg/engine"
	"github.com/3leaps/gofetch/pkg/jobregistry"
	"github.com/3leaps/gofetch/pkg/progress"
)

// Pool errors.
var (
	// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
	ErrQueueFull = errors.New("job queue is full")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("runner is stopped")
)

// Config configures the worker pool.
type Config struct {
	// Workers is the number of jobs that may run concurrently.
	// Default: 2
	Workers int

	// QueueDepth bounds how many admitted jobs may wait for a worker.
	// Enqueue fails fast once the queue is full.
	// Default: 8
	QueueDepth int

	// MaxDuration limits a single job's runtime. Zero means unlimited.
	MaxDuration time.Duration

	// StartRate is the maximum global job starts per second.
	// Zero means unlimited.
	StartRate float64
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:    2,
		QueueDepth: 8,
	}
}

// Registry is the slice of the job registry the pool mutates.
type Registry interface {
	Get(jobID string) (jobregistry.Job, error)
	MarkRunning(jobID string, now time.Time) (jobregistry.Job, error)
	UpdateProgress(jobID string, fraction float64, stage string) (jobregistry.Job, bool, error)
	SetTerminal(jobID string, state jobregistry.JobState, jerr *jobregistry.JobError, art *jobregistry.ArtifactInfo, now time.Time) (jobregistry.Job, error)
}

// Publisher receives job status events as the pool produces them.
type Publisher interface {
	Publish(jobID string, ev progress.Event)
	Finish(jobID string, ev progress.Event)
}

// Verifier checks a produced artifact before the job is declared
// succeeded.
type Verifier interface {
	Verify(jobID, path string) (int64, error)
}

// Releaser is the admission ticket surface the pool needs.
type Releaser interface {
	Release()
}

// Task is one admitted job ready to run.
type Task struct {
	JobID  string
	URL    string
	Spec   engine.OutputSpec
	Dir    string
	Ticket Releaser

	cancelled atomic.Bool
	timedOut  atomic.Bool
}

// Pool runs tasks with bounded concurrency and a bounded backlog.
type Pool struct {
	cfg     Config
	eng     engine.Engine
	reg     Registry
	pub     Publisher
	verify  Verifier
	limiter *rate.Limiter
	logger  *zap.Logger

	// onTerminal is invoked after a terminal state is committed,
	// outside any lock. Used for cleanup kicks and archiving.
	onTerminal func(jobregistry.Job)

	queue chan *Task

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	running int
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a pool. Call Start before enqueueing.
func New(eng engine.Engine, reg Registry, pub Publisher, verify Verifier, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}

	p := &Pool{
		cfg:     cfg,
		eng:     eng,
		reg:     reg,
		pub:     pub,
		verify:  verify,
		logger:  zap.NewNop(),
		queue:   make(chan *Task, cfg.QueueDepth),
		cancels: make(map[string]context.CancelFunc),
	}
	if cfg.StartRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.StartRate), 1)
	}
	return p
}

// WithLogger sets the pool's logger. Returns the pool for chaining.
func (p *Pool) WithLogger(logger *zap.Logger) *Pool {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// WithTerminalHook registers a callback invoked after each terminal
// commit. Returns the pool for chaining.
func (p *Pool) WithTerminalHook(hook func(jobregistry.Job)) *Pool {
	p.onTerminal = hook
	return p
}

// Start launches the workers. The pool runs until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx, p.baseCancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.queue {
				p.runTask(t)
			}
		}()
	}
}

// Enqueue hands an admitted job to the pool without blocking. Returns
// ErrQueueFull when the backlog is at capacity so the caller can report
// busy instead of stalling the submitter.
func (p *Pool) Enqueue(t *Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	select {
	case p.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel requests cancellation of a running job. Returns false if the
// job is not currently running (still queued, or already finished);
// queued jobs are cancelled through the registry and skipped when a
// worker picks them up.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// Stop closes intake, cancels running jobs and waits for the workers to
// drain. Running and queued jobs are committed as cancelled on their
// way out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	p.baseCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Queued returns the current backlog depth.
func (p *Pool) Queued() int {
	return len(p.queue)
}

// QueueDepth returns the configured backlog capacity.
func (p *Pool) QueueDepth() int {
	return p.cfg.QueueDepth
}

// runTask drives one job from queued to a terminal state.
func (p *Pool) runTask(t *Task) {
	// The running slot is returned exactly when the job leaves the
	// pool, whatever path it took. Ticket release is idempotent.
	defer func() {
		if t.Ticket != nil {
			t.Ticket.Release()
		}
	}()

	// A job cancelled while queued is already terminal; do not run it.
	if job, err := p.reg.Get(t.JobID); err != nil || job.State.Terminal() {
		if err == nil {
			p.finish(job)
		}
		return
	}

	taskCtx, cancel := context.WithCancel(p.baseCtx)
	defer cancel()

	cancelRequested := func() {
		t.cancelled.Store(true)
		cancel()
	}

	p.mu.Lock()
	if p.closed {
		// Shutdown already started; drain as cancelled.
		t.cancelled.Store(true)
	}
	p.cancels[t.JobID] = cancelRequested
	p.running++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.cancels, t.JobID)
		p.running--
		p.mu.Unlock()
	}()

	// A task drained during shutdown, or cancelled this early, never
	// touches the engine.
	select {
	case <-taskCtx.Done():
		p.commitTerminal(t, jobregistry.StateCancelled, &jobregistry.JobError{
			Code:    jobregistry.ErrCodeCancelled,
			Message: "cancelled before start",
		}, nil)
		return
	default:
	}

	// Pace global starts if configured. A cancellation during the wait
	// falls through to the terminal commit below.
	if p.limiter != nil {
		if err := p.limiter.Wait(taskCtx); err != nil {
			p.commitTerminal(t, jobregistry.StateCancelled, &jobregistry.JobError{
				Code:    jobregistry.ErrCodeCancelled,
				Message: "cancelled before start",
			}, nil)
			return
		}
	}

	var timer *time.Timer
	if p.cfg.MaxDuration > 0 {
		timer = time.AfterFunc(p.cfg.MaxDuration, func() {
			t.timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	job, err := p.reg.MarkRunning(t.JobID, time.Now())
	if err != nil {
		// Lost a race with cancellation; the committed state stands.
		p.finishFromRegistry(t.JobID)
		return
	}
	p.pub.Publish(t.JobID, progress.FromJob(job))
	p.logger.Info("job started",
		zap.String("job_id", t.JobID),
		zap.String("url", t.URL),
		zap.String("kind", t.Spec.Kind))

	h, err := p.eng.Start(taskCtx, engine.Request{URL: t.URL, Spec: t.Spec, Dir: t.Dir})
	if err != nil {
		p.commitFailure(t, err)
		return
	}

	for upd := range h.Updates() {
		job, changed, perr := p.reg.UpdateProgress(t.JobID, upd.Fraction, upd.Stage)
		if perr == nil && changed {
			p.pub.Publish(t.JobID, progress.FromJob(job))
		}
	}

	res, err := h.Wait()
	if err != nil {
		p.commitFailure(t, err)
		return
	}

	size, err := p.verify.Verify(t.JobID, res.ArtifactPath)
	if err != nil {
		// The engine claimed success but left nothing usable.
		p.commitTerminal(t, jobregistry.StateFailed, &jobregistry.JobError{
			Code:    jobregistry.ErrCodeDisk,
			Message: "engine produced no usable artifact: " + err.Error(),
		}, nil)
		return
	}

	p.commitTerminal(t, jobregistry.StateSucceeded, nil, &jobregistry.ArtifactInfo{
		Path:     res.ArtifactPath,
		Filename: res.Filename,
		Size:     size,
	})
}

// commitFailure maps a run error to the right terminal state. The
// cancelled and timed-out flags take precedence over the raw engine
// error because both paths kill the engine by cancelling its context,
// which the engine reports as a generic context error.
func (p *Pool) commitFailure(t *Task, err error) {
	switch {
	case t.cancelled.Load():
		p.commitTerminal(t, jobregistry.StateCancelled, &jobregistry.JobError{
			Code:    jobregistry.ErrCodeCancelled,
			Message: "cancelled by request",
		}, nil)
	case t.timedOut.Load():
		p.commitTerminal(t, jobregistry.StateFailed, &jobregistry.JobError{
			Code:    jobregistry.ErrCodeTimeout,
			Message: "job exceeded the maximum allowed duration",
		}, nil)
	case errors.Is(err, context.Canceled):
		// Parent context cancelled from outside the pool (shutdown).
		p.commitTerminal(t, jobregistry.StateCancelled, &jobregistry.JobError{
			Code:    jobregistry.ErrCodeCancelled,
			Message: "cancelled by shutdown",
		}, nil)
	default:
		p.commitTerminal(t, jobregistry.StateFailed, jobErrorFrom(err), nil)
	}
}

func (p *Pool) commitTerminal(t *Task, state jobregistry.JobState, jerr *jobregistry.JobError, art *jobregistry.ArtifactInfo) {
	job, err := p.reg.SetTerminal(t.JobID, state, jerr, art, time.Now())
	if err != nil {
		// Another path committed first (typically a cancel); report
		// whatever stands.
		p.finishFromRegistry(t.JobID)
		return
	}

	switch state {
	case jobregistry.StateSucceeded:
		p.logger.Info("job succeeded",
			zap.String("job_id", t.JobID),
			zap.Int64("size", artSize(art)))
	case jobregistry.StateCancelled:
		p.logger.Info("job cancelled", zap.String("job_id", t.JobID))
	default:
		p.logger.Warn("job failed",
			zap.String("job_id", t.JobID),
			zap.String("code", string(errCode(jerr))))
	}
	p.finish(job)
}

func (p *Pool) finishFromRegistry(jobID string) {
	job, err := p.reg.Get(jobID)
	if err == nil && job.State.Terminal() {
		p.finish(job)
	}
}

func (p *Pool) finish(job jobregistry.Job) {
	p.pub.Finish(job.JobID, progress.FromJob(job))
	if p.onTerminal != nil {
		p.onTerminal(job)
	}
}

// jobErrorFrom converts an engine error to a job error.
func jobErrorFrom(err error) *jobregistry.JobError {
	code := jobregistry.ErrCodeInternal
	switch {
	case engine.IsUnsupported(err):
		code = jobregistry.ErrCodeUnsupported
	case engine.IsNetwork(err):
		code = jobregistry.ErrCodeNetwork
	case engine.IsTranscode(err):
		code = jobregistry.ErrCodeTranscode
	case engine.IsDisk(err):
		code = jobregistry.ErrCodeDisk
	}
	return &jobregistry.JobError{Code: code, Message: err.Error()}
}

func artSize(art *jobregistry.ArtifactInfo) int64 {
	if art == nil {
		return 0
	}
	return art.Size
}

func errCode(jerr *jobregistry.JobError) jobregistry.ErrorCode {
	if jerr == nil {
		return jobregistry.ErrCodeInternal
	}
	return jerr.Code
}
