package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofetch/pkg/engine"
	"github.com/3leaps/gofetch/pkg/jobregistry"
	"github.com/3leaps/gofetch/pkg/progress"
)

// mockEngine implements engine.Engine for testing. Behavior is fixed at
// construction; per-run state lives in the handle.
type mockEngine struct {
	startErr error
	script   []engine.Update
	result   engine.Result
	waitErr  error

	runDelay time.Duration
	block    bool

	release     chan struct{}
	releaseOnce sync.Once

	started   atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		result:  engine.Result{ArtifactPath: "/tmp/out.mp4", Filename: "out.mp4", Size: 1024},
		release: make(chan struct{}),
	}
}

// finish lets all blocked runs complete.
func (m *mockEngine) finish() {
	m.releaseOnce.Do(func() { close(m.release) })
}

func (m *mockEngine) Start(ctx context.Context, req engine.Request) (engine.Handle, error) {
	m.started.Add(1)
	if m.startErr != nil {
		return nil, m.startErr
	}

	h := &mockHandle{
		updates: make(chan engine.Update, len(m.script)+1),
		done:    make(chan struct{}),
	}

	cur := m.active.Add(1)
	for {
		max := m.maxActive.Load()
		if cur <= max || m.maxActive.CompareAndSwap(max, cur) {
			break
		}
	}

	go func() {
		defer close(h.done)
		defer close(h.updates)
		defer m.active.Add(-1)

		for _, u := range m.script {
			select {
			case h.updates <- u:
			case <-ctx.Done():
				h.setOutcome(engine.Result{}, ctx.Err())
				return
			}
		}

		if m.runDelay > 0 {
			select {
			case <-ctx.Done():
				h.setOutcome(engine.Result{}, ctx.Err())
				return
			case <-time.After(m.runDelay):
			}
		}

		if m.block {
			select {
			case <-ctx.Done():
				h.setOutcome(engine.Result{}, ctx.Err())
				return
			case <-m.release:
			}
		}

		h.setOutcome(m.result, m.waitErr)
	}()

	return h, nil
}

type mockHandle struct {
	updates chan engine.Update
	done    chan struct{}

	mu  sync.Mutex
	res engine.Result
	err error
}

func (h *mockHandle) setOutcome(res engine.Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.res = res
	h.err = err
}

func (h *mockHandle) Updates() <-chan engine.Update { return h.updates }

func (h *mockHandle) Wait() (engine.Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res, h.err
}

func (h *mockHandle) Cancel() {}

// recordingPublisher captures every event the pool emits.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]progress.Event
	finals map[string]int
	last   map[string]progress.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		events: make(map[string][]progress.Event),
		finals: make(map[string]int),
		last:   make(map[string]progress.Event),
	}
}

func (r *recordingPublisher) Publish(jobID string, ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[jobID] = append(r.events[jobID], ev)
}

func (r *recordingPublisher) Finish(jobID string, ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals[jobID]++
	r.last[jobID] = ev
}

func (r *recordingPublisher) eventsFor(jobID string) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Event, len(r.events[jobID]))
	copy(out, r.events[jobID])
	return out
}

func (r *recordingPublisher) finalFor(jobID string) (progress.Event, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[jobID], r.finals[jobID]
}

// stubVerifier returns a fixed size or error for every artifact.
type stubVerifier struct {
	size int64
	err  error
}

func (v stubVerifier) Verify(jobID, path string) (int64, error) {
	return v.size, v.err
}

// stubTicket counts releases.
type stubTicket struct {
	releases atomic.Int32
}

func (t *stubTicket) Release() { t.releases.Add(1) }

// harness wires a pool to a real registry with recording collaborators.
type harness struct {
	pool     *Pool
	reg      *jobregistry.Registry
	pub      *recordingPublisher
	eng      *mockEngine
	terminal chan jobregistry.Job
}

func newHarness(t *testing.T, eng *mockEngine, verify Verifier, cfg Config) *harness {
	t.Helper()

	h := &harness{
		reg:      jobregistry.New(time.Minute),
		pub:      newRecordingPublisher(),
		eng:      eng,
		terminal: make(chan jobregistry.Job, 64),
	}
	h.pool = New(eng, h.reg, h.pub, verify, cfg).
		WithTerminalHook(func(job jobregistry.Job) { h.terminal <- job })
	h.pool.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.finish()
		_ = h.pool.Stop(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, jobID string) *stubTicket {
	t.Helper()

	err := h.reg.Create(&jobregistry.Job{
		JobID: jobID,
		URL:   "https://media.example.com/v/" + jobID,
		Spec:  jobregistry.OutputSpec{Kind: "video", Quality: "best"},
	})
	require.NoError(t, err)

	ticket := &stubTicket{}
	err = h.pool.Enqueue(&Task{
		JobID:  jobID,
		URL:    "https://media.example.com/v/" + jobID,
		Spec:   engine.OutputSpec{Kind: "video", Quality: "best"},
		Dir:    t.TempDir(),
		Ticket: ticket,
	})
	require.NoError(t, err)
	return ticket
}

func (h *harness) waitTerminal(t *testing.T, jobID string) jobregistry.Job {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case job := <-h.terminal:
			if job.JobID == jobID {
				return job
			}
		case <-deadline:
			t.Fatalf("job %s did not reach a terminal state", jobID)
		}
	}
}

func (h *harness) waitRunning(t *testing.T, jobID string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.reg.Get(jobID)
		require.NoError(t, err)
		if job.State == jobregistry.StateRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never started running", jobID)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 8, cfg.QueueDepth)
	assert.Equal(t, time.Duration(0), cfg.MaxDuration)
	assert.Equal(t, float64(0), cfg.StartRate)
}

func TestPool_RunSuccess(t *testing.T) {
	eng := newMockEngine()
	eng.script = []engine.Update{
		{Fraction: 0.25, Stage: "downloading"},
		{Fraction: 0.80, Stage: "downloading"},
		{Fraction: 1.0, Stage: "transcoding"},
	}
	h := newHarness(t, eng, stubVerifier{size: 1024}, DefaultConfig())

	ticket := h.submit(t, "job-ok")
	job := h.waitTerminal(t, "job-ok")

	assert.Equal(t, jobregistry.StateSucceeded, job.State)
	require.NotNil(t, job.Artifact)
	assert.Equal(t, "/tmp/out.mp4", job.Artifact.Path)
	assert.Equal(t, "out.mp4", job.Artifact.Filename)
	assert.Equal(t, int64(1024), job.Artifact.Size)
	assert.Nil(t, job.Error)
	assert.Equal(t, int32(1), ticket.releases.Load())

	// The running transition and at least one progress report made it out.
	events := h.pub.eventsFor("job-ok")
	require.NotEmpty(t, events)
	assert.Equal(t, jobregistry.StateRunning, events[0].State)

	final, count := h.pub.finalFor("job-ok")
	assert.Equal(t, 1, count)
	assert.True(t, final.Terminal)
	assert.Equal(t, jobregistry.StateSucceeded, final.State)
}

func TestPool_ProgressReachesRegistry(t *testing.T) {
	eng := newMockEngine()
	eng.script = []engine.Update{
		{Fraction: 0.5, Stage: "downloading"},
		{Fraction: 0.9, Stage: "transcoding"},
	}
	h := newHarness(t, eng, stubVerifier{size: 10}, DefaultConfig())

	h.submit(t, "job-prog")
	job := h.waitTerminal(t, "job-prog")

	assert.Equal(t, jobregistry.StateSucceeded, job.State)
	// Terminal commit forces fraction to 1.
	assert.Equal(t, 1.0, job.Fraction)

	var sawProgress bool
	for _, ev := range h.pub.eventsFor("job-prog") {
		if ev.State == jobregistry.StateRunning && ev.Fraction > 0 {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress, "expected at least one progress event")
}

func TestPool_EngineErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode jobregistry.ErrorCode
	}{
		{"unsupported", engine.ErrUnsupported, jobregistry.ErrCodeUnsupported},
		{"network", fmt.Errorf("fetch: %w", engine.ErrNetwork), jobregistry.ErrCodeNetwork},
		{"transcode", engine.ErrTranscode, jobregistry.ErrCodeTranscode},
		{"disk", engine.ErrDisk, jobregistry.ErrCodeDisk},
		{"unknown", errors.New("exit status 1"), jobregistry.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newMockEngine()
			eng.waitErr = tt.err
			h := newHarness(t, eng, stubVerifier{}, DefaultConfig())

			h.submit(t, "job-"+tt.name)
			job := h.waitTerminal(t, "job-"+tt.name)

			assert.Equal(t, jobregistry.StateFailed, job.State)
			require.NotNil(t, job.Error)
			assert.Equal(t, tt.wantCode, job.Error.Code)
			assert.Nil(t, job.Artifact)
		})
	}
}

func TestPool_StartErrorFailsJob(t *testing.T) {
	eng := newMockEngine()
	eng.startErr = fmt.Errorf("spawn: %w", engine.ErrUnsupported)
	h := newHarness(t, eng, stubVerifier{}, DefaultConfig())

	h.submit(t, "job-spawn")
	job := h.waitTerminal(t, "job-spawn")

	assert.Equal(t, jobregistry.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobregistry.ErrCodeUnsupported, job.Error.Code)
}

func TestPool_VerifyFailureFailsJob(t *testing.T) {
	eng := newMockEngine()
	h := newHarness(t, eng, stubVerifier{err: errors.New("file is empty")}, DefaultConfig())

	h.submit(t, "job-empty")
	job := h.waitTerminal(t, "job-empty")

	assert.Equal(t, jobregistry.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobregistry.ErrCodeDisk, job.Error.Code)
	assert.Contains(t, job.Error.Message, "no usable artifact")
	assert.Nil(t, job.Artifact)
}

func TestPool_CancelRunningJob(t *testing.T) {
	eng := newMockEngine()
	eng.block = true
	h := newHarness(t, eng, stubVerifier{size: 1}, DefaultConfig())

	ticket := h.submit(t, "job-cancel")
	h.waitRunning(t, "job-cancel")

	assert.True(t, h.pool.Cancel("job-cancel"))

	job := h.waitTerminal(t, "job-cancel")
	assert.Equal(t, jobregistry.StateCancelled, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobregistry.ErrCodeCancelled, job.Error.Code)
	assert.Equal(t, int32(1), ticket.releases.Load())

	// The job is gone from the pool's books.
	assert.False(t, h.pool.Cancel("job-cancel"))
}

func TestPool_CancelUnknownJob(t *testing.T) {
	eng := newMockEngine()
	h := newHarness(t, eng, stubVerifier{}, DefaultConfig())

	assert.False(t, h.pool.Cancel("no-such-job"))
}

func TestPool_TimeoutFailsJob(t *testing.T) {
	eng := newMockEngine()
	eng.block = true

	cfg := DefaultConfig()
	cfg.MaxDuration = 50 * time.Millisecond
	h := newHarness(t, eng, stubVerifier{size: 1}, cfg)

	h.submit(t, "job-slow")
	job := h.waitTerminal(t, "job-slow")

	assert.Equal(t, jobregistry.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobregistry.ErrCodeTimeout, job.Error.Code)
}

func TestPool_QueueFullRejects(t *testing.T) {
	eng := newMockEngine()
	eng.block = true

	cfg := Config{Workers: 1, QueueDepth: 1}
	h := newHarness(t, eng, stubVerifier{size: 1}, cfg)

	// First job occupies the only worker.
	h.submit(t, "job-a")
	h.waitRunning(t, "job-a")

	// Second fills the single queue slot.
	h.submit(t, "job-b")

	// Third has nowhere to go.
	require.NoError(t, h.reg.Create(&jobregistry.Job{JobID: "job-c", URL: "https://media.example.com/v/c"}))
	err := h.pool.Enqueue(&Task{JobID: "job-c", Ticket: &stubTicket{}})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Draining the worker frees the queue for the waiting job.
	eng.finish()
	jobA := h.waitTerminal(t, "job-a")
	jobB := h.waitTerminal(t, "job-b")
	assert.Equal(t, jobregistry.StateSucceeded, jobA.State)
	assert.Equal(t, jobregistry.StateSucceeded, jobB.State)
}

func TestPool_SkipsJobCancelledWhileQueued(t *testing.T) {
	eng := newMockEngine()
	h := newHarness(t, eng, stubVerifier{}, DefaultConfig())

	require.NoError(t, h.reg.Create(&jobregistry.Job{JobID: "job-pre", URL: "https://media.example.com/v/pre"}))
	_, err := h.reg.SetTerminal("job-pre", jobregistry.StateCancelled, &jobregistry.JobError{
		Code:    jobregistry.ErrCodeCancelled,
		Message: "cancelled by request",
	}, nil, time.Now())
	require.NoError(t, err)

	ticket := &stubTicket{}
	require.NoError(t, h.pool.Enqueue(&Task{JobID: "job-pre", Ticket: ticket}))

	job := h.waitTerminal(t, "job-pre")
	assert.Equal(t, jobregistry.StateCancelled, job.State)
	assert.Equal(t, int32(0), eng.started.Load(), "engine must not start a cancelled job")
	assert.Equal(t, int32(1), ticket.releases.Load())
}

func TestPool_StopCancelsRunning(t *testing.T) {
	eng := newMockEngine()
	eng.block = true
	h := newHarness(t, eng, stubVerifier{size: 1}, DefaultConfig())

	h.submit(t, "job-run")
	h.waitRunning(t, "job-run")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Stop(ctx))

	job, err := h.reg.Get("job-run")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StateCancelled, job.State)

	// Intake is closed for good.
	err = h.pool.Enqueue(&Task{JobID: "job-late"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPool_StopDrainsQueuedAsCancelled(t *testing.T) {
	eng := newMockEngine()
	eng.block = true

	cfg := Config{Workers: 1, QueueDepth: 4}
	h := newHarness(t, eng, stubVerifier{size: 1}, cfg)

	h.submit(t, "job-first")
	h.waitRunning(t, "job-first")
	h.submit(t, "job-waiting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Stop(ctx))

	first, err := h.reg.Get("job-first")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StateCancelled, first.State)

	waiting, err := h.reg.Get("job-waiting")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StateCancelled, waiting.State)
	assert.Equal(t, int32(1), eng.started.Load(), "queued job must not start during shutdown")
}

func TestPool_ConcurrencyBounded(t *testing.T) {
	eng := newMockEngine()
	eng.runDelay = 30 * time.Millisecond

	cfg := Config{Workers: 2, QueueDepth: 8}
	h := newHarness(t, eng, stubVerifier{size: 1}, cfg)

	for i := 0; i < 6; i++ {
		h.submit(t, fmt.Sprintf("job-%d", i))
	}
	for i := 0; i < 6; i++ {
		h.waitTerminal(t, fmt.Sprintf("job-%d", i))
	}

	assert.LessOrEqual(t, eng.maxActive.Load(), int32(2), "worker bound exceeded")
	assert.Equal(t, int32(6), eng.started.Load())
}

func TestPool_StartRatePacesJobs(t *testing.T) {
	eng := newMockEngine()

	cfg := Config{Workers: 4, QueueDepth: 8, StartRate: 10}
	h := newHarness(t, eng, stubVerifier{size: 1}, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		h.submit(t, fmt.Sprintf("paced-%d", i))
	}
	for i := 0; i < 3; i++ {
		h.waitTerminal(t, fmt.Sprintf("paced-%d", i))
	}
	elapsed := time.Since(start)

	// Burst 1 at 10/s means the second and third starts wait ~100ms each.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "starts were not paced")
}

func TestPool_RunningAndQueuedCounters(t *testing.T) {
	eng := newMockEngine()
	eng.block = true

	cfg := Config{Workers: 1, QueueDepth: 4}
	h := newHarness(t, eng, stubVerifier{size: 1}, cfg)

	assert.Equal(t, 0, h.pool.Running())
	assert.Equal(t, 0, h.pool.Queued())
	assert.Equal(t, 4, h.pool.QueueDepth())

	h.submit(t, "job-r1")
	h.waitRunning(t, "job-r1")
	h.submit(t, "job-q1")

	assert.Equal(t, 1, h.pool.Running())
	assert.Equal(t, 1, h.pool.Queued())

	eng.finish()
	h.waitTerminal(t, "job-r1")
	h.waitTerminal(t, "job-q1")
	assert.Equal(t, 0, h.pool.Running())
}

func BenchmarkPool_Throughput(b *testing.B) {
	eng := newMockEngine()
	reg := jobregistry.New(time.Minute)
	pub := newRecordingPublisher()

	terminal := make(chan struct{}, 1024)
	pool := New(eng, reg, pub, stubVerifier{size: 1}, Config{Workers: 4, QueueDepth: 1024}).
		WithTerminalHook(func(jobregistry.Job) { terminal <- struct{}{} })
	pool.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	b.ResetTimer()
	drained := 0
	for i := 0; i < b.N; i++ {
		jobID := fmt.Sprintf("bench-%d", i)
		_ = reg.Create(&jobregistry.Job{JobID: jobID, URL: "https://media.example.com/v/x"})
		for {
			if err := pool.Enqueue(&Task{JobID: jobID}); err == nil {
				break
			}
			<-terminal
			drained++
		}
	}
	for ; drained < b.N; drained++ {
		<-terminal
	}
}
