// Package admission decides whether a new job may enter the system.
//
// Each owner key (typically the client IP) is throttled two ways: a
// sliding-window cap on job starts and a cap on concurrently running
// jobs. Both checks and the counter increments happen atomically under
// one lock, so two racing submissions can never both squeeze through the
// last slot. A denied call mutates nothing.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Reason classifies an admission denial.
//
// NOTE: These values appear in API error details and are part of the
// stable wire contract.
type Reason string

const (
	// ReasonRateLimited means the owner exhausted its start budget for
	// the current window.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonConcurrencyLimited means the owner already has the maximum
	// number of jobs running.
	ReasonConcurrencyLimited Reason = "concurrency_limited"

	// ReasonBusy means the global queue is full. Issued by the service
	// layer, not by TryAdmit.
	ReasonBusy Reason = "busy"
)

// DeniedError is returned when admission is refused.
type DeniedError struct {
	Reason   Reason
	OwnerKey string

	// RetryAfter hints when the next attempt could succeed. Zero means
	// unknown.
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	if e.OwnerKey != "" {
		return fmt.Sprintf("admission denied (%s) for %s", e.Reason, e.OwnerKey)
	}
	return fmt.Sprintf("admission denied (%s)", e.Reason)
}

// Busy creates the queue-full denial.
func Busy() *DeniedError {
	return &DeniedError{Reason: ReasonBusy}
}

// AsDenied unwraps an admission denial, if err is one.
func AsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// Config configures the admission controller.
type Config struct {
	// MaxStartsPerWindow caps job starts per owner within Window.
	// Zero or negative disables the rate check.
	MaxStartsPerWindow int

	// Window is the sliding window for the starts cap.
	Window time.Duration

	// MaxConcurrentPerOwner caps running jobs per owner.
	// Zero or negative disables the concurrency check.
	MaxConcurrentPerOwner int
}

// DefaultConfig returns the historical limits: three starts per minute,
// one running job per owner.
func DefaultConfig() Config {
	return Config{
		MaxStartsPerWindow:    3,
		Window:                time.Minute,
		MaxConcurrentPerOwner: 1,
	}
}

// Controller tracks per-owner admission state. Safe for concurrent use.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	owners map[string]*ownerEntry
}

type ownerEntry struct {
	starts  []time.Time
	running int
}

// New creates a controller. A non-positive Window falls back to the
// default minute.
func New(cfg Config) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Controller{
		cfg:    cfg,
		owners: make(map[string]*ownerEntry),
	}
}

// TryAdmit admits one job start for the owner as of now, or explains why
// not. On success the returned ticket must eventually be consumed by
// exactly one of Release (job reached a terminal state) or Rollback (job
// could not be enqueued).
func (c *Controller) TryAdmit(ownerKey string, now time.Time) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.owners[ownerKey]
	if !ok {
		e = &ownerEntry{}
		c.owners[ownerKey] = e
	}

	e.pruneStarts(now, c.cfg.Window)

	if c.cfg.MaxStartsPerWindow > 0 && len(e.starts) >= c.cfg.MaxStartsPerWindow {
		retry := e.starts[0].Add(c.cfg.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return nil, &DeniedError{
			Reason:     ReasonRateLimited,
			OwnerKey:   ownerKey,
			RetryAfter: retry,
		}
	}

	if c.cfg.MaxConcurrentPerOwner > 0 && e.running >= c.cfg.MaxConcurrentPerOwner {
		return nil, &DeniedError{
			Reason:   ReasonConcurrencyLimited,
			OwnerKey: ownerKey,
		}
	}

	e.starts = append(e.starts, now)
	e.running++
	return &Ticket{c: c, ownerKey: ownerKey, startAt: now}, nil
}

// pruneStarts drops start timestamps that fell out of the window.
// Caller holds c.mu.
func (e *ownerEntry) pruneStarts(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.starts) && !e.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.starts = append(e.starts[:0], e.starts[i:]...)
	}
}

// Prune drops owner entries with no running jobs and an empty window.
// Called by the sweeper so one-shot clients do not accumulate forever.
func (c *Controller) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.owners {
		e.pruneStarts(now, c.cfg.Window)
		if e.running == 0 && len(e.starts) == 0 {
			delete(c.owners, key)
		}
	}
}

// Running returns the total number of running jobs across owners.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.owners {
		n += e.running
	}
	return n
}

// Owners returns the number of tracked owner entries.
func (c *Controller) Owners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owners)
}

func (c *Controller) release(ownerKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.owners[ownerKey]; ok && e.running > 0 {
		e.running--
	}
}

func (c *Controller) rollback(ownerKey string, startAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.owners[ownerKey]
	if !ok {
		return
	}
	if e.running > 0 {
		e.running--
	}
	for i, t := range e.starts {
		if t.Equal(startAt) {
			e.starts = append(e.starts[:i], e.starts[i+1:]...)
			break
		}
	}
}

// Ticket is a successful admission. Consume it exactly once.
type Ticket struct {
	c        *Controller
	ownerKey string
	startAt  time.Time
	once     sync.Once
}

// OwnerKey returns the owner this ticket was issued to.
func (t *Ticket) OwnerKey() string {
	return t.ownerKey
}

// Release returns the owner's running slot. The start stays counted
// against the window: the job ran. Idempotent.
func (t *Ticket) Release() {
	t.once.Do(func() { t.c.release(t.ownerKey) })
}

// Rollback undoes the admission entirely, returning both the running
// slot and the window budget. For submissions that never became jobs
// (queue full). Idempotent, mutually exclusive with Release.
func (t *Ticket) Rollback() {
	t.once.Do(func() { t.c.rollback(t.ownerKey, t.startAt) })
}
