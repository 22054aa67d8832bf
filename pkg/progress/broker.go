// Package progress fans job status updates out to subscribers.
//
// The broker keeps one stream per job. Producers publish without ever
// blocking: each subscriber has a small bounded buffer, and when it
// fills the oldest buffered update is dropped to make room for the
// newest. The terminal event is never dropped. A subscriber that joins
// after the job finished still receives the retained last update and
// the terminal event, so every subscription yields a finite sequence
// ending in a terminal state.
package progress

import (
	"sync"
	"time"

	"github.com/3leaps/gofetch/pkg/jobregistry"
)

// subscriberBuffer bounds the per-subscriber channel. Slow readers lose
// intermediate progress updates, never the final state.
const subscriberBuffer = 16

// Event is one job status update as seen by subscribers.
type Event struct {
	JobID    string                `json:"job_id"`
	State    jobregistry.JobState  `json:"state"`
	Fraction float64               `json:"fraction"`
	Stage    string                `json:"stage,omitempty"`
	Error    *jobregistry.JobError `json:"error,omitempty"`
	Terminal bool                  `json:"terminal"`
	TS       time.Time             `json:"ts"`
}

// FromJob builds an event from a registry snapshot.
func FromJob(job jobregistry.Job) Event {
	return Event{
		JobID:    job.JobID,
		State:    job.State,
		Fraction: job.Fraction,
		Stage:    job.Stage,
		Error:    job.Error,
		Terminal: job.State.Terminal(),
		TS:       time.Now().UTC(),
	}
}

// CancelFunc detaches a subscriber. Idempotent.
type CancelFunc func()

type subscriber struct {
	ch     chan Event
	closed bool
}

type stream struct {
	latest   *Event
	terminal *Event
	subs     map[*subscriber]struct{}
}

// Broker routes per-job events to subscribers. Safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func NewBroker() *Broker {
	return &Broker{streams: make(map[string]*stream)}
}

// Publish records ev as the job's latest state and offers it to every
// subscriber. Ignored once the stream finished.
func (b *Broker) Publish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(jobID)
	if s.terminal != nil {
		return
	}
	evCopy := ev
	s.latest = &evCopy
	for sub := range s.subs {
		sub.offer(ev)
	}
}

// Finish publishes the terminal event, closes all subscriber channels
// and marks the stream finished. Later Publish calls are ignored and
// later Subscribe calls replay the retained events. Idempotent.
func (b *Broker) Finish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(jobID)
	if s.terminal != nil {
		return
	}
	evCopy := ev
	evCopy.Terminal = true
	s.terminal = &evCopy

	for sub := range s.subs {
		sub.offer(evCopy)
		sub.close()
	}
	s.subs = make(map[*subscriber]struct{})
}

// Subscribe attaches to the job's stream. The returned channel delivers
// events in order and is closed after the terminal event, or when the
// cancel func is called, or when the stream is dropped. Subscribing
// before the first publish is fine.
func (b *Broker) Subscribe(jobID string) (<-chan Event, CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(jobID)
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	if s.terminal != nil {
		// Stream already finished: replay and end.
		if s.latest != nil {
			sub.offer(*s.latest)
		}
		sub.offer(*s.terminal)
		sub.close()
		return sub.ch, func() {}
	}

	if s.latest != nil {
		sub.offer(*s.latest)
	}
	s.subs[sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			sub.close()
		}
	}
	return sub.ch, cancel
}

// Latest returns the job's most recent event, terminal if finished.
func (b *Broker) Latest(jobID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[jobID]
	if !ok {
		return Event{}, false
	}
	if s.terminal != nil {
		return *s.terminal, true
	}
	if s.latest != nil {
		return *s.latest, true
	}
	return Event{}, false
}

// Drop discards all stream state for the job. Live subscribers are
// closed without a terminal event. Called when the job record is
// evicted.
func (b *Broker) Drop(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[jobID]
	if !ok {
		return
	}
	for sub := range s.subs {
		sub.close()
	}
	delete(b.streams, jobID)
}

// Streams returns the number of tracked job streams.
func (b *Broker) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Subscribers returns the number of attached subscribers across all
// streams.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.streams {
		n += len(s.subs)
	}
	return n
}

// stream returns the job's stream, creating it if needed. Caller holds
// b.mu.
func (b *Broker) stream(jobID string) *stream {
	s, ok := b.streams[jobID]
	if !ok {
		s = &stream{subs: make(map[*subscriber]struct{})}
		b.streams[jobID] = s
	}
	return s
}

// offer enqueues ev, dropping the oldest buffered event if the channel
// is full. Caller holds b.mu, which also serializes offer with close,
// so sends never race a close.
func (sub *subscriber) offer(ev Event) {
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
}

func (sub *subscriber) close() {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
