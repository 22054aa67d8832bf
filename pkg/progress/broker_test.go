package progress

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofetch/pkg/jobregistry"
)

func progressEvent(jobID string, fraction float64) Event {
	return Event{
		JobID:    jobID,
		State:    jobregistry.StateRunning,
		Fraction: fraction,
		Stage:    "downloading",
		TS:       time.Now().UTC(),
	}
}

func terminalEvent(jobID string) Event {
	return Event{
		JobID:    jobID,
		State:    jobregistry.StateSucceeded,
		Fraction: 1,
		TS:       time.Now().UTC(),
	}
}

func collect(ch <-chan Event) []Event {
	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	return got
}

func TestSubscribeReceivesOrderedEvents(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	for i := 1; i <= 5; i++ {
		b.Publish("job-1", progressEvent("job-1", float64(i)/10))
	}
	b.Finish("job-1", terminalEvent("job-1"))

	got := collect(ch)
	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		assert.InDelta(t, float64(i+1)/10, got[i].Fraction, 1e-9)
		assert.False(t, got[i].Terminal)
	}
	last := got[5]
	assert.True(t, last.Terminal)
	assert.Equal(t, jobregistry.StateSucceeded, last.State)
}

func TestSubscribeReplaysLatestEvent(t *testing.T) {
	b := NewBroker()
	b.Publish("job-1", progressEvent("job-1", 0.3))
	b.Publish("job-1", progressEvent("job-1", 0.6))

	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	select {
	case ev := <-ch:
		assert.InDelta(t, 0.6, ev.Fraction, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("expected replayed event")
	}
}

func TestSlowSubscriberKeepsNewestAndTerminal(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	// Nobody reads while we flood well past the buffer size.
	total := subscriberBuffer * 3
	for i := 1; i <= total; i++ {
		b.Publish("job-1", progressEvent("job-1", float64(i)))
	}
	b.Finish("job-1", terminalEvent("job-1"))

	got := collect(ch)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), subscriberBuffer)

	last := got[len(got)-1]
	assert.True(t, last.Terminal, "terminal event must survive the overflow")

	// The newest progress update beat the older ones into the buffer.
	if len(got) > 1 {
		assert.InDelta(t, float64(total), got[len(got)-2].Fraction, 1e-9)
	}
}

func TestPublishNeverBlocksWithoutReaders(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("job-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish("job-1", progressEvent("job-1", float64(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestLateSubscriberGetsLatestThenTerminal(t *testing.T) {
	b := NewBroker()
	b.Publish("job-1", progressEvent("job-1", 0.8))
	b.Finish("job-1", terminalEvent("job-1"))

	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	got := collect(ch)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.8, got[0].Fraction, 1e-9)
	assert.False(t, got[0].Terminal)
	assert.True(t, got[1].Terminal)
}

func TestFinishIdempotentAndSealsStream(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	b.Finish("job-1", terminalEvent("job-1"))
	b.Finish("job-1", terminalEvent("job-1"))
	b.Publish("job-1", progressEvent("job-1", 0.5))

	got := collect(ch)
	require.Len(t, got, 1)
	assert.True(t, got[0].Terminal)

	latest, ok := b.Latest("job-1")
	require.True(t, ok)
	assert.True(t, latest.Terminal)
}

func TestCancelDetachesSubscriber(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")

	cancel()
	cancel()

	b.Publish("job-1", progressEvent("job-1", 0.5))

	_, open := <-ch
	assert.False(t, open, "cancelled subscriber channel should be closed")
	assert.Equal(t, 0, b.Subscribers())
}

func TestDropClosesSubscribersAndForgetsStream(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	b.Publish("job-1", progressEvent("job-1", 0.2))
	b.Drop("job-1")

	got := collect(ch)
	require.Len(t, got, 1)
	assert.False(t, got[0].Terminal)

	_, ok := b.Latest("job-1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Streams())
}

func TestSubscribeBeforeFirstPublish(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	b.Publish("job-1", progressEvent("job-1", 0.1))

	select {
	case ev := <-ch:
		assert.InDelta(t, 0.1, ev.Fraction, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("expected event after subscribe-before-publish")
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	b := NewBroker()
	chA, cancelA := b.Subscribe("job-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("job-b")
	defer cancelB()

	b.Publish("job-a", progressEvent("job-a", 0.5))
	b.Finish("job-a", terminalEvent("job-a"))
	b.Finish("job-b", terminalEvent("job-b"))

	gotA := collect(chA)
	require.Len(t, gotA, 2)
	for _, ev := range gotA {
		assert.Equal(t, "job-a", ev.JobID)
	}

	gotB := collect(chB)
	require.Len(t, gotB, 1)
	assert.Equal(t, "job-b", gotB[0].JobID)
}

func TestConcurrentPublishersAndSubscribers(t *testing.T) {
	b := NewBroker()

	var wg sync.WaitGroup
	for j := 0; j < 4; j++ {
		jobID := fmt.Sprintf("job-%d", j)

		for s := 0; s < 3; s++ {
			ch, _ := b.Subscribe(jobID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ev := range ch {
					_ = ev
				}
			}()
		}

		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(jobID, progressEvent(jobID, float64(i)/100))
			}
			b.Finish(jobID, terminalEvent(jobID))
		}(jobID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broker deadlocked under concurrent load")
	}
}

func TestFromJob(t *testing.T) {
	job := jobregistry.Job{
		JobID:    "job-1",
		State:    jobregistry.StateFailed,
		Fraction: 0.4,
		Stage:    "downloading",
		Error:    &jobregistry.JobError{Code: jobregistry.ErrCodeNetwork, Message: "connection reset"},
	}

	ev := FromJob(job)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, jobregistry.StateFailed, ev.State)
	assert.True(t, ev.Terminal)
	require.NotNil(t, ev.Error)
	assert.Equal(t, jobregistry.ErrCodeNetwork, ev.Error.Code)
	assert.False(t, ev.TS.IsZero())
}
