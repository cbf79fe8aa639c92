package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/kalambet/vidvault/internal/storage"
)

// Event is a sequenced job snapshot published on every change.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	changed   chan struct{}
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		changed:   make(chan struct{}),
	}
}

// Publish appends a snapshot of job and wakes waiters.
func (b *EventBus) Publish(job storage.Job) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event := Event{Seq: b.nextSeq, Timestamp: time.Now().UTC(), Snapshot: NewSnapshot(job)}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	close(b.changed)
	b.changed = make(chan struct{})
	return event
}

// Since returns events with sequence strictly greater than seq. A non-empty
// jobID restricts the result to that job.
func (b *EventBus) Since(seq int64, jobID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events {
		if event.Seq > seq && (jobID == "" || event.TaskID == jobID) {
			out = append(out, event)
		}
	}
	return out
}

// Latest returns the highest sequence published so far.
func (b *EventBus) Latest() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Wait blocks until an event newer than seq exists or ctx is done.
func (b *EventBus) Wait(ctx context.Context, seq int64) error {
	b.mu.RLock()
	if b.nextSeq > seq {
		b.mu.RUnlock()
		return nil
	}
	ch := b.changed
	b.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
