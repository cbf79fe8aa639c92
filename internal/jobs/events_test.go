package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vidvault/internal/storage"
)

func TestEventBusSince(t *testing.T) {
	bus := NewEventBus(10)
	bus.Publish(storage.Job{ID: "a", State: storage.StatePending})
	bus.Publish(storage.Job{ID: "b", State: storage.StatePending})
	bus.Publish(storage.Job{ID: "a", State: storage.StateDownloading})

	all := bus.Since(0, "")
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].Seq)
	assert.Equal(t, int64(3), all[2].Seq)

	onlyA := bus.Since(0, "a")
	require.Len(t, onlyA, 2)
	assert.Equal(t, "processing", onlyA[1].Status)

	assert.Len(t, bus.Since(2, ""), 1)
	assert.Empty(t, bus.Since(3, ""))
	assert.Equal(t, int64(3), bus.Latest())
}

func TestEventBusBounded(t *testing.T) {
	bus := NewEventBus(3)
	for i := range 5 {
		bus.Publish(storage.Job{ID: fmt.Sprintf("job-%d", i)})
	}

	events := bus.Since(0, "")
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, "job-4", events[2].TaskID)
}

func TestEventBusWait(t *testing.T) {
	bus := NewEventBus(0)
	bus.Publish(storage.Job{ID: "a"})

	// Already newer than seq 0.
	require.NoError(t, bus.Wait(context.Background(), 0))

	woke := make(chan error, 1)
	go func() { woke <- bus.Wait(context.Background(), 1) }()

	select {
	case <-woke:
		t.Fatal("Wait returned before a new event")
	case <-time.After(20 * time.Millisecond):
	}

	bus.Publish(storage.Job{ID: "a", State: storage.StateDownloading})
	select {
	case err := <-woke:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on publish")
	}
}

func TestEventBusWaitContext(t *testing.T) {
	bus := NewEventBus(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := bus.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotHidesStaleFields(t *testing.T) {
	job := storage.Job{
		ID:     "j",
		State:  storage.StateDownloading,
		Result: &storage.Result{VideoPath: "/v"},
		Error:  &storage.JobError{Kind: storage.KindDownload},
	}
	s := NewSnapshot(job)
	assert.Nil(t, s.Result)
	assert.Nil(t, s.Error)
	assert.Equal(t, "processing", s.Status)

	job.State = storage.StateFailed
	s = NewSnapshot(job)
	assert.Nil(t, s.Result)
	require.NotNil(t, s.Error)
	assert.Equal(t, "failed", s.Status)

	job.State = storage.StateSuccess
	s = NewSnapshot(job)
	require.NotNil(t, s.Result)
	assert.Nil(t, s.Error)
	assert.Equal(t, "completed", s.Status)
}
