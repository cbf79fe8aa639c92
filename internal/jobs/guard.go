package jobs

import (
	"context"

	"github.com/kalambet/vidvault/internal/storage"
)

// GuardStore is the part of the store the guard needs.
type GuardStore interface {
	CreateJob(ctx context.Context, nj storage.NewJob) (storage.Job, error)
}

// Guard admits at most one in-flight job per video. Acquiring is the job
// insert itself; the guard is released when that job's row reaches a
// terminal state, so there is no separate lock to leak.
type Guard struct {
	store GuardStore
}

// NewGuard returns a guard backed by store.
func NewGuard(store GuardStore) *Guard {
	return &Guard{store: store}
}

// Acquire creates a PENDING job for videoID or returns an
// *storage.AlreadyInFlightError naming the job that holds the video.
func (g *Guard) Acquire(ctx context.Context, nj storage.NewJob) (storage.Job, error) {
	return g.store.CreateJob(ctx, nj)
}
