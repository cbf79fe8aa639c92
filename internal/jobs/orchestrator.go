// Package jobs runs video acquisition and transcription jobs.
//
// A job moves PENDING → DOWNLOADING → TRANSCRIBING → SUCCESS, or to FAILED
// from any non-terminal state. Every move is one store transaction; the store
// rejects backwards moves, so a cancelled job can never be resurrected by a
// worker that is still finishing up.
package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/vidvault/internal/fetch"
	"github.com/kalambet/vidvault/internal/layout"
	"github.com/kalambet/vidvault/internal/resolver"
	"github.com/kalambet/vidvault/internal/storage"
)

const (
	msgQueued      = "Task created, waiting to download."
	msgInterrupted = "Interrupted by a service restart; submit again."
	msgCancelled   = "Cancelled by request."
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GuardStore
	GetJob(ctx context.Context, id string) (storage.Job, error)
	Transition(ctx context.Context, id string, u storage.Update) (storage.Job, error)
	SetMessage(ctx context.Context, id, message string) error
	ClaimJob(ctx context.Context, id, owner string) (*storage.Job, error)
	ClaimNextPending(ctx context.Context, owner string) (*storage.Job, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
	RecoverInterrupted(ctx context.Context, before time.Time, message string) (storage.RecoveryReport, error)
	GetVideo(ctx context.Context, videoID string) (storage.VideoEntry, error)
	ListVideos(ctx context.Context, limit, offset int) ([]storage.VideoEntry, error)
}

// Resolver turns a video id into media URLs and metadata.
type Resolver interface {
	Resolve(ctx context.Context, input string) (resolver.Media, error)
}

// Fetcher hands out staging batches for artifact downloads.
type Fetcher interface {
	NewBatch() *fetch.Batch
}

// Transcriber converts a media file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath, language string) (string, error)
}

// Config tunes the orchestrator. Zero values take defaults.
type Config struct {
	Workers           int
	QueueSize         int
	PollInterval      time.Duration
	ResolveTimeout    time.Duration
	DownloadTimeout   time.Duration
	TranscribeTimeout time.Duration
	Language          string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = time.Minute
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 10 * time.Minute
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 30 * time.Minute
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Transcriber may be nil, in
// which case jobs that request a transcript fail at that stage.
type Deps struct {
	Store       Store
	Resolver    Resolver
	Fetcher     Fetcher
	Transcriber Transcriber
	Layout      *layout.Resolver
	Events      *EventBus
	Logger      *zap.SugaredLogger
}

// SubmitRequest is one acquisition request.
type SubmitRequest struct {
	VideoID    string
	Transcribe bool
	Force      bool
}

// Orchestrator owns the job lifecycle.
type Orchestrator struct {
	store       Store
	guard       *Guard
	resolver    Resolver
	fetcher     Fetcher
	transcriber Transcriber
	layout      *layout.Resolver
	events      *EventBus
	logger      *zap.SugaredLogger
	cfg         Config
	owner       string
	now         func() time.Time

	pool *Pool

	mu      sync.Mutex
	running map[string]*runningJob
}

// New wires an orchestrator. Call Start to recover and launch the workers.
func New(d Deps, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Events == nil {
		d.Events = NewEventBus(0)
	}
	o := &Orchestrator{
		store:       d.Store,
		guard:       NewGuard(d.Store),
		resolver:    d.Resolver,
		fetcher:     d.Fetcher,
		transcriber: d.Transcriber,
		layout:      d.Layout,
		events:      d.Events,
		logger:      d.Logger,
		cfg:         cfg,
		owner:       "vidvault-" + uuid.NewString()[:8],
		now:         time.Now,
		running:     make(map[string]*runningJob),
	}
	o.pool = newPool(o, cfg.Workers, cfg.QueueSize, cfg.PollInterval)
	return o
}

// Start fails jobs a previous process left mid-flight, requeues its
// unfinished PENDING jobs, and starts the worker pool. Workers stop when ctx
// is cancelled; call Wait to block until they have.
func (o *Orchestrator) Start(ctx context.Context) error {
	report, err := o.store.RecoverInterrupted(ctx, o.now(), msgInterrupted)
	if err != nil {
		return errors.Wrap(err, "recovering interrupted jobs")
	}
	if len(report.Failed) > 0 || report.Requeued > 0 {
		o.logger.Infow("recovered jobs from previous run", "failed", len(report.Failed), "requeued", report.Requeued)
	}
	for _, id := range report.Failed {
		if job, err := o.store.GetJob(ctx, id); err == nil {
			o.events.Publish(job)
		}
	}

	o.pool.Run(ctx)
	return nil
}

// Wait blocks until all workers have returned.
func (o *Orchestrator) Wait() {
	o.pool.Wait()
}

// Events exposes the change feed.
func (o *Orchestrator) Events() *EventBus {
	return o.events
}

// Submit registers a job and returns immediately. When the video already has
// a job in flight the error is an *storage.AlreadyInFlightError.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (storage.Job, error) {
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" {
		return storage.Job{}, errors.Wrap(ErrInvalidRequest, "video_id is required")
	}

	job, err := o.guard.Acquire(ctx, storage.NewJob{
		VideoID:    videoID,
		Transcribe: req.Transcribe,
		Force:      req.Force,
		Message:    msgQueued,
	})
	if err != nil {
		return storage.Job{}, err
	}

	o.logger.Infow("job submitted", "job_id", job.ID, "video_id", videoID, "transcribe", req.Transcribe, "force", req.Force)
	o.events.Publish(job)
	if !o.pool.Enqueue(job.ID) {
		o.logger.Debugw("queue full, job left for pollers", "job_id", job.ID)
	}
	return job, nil
}

// Status returns the current record of a job.
func (o *Orchestrator) Status(ctx context.Context, id string) (storage.Job, error) {
	return o.store.GetJob(ctx, id)
}

// List returns jobs matching f, newest first.
func (o *Orchestrator) List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error) {
	return o.store.ListJobs(ctx, f)
}

// Video returns the index entry of an acquired video.
func (o *Orchestrator) Video(ctx context.Context, videoID string) (storage.VideoEntry, error) {
	return o.store.GetVideo(ctx, videoID)
}

// Videos pages through the video index.
func (o *Orchestrator) Videos(ctx context.Context, limit, offset int) ([]storage.VideoEntry, error) {
	return o.store.ListVideos(ctx, limit, offset)
}

// Cancel fails a non-terminal job with kind Cancelled and stops its work.
// Cancelling a finished job returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (storage.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	if job.State.Terminal() {
		return job, nil
	}

	// Stop the worker and record FAILED under the job lock so no artifact
	// write lands once the video is free for a new job.
	unlock := o.lockJob(id)
	defer unlock()
	o.abort(id)

	updated, err := o.store.Transition(ctx, id, storage.Update{
		State:   storage.StateFailed,
		Message: msgCancelled,
		Error:   &storage.JobError{Kind: storage.KindCancelled, Detail: "cancelled by request"},
	})
	if errors.Is(err, storage.ErrInvalidTransition) {
		// Finished while we were looking.
		return o.store.GetJob(ctx, id)
	}
	if err != nil {
		return storage.Job{}, err
	}

	o.events.Publish(updated)
	o.logger.Infow("job cancelled", "job_id", id, "video_id", updated.VideoID, "was", job.State)
	return updated, nil
}

// runningJob is a job a worker is executing. mu orders the worker's writes
// to final artifact paths against Cancel.
type runningJob struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[id] = &runningJob{cancel: cancel}
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

func (o *Orchestrator) abort(id string) {
	o.mu.Lock()
	rj, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		rj.cancel()
	}
}

// lockJob takes the lock of a running job. Jobs no worker holds need none.
func (o *Orchestrator) lockJob(id string) (unlock func()) {
	o.mu.Lock()
	rj, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return func() {}
	}
	rj.mu.Lock()
	return rj.mu.Unlock
}

// exclusive runs fn under the job lock, provided the job is still live.
func (o *Orchestrator) exclusive(ctx context.Context, id string, fn func() error) error {
	unlock := o.lockJob(id)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	job, err := o.store.GetJob(sctx, id)
	if err != nil {
		return errors.Wrap(err, "re-reading job")
	}
	if job.State.Terminal() {
		return errors.Wrapf(storage.ErrInvalidTransition, "job already %s", job.State)
	}
	return fn()
}

// Running reports how many jobs workers are executing right now.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}
