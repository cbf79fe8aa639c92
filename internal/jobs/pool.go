package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Pool is a fixed set of long-lived workers. Submitted job ids arrive on a
// buffered channel; workers also poll the store for unclaimed PENDING jobs so
// that overflow and recovered jobs are still picked up.
type Pool struct {
	o       *Orchestrator
	workers int
	poll    time.Duration
	queue   chan string
	wg      sync.WaitGroup
}

func newPool(o *Orchestrator, workers, queueSize int, poll time.Duration) *Pool {
	return &Pool{
		o:       o,
		workers: workers,
		poll:    poll,
		queue:   make(chan string, queueSize),
	}
}

// Enqueue offers a job id to the workers without blocking.
func (p *Pool) Enqueue(id string) bool {
	select {
	case p.queue <- id:
		return true
	default:
		return false
	}
}

// Run starts the workers. They return when ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	for i := range p.workers {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.o.logger.With("worker", n)

	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			if err := p.o.Process(ctx, id); err != nil {
				log.Errorw("worker iteration failed", "job_id", id, "error", err)
			}
		case <-time.After(p.poll):
			for {
				done, err := p.o.RunOnce(ctx)
				if err != nil {
					log.Errorw("worker iteration failed", "error", err)
				}
				if !done || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// Process claims the job with the given id and runs it. A job that is
// already claimed or finished is skipped.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	job, err := o.store.ClaimJob(ctx, id, o.owner)
	if err != nil {
		return errors.Wrapf(err, "claiming job %s", id)
	}
	if job == nil {
		return nil
	}
	o.run(ctx, *job)
	return nil
}

// RunOnce claims and runs the oldest unclaimed PENDING job.
// Returns true if a job was processed (regardless of success/failure).
func (o *Orchestrator) RunOnce(ctx context.Context) (bool, error) {
	job, err := o.store.ClaimNextPending(ctx, o.owner)
	if err != nil {
		return false, errors.Wrap(err, "claiming job")
	}
	if job == nil {
		return false, nil
	}
	o.run(ctx, *job)
	return true, nil
}
