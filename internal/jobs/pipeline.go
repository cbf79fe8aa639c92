package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vidvault/internal/fetch"
	"github.com/kalambet/vidvault/internal/layout"
	"github.com/kalambet/vidvault/internal/resolver"
	"github.com/kalambet/vidvault/internal/storage"
)

// storeTimeout bounds bookkeeping writes, which must still land after the
// job context has been cancelled.
const storeTimeout = 10 * time.Second

// run executes a claimed job to a terminal state.
func (o *Orchestrator) run(ctx context.Context, job storage.Job) {
	start := o.now()
	jobCtx, cancel := context.WithCancel(ctx)
	o.track(job.ID, cancel)
	defer func() {
		o.untrack(job.ID)
		cancel()
	}()

	log := o.logger.With("job_id", job.ID, "video_id", job.VideoID)
	log.Infow("job started", "transcribe", job.Transcribe, "force", job.Force)

	if err := o.execute(jobCtx, &job); err != nil {
		o.fail(ctx, job, err)
		return
	}
	log.Infow("job completed", "duration", o.now().Sub(start).Round(time.Millisecond))
}

func (o *Orchestrator) execute(ctx context.Context, job *storage.Job) error {
	if _, err := resolver.ParseInput(job.VideoID); err != nil {
		return markKind(err, storage.KindResolve)
	}

	var entry *storage.VideoEntry
	stored, err := o.store.GetVideo(ctx, job.VideoID)
	switch {
	case err == nil:
		entry = &stored
	case !errors.Is(err, storage.ErrNotFound):
		return errors.Wrap(err, "reading video index")
	}

	if entry != nil && !job.Force && fetch.Exists(entry.JSONPath, entry.VideoPath, entry.ImagePath) {
		return o.shortCircuit(ctx, job, *entry)
	}
	if entry != nil && !job.Force {
		o.logger.Infow("indexed files missing on disk, downloading again", "job_id", job.ID, "video_id", job.VideoID)
	}

	assign, drift, err := o.download(ctx, job, entry)
	if err != nil {
		return err
	}

	var transcript *string
	if job.Transcribe {
		if err := o.advance(ctx, job, storage.StateTranscribing, withNote(drift, "Transcribing audio.")); err != nil {
			return err
		}
		text, err := o.transcribe(ctx, job.ID, assign.Paths)
		if err != nil {
			return err
		}
		transcript = &text
	}
	return o.finish(ctx, job, assign, transcript, false, drift)
}

// shortCircuit completes a job for a video that is already on disk. A
// missing transcript is produced first when one was requested.
func (o *Orchestrator) shortCircuit(ctx context.Context, job *storage.Job, entry storage.VideoEntry) error {
	assign := assignmentOf(entry)
	transcript := entry.Transcript

	if job.Transcribe && transcript == nil {
		if err := o.advance(ctx, job, storage.StateTranscribing, "Already downloaded; transcribing audio."); err != nil {
			return err
		}
		text, err := o.transcribe(ctx, job.ID, assign.Paths)
		if err != nil {
			return err
		}
		transcript = &text
	}
	return o.finish(ctx, job, assign, transcript, true, "")
}

// download resolves the video and writes its three artifacts. Nothing is
// visible at the final paths unless all three arrived. The returned note
// describes metadata drift against the stored entry, if any.
func (o *Orchestrator) download(ctx context.Context, job *storage.Job, entry *storage.VideoEntry) (layout.Assignment, string, error) {
	if err := o.advance(ctx, job, storage.StateDownloading, "Resolving video link."); err != nil {
		return layout.Assignment{}, "", err
	}

	media, err := o.resolve(ctx, job.VideoID)
	if err != nil {
		return layout.Assignment{}, "", err
	}
	if len(media.MediaURLs) == 0 {
		return layout.Assignment{}, "", markKind(resolver.ErrNoMedia, storage.KindResolve)
	}

	var stored *layout.Assignment
	if entry != nil {
		a := assignmentOf(*entry)
		stored = &a
	}
	author := o.layout.AuthorName(media.AuthorID, media.Author)
	assign, drift := o.layout.Reconcile(job.VideoID, author, media.Description, stored)
	if drift != "" {
		o.logger.Warnw("video metadata drifted", "job_id", job.ID, "video_id", job.VideoID, "detail", drift)
	}
	o.note(ctx, job, withNote(drift, "Downloading video."))

	dctx, cancel := context.WithTimeout(ctx, o.cfg.DownloadTimeout)
	defer cancel()

	batch := o.fetcher.NewBatch()
	var videoSize int64
	g, gctx := errgroup.WithContext(dctx)
	g.Go(func() error {
		return batch.Put(assign.JSONPath, media.Raw)
	})
	g.Go(func() error {
		n, err := batch.Fetch(gctx, media.MediaURLs, assign.VideoPath)
		videoSize = n
		return err
	})
	g.Go(func() error {
		_, err := batch.Fetch(gctx, media.CoverURLs, assign.ImagePath)
		return err
	})
	if err := g.Wait(); err != nil {
		batch.Discard()
		return layout.Assignment{}, "", stageError(errors.Wrap(err, "fetching artifacts"), dctx, storage.KindDownload)
	}
	err = o.exclusive(ctx, job.ID, func() error {
		return batch.Commit(ctx)
	})
	if err != nil {
		batch.Discard()
		return layout.Assignment{}, "", markKind(err, storage.KindDownload)
	}

	o.logger.Infow("artifacts written", "job_id", job.ID, "video_id", job.VideoID,
		"video", assign.VideoPath, "size", humanize.Bytes(uint64(videoSize)))
	o.note(ctx, job, withNote(drift, fmt.Sprintf("Downloaded %s.", humanize.Bytes(uint64(videoSize)))))
	return assign, drift, nil
}

func (o *Orchestrator) resolve(ctx context.Context, videoID string) (resolver.Media, error) {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ResolveTimeout)
	defer cancel()

	media, err := o.resolver.Resolve(rctx, videoID)
	if err != nil {
		return resolver.Media{}, stageError(errors.Wrap(err, "resolving video"), rctx, storage.KindResolve)
	}
	return media, nil
}

// transcribe runs the transcriber on the video and stores the text next to it.
func (o *Orchestrator) transcribe(ctx context.Context, jobID string, paths layout.Paths) (string, error) {
	if o.transcriber == nil {
		return "", markKind(errors.New("no transcriber configured"), storage.KindTranscription)
	}

	tctx, cancel := context.WithTimeout(ctx, o.cfg.TranscribeTimeout)
	defer cancel()

	text, err := o.transcriber.Transcribe(tctx, paths.VideoPath, o.cfg.Language)
	if err != nil {
		return "", stageError(errors.Wrap(err, "transcribing"), tctx, storage.KindTranscription)
	}
	err = o.exclusive(ctx, jobID, func() error {
		return fetch.WriteFile(paths.TranscriptPath(), []byte(text))
	})
	if err != nil {
		return "", markKind(err, storage.KindTranscription)
	}
	return text, nil
}

// finish moves the job to SUCCESS and writes the index entry in the same
// transaction. Fresh downloads and short-circuits both end here. A non-empty
// drift note is kept in the final message.
func (o *Orchestrator) finish(ctx context.Context, job *storage.Job, assign layout.Assignment, transcript *string, shortCircuited bool, drift string) error {
	result := &storage.Result{
		JSONPath:       assign.JSONPath,
		VideoPath:      assign.VideoPath,
		ImagePath:      assign.ImagePath,
		ShortCircuited: shortCircuited,
	}
	if job.Transcribe {
		result.Transcript = transcript
	}

	message := "Download complete."
	if shortCircuited {
		message = "Already downloaded; reusing stored files."
	}
	if job.Transcribe {
		message += " Transcript ready."
	}
	if drift != "" {
		message += " " + drift
	}

	return o.advanceWith(ctx, job, storage.Update{
		State:   storage.StateSuccess,
		Message: message,
		Result:  result,
		Index: &storage.VideoEntry{
			VideoID:     job.VideoID,
			JSONPath:    assign.JSONPath,
			VideoPath:   assign.VideoPath,
			ImagePath:   assign.ImagePath,
			Author:      assign.Author,
			Description: assign.Description,
			Transcript:  transcript,
		},
	})
}

func (o *Orchestrator) advance(ctx context.Context, job *storage.Job, state storage.State, message string) error {
	return o.advanceWith(ctx, job, storage.Update{State: state, Message: message})
}

func (o *Orchestrator) advanceWith(ctx context.Context, job *storage.Job, u storage.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	updated, err := o.commit(ctx, job.ID, u)
	if err != nil {
		return err
	}
	*job = updated
	return nil
}

// note replaces the progress message without changing state.
func (o *Orchestrator) note(ctx context.Context, job *storage.Job, message string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := o.store.SetMessage(sctx, job.ID, message); err != nil {
		o.logger.Debugw("progress message not recorded", "job_id", job.ID, "error", err)
		return
	}
	if updated, err := o.store.GetJob(sctx, job.ID); err == nil {
		*job = updated
		o.events.Publish(updated)
	}
}

// fail records err as the job's terminal failure. A job that already reached
// a terminal state, typically through Cancel, is left alone.
func (o *Orchestrator) fail(ctx context.Context, job storage.Job, err error) {
	log := o.logger.With("job_id", job.ID, "video_id", job.VideoID)

	kind := KindOf(err)
	if ctx.Err() != nil {
		kind = storage.KindInterrupted
	}

	// A concurrent Cancel holds the job lock until its own FAILED is stored.
	unlock := o.lockJob(job.ID)
	defer unlock()

	if kind == storage.KindInvalidTransition {
		log.Warnw("job aborted by invalid transition", "error", err)
	}

	_, terr := o.commit(ctx, job.ID, storage.Update{
		State:   storage.StateFailed,
		Message: failureMessage(kind),
		Error:   &storage.JobError{Kind: kind, Detail: err.Error()},
	})
	switch {
	case errors.Is(terr, storage.ErrInvalidTransition):
		log.Debugw("job already terminal, failure not recorded", "kind", kind, "error", err)
	case terr != nil:
		log.Errorw("recording job failure", "kind", kind, "error", terr)
	default:
		log.Warnw("job failed", "kind", kind, "error", err)
	}
}

// commit applies a transition and publishes the new snapshot.
func (o *Orchestrator) commit(ctx context.Context, id string, u storage.Update) (storage.Job, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	job, err := o.store.Transition(sctx, id, u)
	if err != nil {
		return storage.Job{}, err
	}
	o.events.Publish(job)
	return job, nil
}

func withNote(note, message string) string {
	if note == "" {
		return message
	}
	return note + " " + message
}

func assignmentOf(e storage.VideoEntry) layout.Assignment {
	return layout.Assignment{
		Paths: layout.Paths{
			JSONPath:  e.JSONPath,
			VideoPath: e.VideoPath,
			ImagePath: e.ImagePath,
		},
		Author:      e.Author,
		Description: e.Description,
	}
}
