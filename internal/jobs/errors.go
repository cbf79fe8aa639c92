package jobs

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/kalambet/vidvault/internal/storage"
)

// ErrInvalidRequest is returned by Submit for requests that cannot become a job.
var ErrInvalidRequest = errors.New("invalid request")

// Stage markers attached to collaborator errors.
var (
	errResolve       = errors.New("resolve stage")
	errDownload      = errors.New("download stage")
	errTranscription = errors.New("transcription stage")
)

var stageMarkers = map[storage.ErrorKind]error{
	storage.KindResolve:       errResolve,
	storage.KindDownload:      errDownload,
	storage.KindTranscription: errTranscription,
}

// markKind tags err with the stage it came from.
func markKind(err error, kind storage.ErrorKind) error {
	if ref, ok := stageMarkers[kind]; ok {
		return errors.Mark(err, ref)
	}
	return err
}

// stageError tags err with its stage and, when the stage context hit its own
// deadline, with context.DeadlineExceeded so it classifies as a timeout even
// if the collaborator dropped the context error.
func stageError(err error, stageCtx context.Context, kind storage.ErrorKind) error {
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = errors.Mark(err, context.DeadlineExceeded)
	}
	return markKind(err, kind)
}

// KindOf classifies err into the failure taxonomy. Deadlines and
// cancellation win over the stage that observed them.
func KindOf(err error) storage.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return storage.KindTimeout
	case errors.Is(err, context.Canceled):
		return storage.KindCancelled
	case errors.Is(err, storage.ErrInvalidTransition):
		return storage.KindInvalidTransition
	case errors.Is(err, storage.ErrAlreadyInFlight):
		return storage.KindAlreadyInFlight
	case errors.Is(err, errResolve):
		return storage.KindResolve
	case errors.Is(err, errDownload):
		return storage.KindDownload
	case errors.Is(err, errTranscription):
		return storage.KindTranscription
	case errors.Is(err, storage.ErrNotFound):
		return storage.KindNotFound
	}
	return storage.KindInternal
}

var failureMessages = map[storage.ErrorKind]string{
	storage.KindResolve:           "Could not resolve the video link.",
	storage.KindDownload:          "Download failed.",
	storage.KindTranscription:     "Transcription failed.",
	storage.KindTimeout:           "Timed out.",
	storage.KindCancelled:         "Cancelled.",
	storage.KindInterrupted:       "Interrupted by a service restart; submit again.",
	storage.KindInvalidTransition: "Aborted after an invalid state change.",
}

func failureMessage(kind storage.ErrorKind) string {
	if msg, ok := failureMessages[kind]; ok {
		return msg
	}
	return "Internal error."
}
