package storage

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a state change would move a job
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrAlreadyInFlight is matched by AlreadyInFlightError.
var ErrAlreadyInFlight = errors.New("video already has a job in flight")

// AlreadyInFlightError reports the job currently holding the guard for a video.
type AlreadyInFlightError struct {
	VideoID string
	JobID   string
}

func (e *AlreadyInFlightError) Error() string {
	return fmt.Sprintf("video %s already has job %s in flight", e.VideoID, e.JobID)
}

func (e *AlreadyInFlightError) Unwrap() error { return ErrAlreadyInFlight }

// State is a job lifecycle state.
type State string

const (
	StatePending      State = "PENDING"
	StateDownloading  State = "DOWNLOADING"
	StateTranscribing State = "TRANSCRIBING"
	StateSuccess      State = "SUCCESS"
	StateFailed       State = "FAILED"
)

var stateRank = map[State]int{
	StatePending:      0,
	StateDownloading:  1,
	StateTranscribing: 2,
	StateSuccess:      3,
	StateFailed:       4,
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Label is the coarse status shown to external pollers.
func (s State) Label() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDownloading, StateTranscribing:
		return "processing"
	case StateSuccess:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// CanTransition reports whether a job may move from one state to another.
// Moves only go forward along PENDING, DOWNLOADING, TRANSCRIBING, SUCCESS,
// FAILED and never leave a terminal state.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	return stateRank[to] > stateRank[from]
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	KindResolve           ErrorKind = "ResolveError"
	KindDownload          ErrorKind = "DownloadError"
	KindTranscription     ErrorKind = "TranscriptionError"
	KindTimeout           ErrorKind = "Timeout"
	KindCancelled         ErrorKind = "Cancelled"
	KindAlreadyInFlight   ErrorKind = "AlreadyInFlight"
	KindInvalidTransition ErrorKind = "InvalidTransition"
	KindNotFound          ErrorKind = "NotFound"
	KindInterrupted       ErrorKind = "Interrupted"
	KindInternal          ErrorKind = "InternalError"
)

// JobError is recorded on FAILED jobs.
type JobError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Result is recorded on SUCCESS jobs.
type Result struct {
	JSONPath       string  `json:"json_path"`
	VideoPath      string  `json:"video_path"`
	ImagePath      string  `json:"image_path"`
	Transcript     *string `json:"transcript"`
	ShortCircuited bool    `json:"short_circuited"`
}

// Job is one acquisition request and its progress through the state machine.
type Job struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"video_id"`
	State      State     `json:"state"`
	Transcribe bool      `json:"transcribe"`
	Force      bool      `json:"force"`
	Message    string    `json:"message"`
	Result     *Result   `json:"result"`
	Error      *JobError `json:"error"`
	Owner      string    `json:"owner,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// VideoEntry is the dedup index row for a video that was acquired at least once.
type VideoEntry struct {
	VideoID     string    `json:"video_id"`
	JSONPath    string    `json:"json_path"`
	VideoPath   string    `json:"video_path"`
	ImagePath   string    `json:"image_path"`
	Author      string    `json:"author"`
	Description string    `json:"description"`
	Transcript  *string   `json:"transcript"`
	LastJobID   string    `json:"last_job_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update describes one state transition.
type Update struct {
	State   State
	Message string
	Result  *Result
	Error   *JobError
	// Index is upserted in the same transaction; only valid with StateSuccess.
	Index *VideoEntry
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	State   State
	VideoID string
	Limit   int
}
