package jobs

import (
	"time"

	"github.com/kalambet/vidvault/internal/storage"
)

// Snapshot is the read-only view of a job handed to pollers.
type Snapshot struct {
	TaskID     string            `json:"task_id"`
	VideoID    string            `json:"video_id"`
	State      storage.State     `json:"state"`
	Status     string            `json:"status"`
	Message    string            `json:"message"`
	Transcribe bool              `json:"transcribe"`
	Force      bool              `json:"force"`
	Result     *storage.Result   `json:"result"`
	Error      *storage.JobError `json:"error"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewSnapshot projects a job record. Result and Error are only present in
// SUCCESS and FAILED respectively.
func NewSnapshot(job storage.Job) Snapshot {
	s := Snapshot{
		TaskID:     job.ID,
		VideoID:    job.VideoID,
		State:      job.State,
		Status:     job.State.Label(),
		Message:    job.Message,
		Transcribe: job.Transcribe,
		Force:      job.Force,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.State == storage.StateSuccess {
		s.Result = job.Result
	}
	if job.State == storage.StateFailed {
		s.Error = job.Error
	}
	return s
}
