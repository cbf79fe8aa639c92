package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const jobColumns = `id, video_id, state, transcribe, force_download, message, result_json,
	error_kind, error_detail, owner, created_at, updated_at`

const activeStates = `('PENDING', 'DOWNLOADING', 'TRANSCRIBING')`

// NewJob carries the request flags of a submitted job.
type NewJob struct {
	VideoID    string
	Transcribe bool
	Force      bool
	Message    string
}

// RecoveryReport summarises RecoverInterrupted.
type RecoveryReport struct {
	Failed   []string
	Requeued int
}

// CreateJob inserts a PENDING job. The partial unique index on active jobs
// makes this the guard's check-and-set: when another job for the same video
// is still active, an *AlreadyInFlightError naming it is returned.
func (s *Store) CreateJob(ctx context.Context, nj NewJob) (Job, error) {
	if strings.TrimSpace(nj.VideoID) == "" {
		return Job{}, errors.New("video id is required")
	}

	for attempt := 0; attempt < 3; attempt++ {
		now := s.timestamp(time.Time{})
		job := Job{
			ID:         uuid.NewString(),
			VideoID:    nj.VideoID,
			State:      StatePending,
			Transcribe: nj.Transcribe,
			Force:      nj.Force,
			Message:    nj.Message,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, video_id, state, transcribe, force_download, message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.VideoID, string(job.State), boolInt(job.Transcribe), boolInt(job.Force),
			job.Message, formatTime(now), formatTime(now),
		)
		if err == nil {
			return job, nil
		}
		if !isUniqueViolation(err) {
			return Job{}, errors.Wrap(err, "inserting job")
		}

		holder, err := s.ActiveJob(ctx, nj.VideoID)
		if errors.Is(err, ErrNotFound) {
			// The holder reached a terminal state between the two statements.
			continue
		}
		if err != nil {
			return Job{}, err
		}
		return Job{}, &AlreadyInFlightError{VideoID: nj.VideoID, JobID: holder.ID}
	}
	return Job{}, errors.Newf("creating job for video %s: guard kept changing hands", nj.VideoID)
}

// GetJob returns the job with id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// ActiveJob returns the non-terminal job holding the guard for videoID.
func (s *Store) ActiveJob(ctx context.Context, videoID string) (Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE video_id = ? AND state IN `+activeStates+` LIMIT 1`, videoID))
}

// Transition moves a job to u.State in one transaction. The move is rejected
// with ErrInvalidTransition when it is not forward along the state order or
// the job is already terminal. When u.Index is set the video index entry is
// upserted in the same transaction, so the index never runs ahead of SUCCESS.
func (s *Store) Transition(ctx context.Context, id string, u Update) (Job, error) {
	if err := u.validate(); err != nil {
		return Job{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, errors.Wrap(err, "beginning transition")
	}
	defer tx.Rollback()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return Job{}, err
	}
	if !CanTransition(cur.State, u.State) {
		return Job{}, errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", id, cur.State, u.State)
	}

	var resultJSON, errKind, errDetail sql.NullString
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return Job{}, errors.Wrap(err, "marshaling result")
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	if u.Error != nil {
		errKind = sql.NullString{String: string(u.Error.Kind), Valid: true}
		errDetail = sql.NullString{String: u.Error.Detail, Valid: true}
	}

	now := s.timestamp(cur.UpdatedAt)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, message = ?, result_json = ?, error_kind = ?, error_detail = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(u.State), u.Message, resultJSON, errKind, errDetail, formatTime(now),
		id, string(cur.State),
	)
	if err != nil {
		return Job{}, errors.Wrap(err, "updating job state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, errors.Wrap(err, "checking updated job rows")
	}
	if n != 1 {
		return Job{}, errors.Wrapf(ErrInvalidTransition, "job %s changed state concurrently", id)
	}

	if u.Index != nil {
		entry := *u.Index
		entry.LastJobID = id
		if err := upsertVideo(ctx, tx, entry, now); err != nil {
			return Job{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Job{}, errors.Wrap(err, "committing transition")
	}

	cur.State = u.State
	cur.Message = u.Message
	cur.Result = u.Result
	cur.Error = u.Error
	cur.UpdatedAt = now
	return cur, nil
}

func (u Update) validate() error {
	switch {
	case !u.State.Valid():
		return errors.Newf("unknown state %q", u.State)
	case u.State == StateSuccess && u.Result == nil:
		return errors.New("SUCCESS requires a result")
	case u.State == StateFailed && (u.Error == nil || u.Error.Kind == ""):
		return errors.New("FAILED requires an error kind")
	case u.State != StateSuccess && (u.Result != nil || u.Index != nil):
		return errors.Newf("%s cannot carry a result", u.State)
	case u.State != StateFailed && u.Error != nil:
		return errors.Newf("%s cannot carry an error", u.State)
	}
	return nil
}

// SetMessage overwrites the progress message of a non-terminal job.
func (s *Store) SetMessage(ctx context.Context, id, message string) error {
	now := formatTime(s.timestamp(time.Time{}))
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET message = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND state IN `+activeStates,
		message, now, id,
	)
	if err != nil {
		return errors.Wrap(err, "updating job message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking updated job rows")
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(ErrInvalidTransition, "job %s is terminal", id)
}

// ClaimJob assigns an unclaimed, non-terminal job to owner.
// It returns nil when the job is already owned or finished.
func (s *Store) ClaimJob(ctx context.Context, id, owner string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning claim transaction")
	}
	defer tx.Rollback()

	job, err := claimTx(ctx, tx, id, owner)
	if err != nil || job == nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing claim")
	}
	return job, nil
}

// ClaimNextPending assigns the oldest unclaimed PENDING job to owner.
// It returns nil when there is nothing to claim.
func (s *Store) ClaimNextPending(ctx context.Context, owner string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning claim transaction")
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE state = 'PENDING' AND owner = ''
		ORDER BY created_at ASC
		LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting next job")
	}

	job, err := claimTx(ctx, tx, id, owner)
	if err != nil || job == nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing claim")
	}
	return job, nil
}

func claimTx(ctx context.Context, tx *sql.Tx, id, owner string) (*Job, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET owner = ?
		WHERE id = ? AND owner = '' AND state IN `+activeStates,
		owner, id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "claiming job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "checking claimed job rows")
	}
	if n != 1 {
		return nil, nil
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.VideoID != "" {
		where = append(where, "video_id = ?")
		args = append(args, f.VideoID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return queryJobs(ctx, s.db, query, args...)
}

// ListActiveJobs returns every non-terminal job, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]Job, error) {
	return queryJobs(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE state IN `+activeStates+` ORDER BY created_at ASC`)
}

// RecoverInterrupted fails jobs that were mid-download or mid-transcription
// at the last update before the given time, and releases ownership of
// PENDING jobs so the pool picks them up again.
func (s *Store) RecoverInterrupted(ctx context.Context, before time.Time, message string) (RecoveryReport, error) {
	var report RecoveryReport
	cutoff := formatTime(before)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, errors.Wrap(err, "beginning recovery")
	}
	defer tx.Rollback()

	stale, err := queryJobs(ctx, tx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('DOWNLOADING', 'TRANSCRIBING') AND updated_at < ?
		ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return report, err
	}

	for _, job := range stale {
		now := s.timestamp(job.UpdatedAt)
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'FAILED', message = ?, error_kind = ?, error_detail = ?, owner = '', updated_at = ?
			WHERE id = ? AND state = ?`,
			message, string(KindInterrupted),
			"process stopped while job was "+string(job.State),
			formatTime(now), job.ID, string(job.State),
		)
		if err != nil {
			return report, errors.Wrapf(err, "failing interrupted job %s", job.ID)
		}
		report.Failed = append(report.Failed, job.ID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET owner = '' WHERE state = 'PENDING' AND owner != '' AND updated_at < ?`, cutoff)
	if err != nil {
		return report, errors.Wrap(err, "releasing pending jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return report, errors.Wrap(err, "checking released job rows")
	}
	report.Requeued = int(n)

	if err := tx.Commit(); err != nil {
		return RecoveryReport{}, errors.Wrap(err, "committing recovery")
	}
	return report, nil
}

func queryJobs(ctx context.Context, q queryer, query string, args ...any) ([]Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var state, createdAt, updatedAt string
	var transcribe, force int
	var resultJSON, errKind, errDetail sql.NullString

	err := r.Scan(&j.ID, &j.VideoID, &state, &transcribe, &force, &j.Message, &resultJSON,
		&errKind, &errDetail, &j.Owner, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, errors.Wrap(err, "scanning job")
	}

	j.State = State(state)
	j.Transcribe = transcribe != 0
	j.Force = force != 0

	if resultJSON.Valid {
		var res Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return Job{}, errors.Wrapf(err, "decoding result of job %s", j.ID)
		}
		j.Result = &res
	}
	if errKind.Valid {
		j.Error = &JobError{Kind: ErrorKind(errKind.String), Detail: errDetail.String}
	}

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
