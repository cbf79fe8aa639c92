package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

const videoColumns = `video_id, json_path, video_path, image_path, author, description, transcript,
	last_job_id, created_at, updated_at`

// GetVideo returns the index entry for videoID, or ErrNotFound.
func (s *Store) GetVideo(ctx context.Context, videoID string) (VideoEntry, error) {
	return scanVideo(s.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM video_index WHERE video_id = ?`, videoID))
}

// ListVideos returns index entries, most recently updated first.
func (s *Store) ListVideos(ctx context.Context, limit, offset int) ([]VideoEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM video_index
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "querying videos")
	}
	defer rows.Close()

	var entries []VideoEntry
	for rows.Next() {
		e, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// upsertVideo creates the entry on first success. Later successes keep the
// stored paths, author and description and only refresh the transcript (when
// a new one is supplied) and the back-reference.
func upsertVideo(ctx context.Context, q queryer, e VideoEntry, now time.Time) error {
	var transcript sql.NullString
	if e.Transcript != nil {
		transcript = sql.NullString{String: *e.Transcript, Valid: true}
	}
	ts := formatTime(now)

	_, err := q.ExecContext(ctx, `
		INSERT INTO video_index (video_id, json_path, video_path, image_path, author, description, transcript, last_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			transcript = COALESCE(excluded.transcript, video_index.transcript),
			last_job_id = excluded.last_job_id,
			updated_at = excluded.updated_at`,
		e.VideoID, e.JSONPath, e.VideoPath, e.ImagePath, e.Author, e.Description,
		transcript, e.LastJobID, ts, ts,
	)
	if err != nil {
		return errors.Wrapf(err, "upserting index entry for %s", e.VideoID)
	}
	return nil
}

func scanVideo(r rowScanner) (VideoEntry, error) {
	var e VideoEntry
	var transcript sql.NullString
	var createdAt, updatedAt string

	err := r.Scan(&e.VideoID, &e.JSONPath, &e.VideoPath, &e.ImagePath, &e.Author, &e.Description,
		&transcript, &e.LastJobID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return VideoEntry{}, ErrNotFound
	}
	if err != nil {
		return VideoEntry{}, errors.Wrap(err, "scanning video entry")
	}

	if transcript.Valid {
		t := transcript.String
		e.Transcript = &t
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return VideoEntry{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return VideoEntry{}, err
	}
	return e, nil
}
