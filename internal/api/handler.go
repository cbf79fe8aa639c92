// Package api exposes the job service over HTTP, a websocket event stream,
// and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/vidvault/internal/jobs"
	"github.com/kalambet/vidvault/internal/storage"
)

const maxRequestBodySize = 64 << 10

// Service is the job surface the handlers drive.
type Service interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (storage.Job, error)
	Status(ctx context.Context, id string) (storage.Job, error)
	Cancel(ctx context.Context, id string) (storage.Job, error)
	List(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
	Video(ctx context.Context, videoID string) (storage.VideoEntry, error)
	Videos(ctx context.Context, limit, offset int) ([]storage.VideoEntry, error)
	Events() *jobs.EventBus
	Running() int
}

// Deps configures NewHandler.
type Deps struct {
	Service      Service
	Token        string
	APIKeyHeader string
	Logger       *zap.SugaredLogger
}

// SubmitBody is the request body of the submission endpoints.
type SubmitBody struct {
	VideoID    string `json:"video_id"`
	Transcribe bool   `json:"transcribe"`
	Force      bool   `json:"force"`
}

// QueuedResponse is returned by /download and /download_and_transcribe.
type QueuedResponse struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status      string `json:"status"`
	RunningJobs int    `json:"running_jobs"`
}

// NewHandler builds the HTTP API router. Everything except /health requires the token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(deps.Token, deps.APIKeyHeader))

		r.Post("/download", handleQueue(deps, false))
		r.Post("/download_and_transcribe", handleQueue(deps, true))
		r.Get("/task/{id}", handleGetJob(deps))

		r.Post("/jobs", handleSubmit(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/cancel", handleCancel(deps))
		r.Get("/jobs/{id}/events", handleEvents(deps))

		r.Get("/videos", handleListVideos(deps))
		r.Get("/videos/{videoID}", handleGetVideo(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", RunningJobs: deps.Service.Running()})
	}
}

// handleQueue serves the short submission endpoints; transcribe is fixed by
// the route.
func handleQueue(deps Deps, transcribe bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeSubmit(w, r)
		if !ok {
			return
		}

		job, err := deps.Service.Submit(r.Context(), jobs.SubmitRequest{
			VideoID:    body.VideoID,
			Transcribe: transcribe,
			Force:      body.Force,
		})
		if err != nil {
			serviceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, QueuedResponse{
			Status:  "queued",
			TaskID:  job.ID,
			Message: job.Message,
		})
	}
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeSubmit(w, r)
		if !ok {
			return
		}

		job, err := deps.Service.Submit(r.Context(), jobs.SubmitRequest{
			VideoID:    body.VideoID,
			Transcribe: body.Transcribe,
			Force:      body.Force,
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, jobs.NewSnapshot(job))
	}
}

func decodeSubmit(w http.ResponseWriter, r *http.Request) (SubmitBody, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var body SubmitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return SubmitBody{}, false
	}
	if body.VideoID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "video_id is required")
		return SubmitBody{}, false
	}
	return body, true
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Service.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs.NewSnapshot(job))
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Service.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs.NewSnapshot(job))
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := storage.State(r.URL.Query().Get("state"))
		if state != "" && !state.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown state %q", state)
			return
		}

		list, err := deps.Service.List(r.Context(), storage.JobFilter{
			State:   state,
			VideoID: r.URL.Query().Get("video_id"),
			Limit:   parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			serviceError(w, err)
			return
		}

		out := make([]jobs.Snapshot, 0, len(list))
		for _, job := range list {
			out = append(out, jobs.NewSnapshot(job))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetVideo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := deps.Service.Video(r.Context(), chi.URLParam(r, "videoID"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleListVideos(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		videos, err := deps.Service.Videos(r.Context(), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		if videos == nil {
			videos = []storage.VideoEntry{}
		}
		writeJSON(w, http.StatusOK, videos)
	}
}

// serviceError maps a service error onto a status code.
func serviceError(w http.ResponseWriter, err error) {
	var inFlight *storage.AlreadyInFlightError
	switch {
	case errors.As(err, &inFlight):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]any{
				"message":         inFlight.Error(),
				"type":            "already_in_flight",
				"existing_job_id": inFlight.JobID,
			},
		})
	case errors.Is(err, jobs.ErrInvalidRequest):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
