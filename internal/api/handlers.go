package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ripperd/internal/rip"
)

type createRipRequest struct {
	SourceURL string `json:"source_url"`
}

type jobView struct {
	ID           string        `json:"id"`
	Status       rip.JobStatus `json:"status"`
	SourceURL    string        `json:"source_url"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ExpiresAt    *time.Time    `json:"expires_at"`
	Error        string        `json:"error,omitempty"`
	DownloadURL  *string       `json:"download_url"`
	DownloadSize *int64        `json:"download_size"`
}

type logPage struct {
	JobID      string         `json:"job_id"`
	Entries    []rip.LogEntry `json:"entries"`
	NextCursor int            `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

func (s *Server) createRip(w http.ResponseWriter, r *http.Request) {
	var req createRipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}

	job, err := s.registry.Create(req.SourceURL)
	switch {
	case errors.Is(err, rip.ErrValidation):
		writeError(s.logger, w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	case errors.Is(err, rip.ErrQueueFull):
		if s.collect != nil {
			s.collect.JobsRejected.Inc()
		}
		writeError(s.logger, w, http.StatusTooManyRequests, "TOO_MANY_JOBS", "Job queue is full, try again later")
		return
	case err != nil:
		s.logger.Error("create job failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	if s.collect != nil {
		s.collect.JobsSubmitted.Inc()
	}

	if _, err := s.registry.AppendLog(job.ID, rip.LevelInfo, "Job queued"); err != nil {
		s.logger.Warn("append queued log failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if snap, err := s.registry.Get(job.ID); err == nil {
		job = snap
	}

	writeJSON(s.logger, w, http.StatusCreated, dataResponse{Data: s.toJobView(job)})
}

func (s *Server) getRip(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.registry.Get(jobID)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "JOB_NOT_FOUND", "Job "+jobID+" not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, dataResponse{Data: s.toJobView(job)})
}

func (s *Server) getRipLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(s.logger, w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	entries, nextCursor, hasMore, err := s.registry.ReadLogs(jobID, since)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "JOB_NOT_FOUND", "Job "+jobID+" not found")
		return
	}
	if entries == nil {
		entries = []rip.LogEntry{}
	}
	writeJSON(s.logger, w, http.StatusOK, dataResponse{Data: logPage{
		JobID:      jobID,
		Entries:    entries,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}})
}

func (s *Server) cancelRip(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.registry.RequestCancel(jobID); err != nil {
		writeError(s.logger, w, http.StatusNotFound, "JOB_NOT_FOUND", "Job "+jobID+" not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// downloadArtifact streams an archive addressed purely by its signed token.
// The job registry is never consulted, so links keep working after a process
// restart as long as the token store and the archive survive.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")

	rec, err := s.issuer.Verify(r.Context(), tok)
	switch {
	case errors.Is(err, rip.ErrTokenExpired):
		writeError(s.logger, w, http.StatusGone, "DOWNLOAD_EXPIRED", "Download link has expired")
		return
	case err != nil:
		writeError(s.logger, w, http.StatusNotFound, "DOWNLOAD_NOT_FOUND", "Download link is invalid or expired")
		return
	}

	f, err := os.Open(rec.ArtifactPath)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "DOWNLOAD_NOT_FOUND", "Download link is invalid or expired")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "DOWNLOAD_NOT_FOUND", "Download link is invalid or expired")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.JobID+`.zip"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("stream archive failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

func (s *Server) toJobView(job rip.Job) jobView {
	view := jobView{
		ID:        job.ID,
		Status:    job.Status,
		SourceURL: job.SourceURL,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		ExpiresAt: job.ExpiresAt,
		Error:     job.Error,
	}
	if job.Status == rip.JobStatusSucceeded && job.Artifact != nil && job.DownloadToken != "" {
		if job.ExpiresAt == nil || job.ExpiresAt.After(s.clock.Now()) {
			url := "/v1/downloads/" + job.DownloadToken
			view.DownloadURL = &url
			size := job.Artifact.Size
			view.DownloadSize = &size
		}
	}
	return view
}
