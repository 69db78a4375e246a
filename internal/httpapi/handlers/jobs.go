package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"texrender/internal/httpkit"
	"texrender/internal/models"
	"texrender/internal/pkg/errors"
	"texrender/internal/render"
)

// PostJob validates and normalizes a render request, stores it as QUEUED
// and enqueues its ID for the worker.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	if h.jobs == nil || h.queue == nil {
		return notConfigured("async jobs")
	}
	ctx := r.Context()

	var req render.Request
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	req, err := h.renderer.Normalize(req)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "httpapi.post_job", "encode request")
	}

	job := &models.RenderJob{ID: uuid.NewString(), Request: raw}
	if err := h.jobs.Create(ctx, job); err != nil {
		return err
	}

	if err := h.queue.Push(ctx, job.ID); err != nil {
		// Leave no QUEUED row that nothing will ever pick up.
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := h.jobs.MarkFailed(mctx, job.ID, string(errors.CodeUnavailable), "ResourceUnavailable", "queue push failed"); ferr != nil {
			h.log.FromContext(ctx).Error("failed to mark unqueued job", "job_id", job.ID, "error", ferr.Error())
		}
		return errors.WrapWithCode(err, errors.CodeUnavailable, "httpapi.post_job", "queue push failed").
			WithField("kind", "ResourceUnavailable").
			WithField("job_id", job.ID)
	}

	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": job})
	return nil
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) error {
	if h.jobs == nil {
		return notConfigured("async jobs")
	}

	limit := 50
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > 200 {
			return errors.ValidationField("limit", "limit must be between 1 and 200").WithField("kind", "ValidationError")
		}
		limit = v
	}

	jobs, err := h.jobs.List(r.Context(), limit)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	return nil
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	if h.jobs == nil {
		return notConfigured("async jobs")
	}
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
	return nil
}

// doneJob loads a job whose artifact is ready.
func (h *Handler) doneJob(r *http.Request) (*models.RenderJob, error) {
	if h.jobs == nil || h.sp == nil {
		return nil, notConfigured("async jobs")
	}
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobDone || job.ArtifactKey == "" {
		return nil, errors.Newf(errors.CodeConflict, "job %s is %s", job.ID, job.Status).
			WithField("job_id", job.ID).
			WithField("status", string(job.Status))
	}
	return job, nil
}

// StreamJobContent streams a finished job's artifact from storage.
func (h *Handler) StreamJobContent(w http.ResponseWriter, r *http.Request) error {
	job, err := h.doneJob(r)
	if err != nil {
		return err
	}

	rc, ct, size, err := h.sp.GetObject(r.Context(), job.ArtifactKey)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeNotFound, "httpapi.job_content", "artifact missing").
			WithField("job_id", job.ID)
	}
	defer rc.Close()

	if job.ContentType != "" {
		ct = job.ContentType
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
	return nil
}

// GetJobURL returns a signed URL for the artifact when the storage
// provider supports it, and the streaming path otherwise.
func (h *Handler) GetJobURL(w http.ResponseWriter, r *http.Request) error {
	job, err := h.doneJob(r)
	if err != nil {
		return err
	}

	const ttl = 15 * time.Minute
	out, err := h.sp.GetSignedURL(r.Context(), job.ArtifactKey, ttl)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "httpapi.job_url", "sign url")
	}
	url := out.URL
	if url == "" {
		url = "/jobs/" + job.ID + "/content"
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": out.ExpiresAt,
		"provider":   h.sp.Provider(),
	})
	return nil
}
