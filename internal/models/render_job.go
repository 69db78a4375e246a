package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobQueued  JobStatus = "QUEUED"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// RenderJob is an asynchronous render request and its outcome.
type RenderJob struct {
	ID          string          `json:"id"`
	Status      JobStatus       `json:"status"`
	Request     json.RawMessage `json:"request"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	ArtifactKey string          `json:"-"`
	ContentType string          `json:"content_type,omitempty"`
	SizeBytes   int64           `json:"size_bytes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}
