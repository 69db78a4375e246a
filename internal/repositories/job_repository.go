package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"texrender/internal/httpkit"
	"texrender/internal/models"
	"texrender/internal/pkg/errors"
)

const jobColumns = `
	id, status, request_json,
	COALESCE(error_code, ''), COALESCE(error_kind, ''), COALESCE(error_text, ''),
	COALESCE(artifact_key, ''), COALESCE(content_type, ''), COALESCE(size_bytes, 0),
	created_at, started_at, finished_at`

// JobRepository persists asynchronous render jobs in render_jobs.
type JobRepository struct {
	db *pgxpool.Pool
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts j as QUEUED and fills in its status and creation time.
func (r *JobRepository) Create(ctx context.Context, j *models.RenderJob) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO render_jobs (id, status, request_json)
		VALUES ($1,'QUEUED',$2)
		RETURNING status, created_at
	`, j.ID, j.Request).Scan(&j.Status, &j.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "jobs.create", "insert job")
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.RenderJob, error) {
	if uuid.Validate(id) != nil {
		return nil, errors.NotFound("job", id)
	}
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id=$1`, id))
	if httpkit.IsNoRows(err) || httpkit.IsInvalidText(err) {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobs.get", "query job")
	}
	return j, nil
}

// List returns the most recent jobs first.
func (r *JobRepository) List(ctx context.Context, limit int) ([]models.RenderJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM render_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "jobs.list", "query jobs")
	}
	defer rows.Close()

	out := []models.RenderJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "jobs.list", "scan job")
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "jobs.list", "iterate jobs")
	}
	return out, nil
}

// MarkRunning claims a queued job. A job that is not QUEUED is a conflict,
// so a job delivered twice is processed once.
func (r *JobRepository) MarkRunning(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status='RUNNING', started_at=now(), finished_at=NULL, error_code=NULL, error_kind=NULL, error_text=NULL
		WHERE id=$1 AND status='QUEUED'
	`, id)
	if err != nil {
		return errors.Wrap(err, "jobs.mark_running", "update job")
	}
	if cmd.RowsAffected() == 0 {
		return errors.Newf(errors.CodeConflict, "job %s is not queued", id)
	}
	return nil
}

// Requeue hands a claimed job back to the queue. Only a RUNNING job moves.
func (r *JobRepository) Requeue(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status='QUEUED', started_at=NULL
		WHERE id=$1 AND status='RUNNING'
	`, id)
	if err != nil {
		return errors.Wrap(err, "jobs.requeue", "update job")
	}
	if cmd.RowsAffected() == 0 {
		return errors.Newf(errors.CodeConflict, "job %s is not running", id)
	}
	return nil
}

func (r *JobRepository) MarkDone(ctx context.Context, id, artifactKey, contentType string, size int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status='DONE', finished_at=now(), artifact_key=$2, content_type=$3, size_bytes=$4
		WHERE id=$1
	`, id, artifactKey, contentType, size)
	if err != nil {
		return errors.Wrap(err, "jobs.mark_done", "update job")
	}
	return nil
}

func (r *JobRepository) MarkFailed(ctx context.Context, id, code, kind, text string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status='FAILED', finished_at=now(), error_code=$2, error_kind=$3, error_text=$4
		WHERE id=$1
	`, id, code, kind, text)
	if err != nil {
		return errors.Wrap(err, "jobs.mark_failed", "update job")
	}
	return nil
}

func scanJob(row pgx.Row) (*models.RenderJob, error) {
	var j models.RenderJob
	err := row.Scan(
		&j.ID, &j.Status, &j.Request,
		&j.ErrorCode, &j.ErrorKind, &j.ErrorText,
		&j.ArtifactKey, &j.ContentType, &j.SizeBytes,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
