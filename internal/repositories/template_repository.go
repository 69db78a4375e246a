package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"texrender/internal/httpkit"
	"texrender/internal/models"
	"texrender/internal/pkg/errors"
)

type TemplateRepository struct {
	db *pgxpool.Pool
}

func NewTemplateRepository(db *pgxpool.Pool) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO templates (id, name, description, preamble)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, t.ID, t.Name, t.Description, t.Preamble).Scan(&t.CreatedAt)

	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return errors.Conflict("template name already exists").WithField("name", t.Name)
		}
		return errors.Wrap(err, "templates.create", "insert template")
	}
	return nil
}

func (r *TemplateRepository) List(ctx context.Context) ([]models.Template, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, description, created_at
		FROM templates
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "templates.list", "query templates")
	}
	defer rows.Close()

	out := []models.Template{}
	for rows.Next() {
		var t models.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "templates.list", "scan template")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "templates.list", "iterate templates")
	}
	return out, nil
}

// Get returns a live template. Soft-deleted templates are not found.
func (r *TemplateRepository) Get(ctx context.Context, id string) (*models.Template, error) {
	if uuid.Validate(id) != nil {
		return nil, errors.NotFound("template", id)
	}
	var t models.Template
	err := r.db.QueryRow(ctx, `
		SELECT id, name, description, preamble, created_at
		FROM templates
		WHERE id=$1 AND deleted_at IS NULL
	`, id).Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.Preamble,
		&t.CreatedAt,
	)
	if httpkit.IsNoRows(err) || httpkit.IsInvalidText(err) {
		return nil, errors.NotFound("template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "templates.get", "query template")
	}
	return &t, nil
}

// Preamble resolves a template ID for the render service.
func (r *TemplateRepository) Preamble(ctx context.Context, id string) (string, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Preamble, nil
}

func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return errors.NotFound("template", id)
	}
	cmd, err := r.db.Exec(ctx, `
		UPDATE templates
		SET deleted_at=now()
		WHERE id=$1 AND deleted_at IS NULL
	`, id)
	if httpkit.IsInvalidText(err) {
		return errors.NotFound("template", id)
	}
	if err != nil {
		return errors.Wrap(err, "templates.delete", "soft delete template")
	}
	if cmd.RowsAffected() == 0 {
		return errors.NotFound("template", id)
	}
	return nil
}
