package handlers

import (
	"context"
	"net/http"

	"texrender/internal/httpkit"
	"texrender/internal/models"
	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
	"texrender/internal/ports"
	"texrender/internal/rasterizer"
	"texrender/internal/render"
)

// Renderer is the render service as seen by the API.
type Renderer interface {
	Normalize(req render.Request) (render.Request, error)
	Render(ctx context.Context, req render.Request) (*render.Result, error)
	RenderAll(ctx context.Context, req render.Request, formats ...rasterizer.Format) (*render.Result, error)
	HealthCheck(ctx context.Context) render.Health
}

type TemplateStore interface {
	Create(ctx context.Context, t *models.Template) error
	List(ctx context.Context) ([]models.Template, error)
	Get(ctx context.Context, id string) (*models.Template, error)
	Delete(ctx context.Context, id string) error
}

type JobStore interface {
	Create(ctx context.Context, j *models.RenderJob) error
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	List(ctx context.Context, limit int) ([]models.RenderJob, error)
	MarkFailed(ctx context.Context, id, code, kind, text string) error
}

type Queue interface {
	Push(ctx context.Context, jobID string) error
}

// Check is a dependency probe for ?deep=true health checks.
type Check func(ctx context.Context) error

// Deps are the handler collaborators. Templates, Jobs, Queue and SP are nil
// when the optional Postgres/Redis stack is not configured.
type Deps struct {
	Renderer       Renderer
	Templates      TemplateStore
	Jobs           JobStore
	Queue          Queue
	SP             ports.StorageProvider
	Checks         map[string]Check
	MaxUploadBytes int64
	Version        string
	Log            *logger.Logger
}

type Handler struct {
	renderer       Renderer
	templates      TemplateStore
	jobs           JobStore
	queue          Queue
	sp             ports.StorageProvider
	checks         map[string]Check
	validate       *render.Validator
	maxUploadBytes int64
	version        string
	log            *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 1 << 20
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Handler{
		renderer:       d.Renderer,
		templates:      d.Templates,
		jobs:           d.Jobs,
		queue:          d.Queue,
		sp:             d.SP,
		checks:         d.Checks,
		validate:       render.NewValidator(),
		maxUploadBytes: d.MaxUploadBytes,
		version:        d.Version,
		log:            log.WithComponent("httpapi"),
	}
}

// Root describes the service.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "TikZ rendering API",
		"version": h.version,
		"endpoints": map[string]string{
			"/render":       "POST - render a TikZ/LaTeX snippet to png, svg or pdf",
			"/compile":      "POST - compile TikZ code, base64 JSON response",
			"/compile-file": "POST - upload a .tex, .tikz or .txt file",
			"/jobs":         "POST/GET - asynchronous render jobs",
			"/templates":    "POST/GET - stored preamble templates",
			"/health":       "GET - service health",
		},
	})
}

// decodeBody decodes a JSON body. Oversized bodies keep their
// *http.MaxBytesError so they map to 413.
func decodeBody(r *http.Request, v any) error {
	if err := httpkit.DecodeJSON(r, v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errors.WrapWithCode(err, errors.CodeBadRequest, "httpapi.decode", "invalid json body").
			WithField("kind", "ValidationError")
	}
	return nil
}

func notConfigured(feature string) error {
	return errors.New(errors.CodeUnavailable, feature+" are not configured").
		WithField("kind", "ResourceUnavailable")
}
