package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"texrender/internal/httpapi/handlers"
	"texrender/internal/httpkit"
	"texrender/internal/pkg/logger"
	"texrender/internal/pkg/middleware"
)

type Deps struct {
	handlers.Deps

	AllowedOrigins []string
	// RateLimiter may be nil.
	RateLimiter  *middleware.RateLimiter
	MaxBodyBytes int64
}

// multipartOverhead is added to the upload bound for the form envelope.
const multipartOverhead = 64 << 10

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	d.Log = log
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = d.MaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept", middleware.RequestIDHeader},
		ExposedHeaders: []string{"X-Render-Job-ID", "X-Render-Cache", "X-Render-Duration-Ms", middleware.RequestIDHeader},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(d.Deps)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- INFO / HEALTH ----
	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}

		// ---- UPLOAD ----
		r.With(middleware.BodyLimit(d.MaxUploadBytes+multipartOverhead)).
			Post("/compile-file", wrap(h.PostCompileFile))

		r.Group(func(r chi.Router) {
			r.Use(middleware.BodyLimit(d.MaxBodyBytes))

			// ---- RENDER ----
			r.Post("/render", wrap(h.PostRender))
			r.Post("/compile", wrap(h.PostCompile))

			// ---- JOBS ----
			r.Post("/jobs", wrap(h.PostJob))
			r.Get("/jobs", wrap(h.ListJobs))
			r.Get("/jobs/{jobId}", wrap(h.GetJob))
			r.Get("/jobs/{jobId}/content", wrap(h.StreamJobContent))
			r.Get("/jobs/{jobId}/url", wrap(h.GetJobURL))

			// ---- TEMPLATES ----
			r.Post("/templates", wrap(h.PostTemplate))
			r.Get("/templates", wrap(h.ListTemplates))
			r.Get("/templates/{templateId}", wrap(h.GetTemplate))
			r.Delete("/templates/{templateId}", wrap(h.DeleteTemplate))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpkit.WriteErr(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpkit.WriteErr(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	return r
}
