package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"texrender/internal/httpkit"
	"texrender/internal/models"
	"texrender/internal/pkg/errors"
)

type CreateTemplateRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=1024"`
	Preamble    string `json:"preamble" validate:"required,max=65536"`
}

func (h *Handler) PostTemplate(w http.ResponseWriter, r *http.Request) error {
	if h.templates == nil {
		return notConfigured("templates")
	}

	var req CreateTemplateRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)

	if err := h.validate.Struct(req); err != nil {
		return err
	}
	// The body is supplied per request; a preamble that opens the document
	// would swallow it.
	if strings.Contains(req.Preamble, `\begin{document}`) {
		return errors.ValidationField("preamble", `preamble must not contain \begin{document}`).
			WithField("kind", "ValidationError")
	}

	t := &models.Template{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Preamble:    req.Preamble,
	}
	if err := h.templates.Create(r.Context(), t); err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"template": t})
	return nil
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) error {
	if h.templates == nil {
		return notConfigured("templates")
	}
	list, err := h.templates.List(r.Context())
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"templates": list})
	return nil
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) error {
	if h.templates == nil {
		return notConfigured("templates")
	}
	t, err := h.templates.Get(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"template": t})
	return nil
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) error {
	if h.templates == nil {
		return notConfigured("templates")
	}
	if err := h.templates.Delete(r.Context(), chi.URLParam(r, "templateId")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
