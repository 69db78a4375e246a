package handlers

import (
	"encoding/base64"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"texrender/internal/httpkit"
	"texrender/internal/pkg/errors"
	"texrender/internal/rasterizer"
	"texrender/internal/render"
)

// PostRender renders a snippet and answers with the raw image bytes.
func (h *Handler) PostRender(w http.ResponseWriter, r *http.Request) error {
	var req render.Request
	if err := decodeBody(r, &req); err != nil {
		return err
	}

	res, err := h.renderer.Render(r.Context(), req)
	if err != nil {
		return err
	}

	if res.JobID != "" {
		w.Header().Set("X-Render-Job-ID", res.JobID)
	}
	if res.CacheHit {
		w.Header().Set("X-Render-Cache", "hit")
	} else {
		w.Header().Set("X-Render-Cache", "miss")
		w.Header().Set("X-Render-Duration-Ms", strconv.FormatInt(res.Duration.Milliseconds(), 10))
	}
	httpkit.Attachment(w, "output"+res.Format.Ext())
	httpkit.WriteBytes(w, http.StatusOK, res.ContentType, res.Data)
	return nil
}

// CompileRequest is the JSON body of /compile.
type CompileRequest struct {
	TikzCode     string `json:"tikz_code" validate:"required"`
	OutputFormat string `json:"output_format" validate:"omitempty,oneof=png pdf both"`
	DPI          int    `json:"dpi" validate:"omitempty,min=1,max=2400"`
	Background   string `json:"background" validate:"omitempty,bgcolor"`
}

type CompileResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PDFBase64 string `json:"pdf_base64,omitempty"`
	PNGBase64 string `json:"png_base64,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

// PostCompile compiles TikZ code and returns pdf and/or png as base64.
func (h *Handler) PostCompile(w http.ResponseWriter, r *http.Request) error {
	var req CompileRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.TikzCode) == "" {
		return errors.ValidationField("tikz_code", "tikz_code must not be empty").WithField("kind", "ValidationError")
	}
	return h.compile(w, r, req)
}

// PostCompileFile compiles an uploaded .tex, .tikz or .txt file as "both".
func (h *Handler) PostCompileFile(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errors.WrapWithCode(err, errors.CodeBadRequest, "httpapi.compile_file", "expected multipart form with a file field").
			WithField("kind", "ValidationError")
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		return errors.ValidationField("file", "file is required").WithField("kind", "ValidationError")
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(hdr.Filename)) {
	case ".tex", ".tikz", ".txt":
	default:
		return errors.ValidationField("file", "file must have a .tex, .tikz or .txt extension").WithField("kind", "ValidationError")
	}

	content, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return errors.Wrap(err, "httpapi.compile_file", "read upload")
	}
	if int64(len(content)) > h.maxUploadBytes {
		return errors.PayloadTooLarge("file", len(content), int(h.maxUploadBytes)).WithField("kind", "PayloadTooLarge")
	}
	if !utf8.Valid(content) || !isText(content) {
		return errors.ValidationField("file", "file must be UTF-8 text").WithField("kind", "ValidationError")
	}

	return h.compile(w, r, CompileRequest{TikzCode: string(content), OutputFormat: "both"})
}

func (h *Handler) compile(w http.ResponseWriter, r *http.Request, req CompileRequest) error {
	if err := h.validate.Struct(req); err != nil {
		return err
	}

	var formats []rasterizer.Format
	switch req.OutputFormat {
	case "pdf":
		formats = []rasterizer.Format{rasterizer.FormatPDF}
	case "both":
		formats = []rasterizer.Format{rasterizer.FormatPDF, rasterizer.FormatPNG}
	default:
		formats = []rasterizer.Format{rasterizer.FormatPNG}
	}

	res, err := h.renderer.RenderAll(r.Context(), render.Request{
		Source:     req.TikzCode,
		Density:    req.DPI,
		Background: req.Background,
	}, formats...)
	if err != nil {
		return err
	}

	out := CompileResponse{
		Success: true,
		Message: "compiled successfully",
		FileID:  res.JobID,
	}
	if b, ok := res.Outputs[rasterizer.FormatPDF]; ok {
		out.PDFBase64 = base64.StdEncoding.EncodeToString(b)
	}
	if b, ok := res.Outputs[rasterizer.FormatPNG]; ok {
		out.PNGBase64 = base64.StdEncoding.EncodeToString(b)
	}
	w.Header().Set("X-Render-Job-ID", res.JobID)
	httpkit.WriteJSON(w, http.StatusOK, out)
	return nil
}

// isText reports whether mimetype places b under text/plain.
func isText(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for m := mimetype.Detect(b); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
