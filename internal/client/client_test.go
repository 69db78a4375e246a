package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/middleware"
	"texrender/internal/rasterizer"
	"texrender/internal/render"
)

func TestRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/render" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req render.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Source != `\draw (0,0);` || req.Format != rasterizer.FormatSVG {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("X-Render-Job-ID", "job_123")
		_, _ = w.Write([]byte("<svg/>"))
	}))
	defer srv.Close()

	res, err := New(srv.URL+"/").Render(context.Background(), render.Request{Source: `\draw (0,0);`, Format: rasterizer.FormatSVG})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if res.JobID != "job_123" || string(res.Data) != "<svg/>" || res.ContentType != "image/svg+xml" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRenderDecodesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, errors.CodeCompile, "compilation failed", map[string]any{
			"kind":       "SyntaxError",
			"diagnostic": "! Undefined control sequence.",
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Render(context.Background(), render.Request{Source: `\bad`})
	if errors.GetCode(err) != errors.CodeCompile {
		t.Fatalf("expected COMPILE_ERROR, got %v", err)
	}
	if kind := errors.GetFields(err)["kind"]; kind != "SyntaxError" {
		t.Errorf("kind = %v", kind)
	}
}

func TestRenderNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Render(context.Background(), render.Request{Source: "x"})
	if errors.GetCode(err) != errors.CodeTimeout {
		t.Errorf("expected TIMEOUT from 504, got %v", err)
	}
}

func TestRenderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Render(context.Background(), render.Request{Source: "x"})
	if errors.GetCode(err) != errors.CodeUnavailable {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
}

func TestHealthDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(render.Health{Status: render.StatusDegraded, Reasons: []string{"draining"}})
	}))
	defer srv.Close()

	h, err := New(srv.URL).Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.OK() || len(h.Reasons) != 1 {
		t.Errorf("unexpected health %+v", h)
	}
}
