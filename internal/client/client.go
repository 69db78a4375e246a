// Package client calls a texrender API over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"texrender/internal/httpkit"
	"texrender/internal/pkg/errors"
	"texrender/internal/rasterizer"
	"texrender/internal/render"
)

// maxResponseBytes bounds a rendered artifact read from the server.
const maxResponseBytes = 64 << 20

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Render posts req to /render. Server errors come back as *errors.Error with
// the server's code and details, so callers can branch on them as if the
// render had run locally.
func (c *Client) Render(ctx context.Context, req render.Request) (*render.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.do(ctx, http.MethodPost, "/render", body)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, decodeError(res)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "client.render", "read response")
	}
	if len(data) > maxResponseBytes {
		return nil, errors.PayloadTooLarge("response", len(data), maxResponseBytes)
	}

	ct := res.Header.Get("Content-Type")
	format := req.Format
	if format == "" {
		format = formatFor(ct)
	}
	return &render.Result{
		JobID:       res.Header.Get("X-Render-Job-ID"),
		Format:      format,
		ContentType: ct,
		Data:        data,
		Duration:    time.Since(start),
		CacheHit:    res.Header.Get("X-Render-Cache") == "hit",
	}, nil
}

// Health fetches /health. A degraded server answers 503 with the same body,
// which is returned without error.
func (c *Client) Health(ctx context.Context) (*render.Health, error) {
	res, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeError(res)
	}
	var h render.Health
	if err := json.NewDecoder(res.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapWithCode(err, errors.CodeTimeout, "client."+strings.TrimPrefix(path, "/"), "request canceled")
		}
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "client."+strings.TrimPrefix(path, "/"), "renderer unreachable")
	}
	return res, nil
}

func decodeError(res *http.Response) error {
	var env httpkit.ErrorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		return errors.Newf(codeForStatus(res.StatusCode), "renderer http %d", res.StatusCode)
	}
	out := errors.New(errors.Code(env.Error.Code), env.Error.Message)
	if len(env.Error.Details) > 0 {
		out.WithFields(env.Error.Details)
	}
	return out
}

func codeForStatus(status int) errors.Code {
	switch status {
	case http.StatusBadRequest:
		return errors.CodeBadRequest
	case http.StatusNotFound:
		return errors.CodeNotFound
	case http.StatusRequestEntityTooLarge:
		return errors.CodePayloadTooLarge
	case http.StatusTooManyRequests:
		return errors.CodeRateLimited
	case http.StatusServiceUnavailable:
		return errors.CodeUnavailable
	case http.StatusGatewayTimeout:
		return errors.CodeTimeout
	default:
		return errors.CodeInternal
	}
}

func formatFor(contentType string) rasterizer.Format {
	switch {
	case strings.HasPrefix(contentType, "image/svg"):
		return rasterizer.FormatSVG
	case strings.HasPrefix(contentType, "application/pdf"):
		return rasterizer.FormatPDF
	default:
		return rasterizer.FormatPNG
	}
}
