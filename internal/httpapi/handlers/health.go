package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"texrender/internal/httpkit"
	"texrender/internal/render"
)

type healthResponse struct {
	render.Health
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Checks  map[string]checkResult `json:"checks,omitempty"`
}

type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Health answers 200 when the service accepts work and 503 otherwise. It
// never runs the toolchain. With ?deep=true it also pings the configured
// dependencies and reports degraded if any of them fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := healthResponse{
		Health:  h.renderer.HealthCheck(ctx),
		Service: "texrender",
		Version: h.version,
	}

	if r.URL.Query().Get("deep") == "true" && len(h.checks) > 0 {
		resp.Checks = h.deepHealthCheck(ctx)
		for name, c := range resp.Checks {
			if c.Status != "ok" {
				resp.Status = render.StatusDegraded
				resp.Reasons = append(resp.Reasons, name+" unreachable")
			}
		}
	}

	status := http.StatusOK
	if !resp.OK() {
		status = http.StatusServiceUnavailable
		h.log.FromContext(ctx).Warn("health check degraded", "reasons", resp.Reasons)
	}
	httpkit.WriteJSON(w, status, resp)
}

// deepHealthCheck runs every probe concurrently with a shared timeout.
func (h *Handler) deepHealthCheck(ctx context.Context) map[string]checkResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]checkResult, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			start := time.Now()
			res := checkResult{Status: "ok"}
			if err := check(ctx); err != nil {
				res.Status = "error"
				res.Error = err.Error()
			}
			res.LatencyMs = time.Since(start).Milliseconds()
			mu.Lock()
			out[name] = res
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return out
}
