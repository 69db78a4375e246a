package render

import (
	"context"
	"strconv"
	"time"

	"texrender/internal/cache"
	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
)

// Cached serves repeated single-format renders from a result cache. Output
// depends only on the request and the resolved preamble, so identical
// requests share an entry. Cache failures never fail a render.
type Cached struct {
	*Service
	cache     cache.Cache
	templates TemplateSource
	ttl       time.Duration
	log       *logger.Logger
}

func NewCached(svc *Service, c cache.Cache, ttl time.Duration, log *logger.Logger) *Cached {
	if c == nil {
		c = cache.Null{}
	}
	return &Cached{
		Service:   svc,
		cache:     c,
		templates: svc.deps.Templates,
		ttl:       ttl,
		log:       log.WithComponent("render.cache"),
	}
}

// Render returns a cached result when one exists; otherwise it runs the job
// and stores a successful result.
func (c *Cached) Render(ctx context.Context, req Request) (*Result, error) {
	norm, err := c.Normalize(req)
	if err != nil {
		// Let the service produce the failure so it is logged with a job.
		return c.Service.Render(ctx, req)
	}

	key, err := c.key(ctx, norm)
	if err != nil {
		return c.Service.Render(ctx, req)
	}

	if e, err := c.cache.Get(ctx, key); err != nil {
		c.log.Warn("cache lookup failed", "error", err.Error())
	} else if e != nil {
		c.log.Debug("cache hit", "format", string(norm.Format), "bytes", len(e.Data))
		return &Result{
			Format:      norm.Format,
			ContentType: e.ContentType,
			Data:        e.Data,
			CacheHit:    true,
		}, nil
	}

	res, err := c.Service.Render(ctx, norm)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, cache.Entry{ContentType: res.ContentType, Data: res.Data}, c.ttl); err != nil {
		c.log.Warn("cache store failed", "job_id", res.JobID, "error", err.Error())
	}
	return res, nil
}

func (c *Cached) key(ctx context.Context, req Request) (string, error) {
	var preamble string
	if req.TemplateID != "" {
		if c.templates == nil {
			return "", errors.Validation("templates are not enabled")
		}
		p, err := c.templates.Preamble(ctx, req.TemplateID)
		if err != nil {
			return "", err
		}
		preamble = p
	}
	return cache.Key(
		string(req.Format),
		strconv.Itoa(req.Density),
		req.Background,
		strconv.Itoa(req.MaxWidth),
		strconv.Itoa(req.MaxHeight),
		preamble,
		req.Source,
	), nil
}
