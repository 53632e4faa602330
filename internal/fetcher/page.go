// Package fetcher combines the cache, the plain fetcher, the render optimizer
// and the headless renderer into a single page fetch.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/headless/optimizer"
)

// Cache is the subset of cache.Store used by the page fetcher.
type Cache interface {
	Get(url string) (string, bool)
	Set(url, html string) error
}

// Config tunes the page fetch.
type Config struct {
	// Timeout bounds the plain fetch and the render separately.
	Timeout      time.Duration
	WaitSelector string
	Headers      map[string]string
}

// PageFetcher implements crawler.PageFetcher. It holds no state besides its
// collaborators.
type PageFetcher struct {
	cfg       Config
	plain     crawler.Fetcher
	renderer  crawler.Fetcher
	cache     Cache
	optimizer *optimizer.Optimizer
	logger    *zap.Logger
}

// New wires a PageFetcher. renderer and cache may be nil; a nil optimizer
// uses the default threshold.
func New(cfg Config, plain, renderer crawler.Fetcher, cache Cache, opt *optimizer.Optimizer, logger *zap.Logger) (*PageFetcher, error) {
	if plain == nil {
		return nil, fmt.Errorf("plain fetcher is required")
	}
	if opt == nil {
		opt = optimizer.New(0, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageFetcher{
		cfg:       cfg,
		plain:     plain,
		renderer:  renderer,
		cache:     cache,
		optimizer: opt,
		logger:    logger.Named("fetcher"),
	}, nil
}

// FetchPage returns the HTML for request.URL.
func (f *PageFetcher) FetchPage(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	if request.UseCache && f.cache != nil {
		if html, ok := f.cache.Get(request.URL); ok {
			return crawler.Page{
				URL:   request.URL,
				HTML:  html,
				Stats: crawler.FetchStats{FromCache: true, StatusCode: 200, Bytes: len(html)},
			}, nil
		}
	}
	f.applyDefaults(&request)

	resp, err := f.plain.Fetch(ctx, request)
	if err != nil {
		return crawler.Page{}, err
	}
	html := string(resp.Body)
	if IsSoftNotFound(html, request.NotFoundMarkers) {
		return crawler.Page{}, fmt.Errorf("%w: %s: soft 404", crawler.ErrFetch, request.URL)
	}
	stats := crawler.FetchStats{
		StatusCode: resp.StatusCode,
		Download:   resp.Duration,
	}

	if reason, render := f.renderDecision(html, request); render {
		rendered, err := f.render(ctx, request)
		if err != nil {
			return crawler.Page{}, err
		}
		renderedHTML := string(rendered.Body)
		if IsSoftNotFound(renderedHTML, request.NotFoundMarkers) {
			return crawler.Page{}, fmt.Errorf("%w: %s: soft 404 after render", crawler.ErrFetch, request.URL)
		}
		html = renderedHTML
		stats.Rendered = true
		stats.RenderReason = reason
		stats.Render = rendered.Duration
		if rendered.StatusCode != 0 {
			stats.StatusCode = rendered.StatusCode
		}
	}
	stats.Bytes = len(html)

	if f.cache != nil {
		if err := f.cache.Set(request.URL, html); err != nil {
			f.logger.Warn("cache write failed", zap.String("url", request.URL), zap.Error(err))
		}
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = request.URL
	}
	return crawler.Page{URL: pageURL, HTML: html, Stats: stats}, nil
}

func (f *PageFetcher) applyDefaults(request *crawler.FetchRequest) {
	if request.Timeout <= 0 {
		request.Timeout = f.cfg.Timeout
	}
	if request.WaitSelector == "" {
		request.WaitSelector = f.cfg.WaitSelector
	}
	if request.Domain == "" {
		request.Domain = crawler.Host(request.URL)
	}
	if len(f.cfg.Headers) == 0 {
		return
	}
	headers := request.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	for k, v := range f.cfg.Headers {
		if headers.Get(k) == "" {
			headers.Set(k, v)
		}
	}
	request.Headers = headers
}

func (f *PageFetcher) renderDecision(html string, request crawler.FetchRequest) (string, bool) {
	if request.NoRender || f.renderer == nil {
		return "", false
	}
	if request.ForceRender {
		return "profile requires js rendering", true
	}
	decision := f.optimizer.Analyze(html, request.Domain, 0)
	if decision.NeedsRender {
		f.logger.Debug("render needed",
			zap.String("url", request.URL),
			zap.Int("score", decision.Score),
			zap.String("reason", decision.Reason),
			zap.String("render_time", string(decision.RenderTime)),
		)
	}
	return decision.Reason, decision.NeedsRender
}

func (f *PageFetcher) render(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}
	return f.renderer.Fetch(ctx, request)
}

// IsSoftNotFound reports whether a successful body is really an error page:
// it contains "404" together with "not found" in any case, or any of the
// extra site markers.
func IsSoftNotFound(html string, markers []string) bool {
	lower := strings.ToLower(html)
	if strings.Contains(html, "404") && strings.Contains(lower, "not found") {
		return true
	}
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
