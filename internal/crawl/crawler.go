// Package crawl implements the bounded-depth department crawl: the department
// page, then up to N professor pages, merging what each page yields.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/extract"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/ocr"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
)

// Defaults applied by New.
const (
	DefaultMaxProfessors = 20
	DefaultPageDelay     = time.Second
)

// Config bounds one department crawl.
type Config struct {
	MaxProfessorsPerDept int
	// PageDelay is the pause before each professor page fetch.
	PageDelay time.Duration
	// FollowProfessorPages enables depths 2 and 3.
	FollowProfessorPages bool
	FetchTimeout         time.Duration
}

// ImageReader runs OCR over a page's images.
type ImageReader interface {
	ExtractFromHTML(ctx context.Context, html, baseURL string, skipOCR bool) (ocr.Result, error)
}

// HostLimiter throttles fetches per origin.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Sleeper pauses for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Crawler implements crawler.DepartmentCrawler.
type Crawler struct {
	cfg       Config
	fetcher   crawler.PageFetcher
	extractor *extract.Extractor
	registry  *selectors.Registry
	images    ImageReader
	limiter   HostLimiter
	sleep     Sleeper
	logger    *zap.Logger
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithImageReader enables OCR for tasks that ask for it.
func WithImageReader(r ImageReader) Option {
	return func(c *Crawler) { c.images = r }
}

// WithHostLimiter adds a per-host limiter on top of the page delay.
func WithHostLimiter(l HostLimiter) Option {
	return func(c *Crawler) { c.limiter = l }
}

// WithSleeper replaces the delay implementation, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Crawler) { c.sleep = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Crawler) { c.logger = l }
}

// New builds a Crawler. registry may be nil, in which case no profile applies.
func New(cfg Config, fetcher crawler.PageFetcher, extractor *extract.Extractor, registry *selectors.Registry, opts ...Option) (*Crawler, error) {
	if fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if cfg.MaxProfessorsPerDept <= 0 {
		cfg.MaxProfessorsPerDept = DefaultMaxProfessors
	}
	if cfg.PageDelay < DefaultPageDelay {
		cfg.PageDelay = DefaultPageDelay
	}
	c := &Crawler{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		registry:  registry,
		sleep:     system.New().Sleep,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("crawl")
	return c, nil
}

// CrawlDepartment crawls task.URL. A failure on the department page fails
// the crawl; failures on professor pages become warnings.
func (c *Crawler) CrawlDepartment(ctx context.Context, task *crawler.CrawlTask) (crawler.DepartmentCrawlResult, error) {
	if task == nil {
		return crawler.DepartmentCrawlResult{}, errors.New("task is required")
	}
	if task.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Options.Timeout)
		defer cancel()
	}
	logger := c.logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))
	profile := c.profileFor(task)
	run := &crawlRun{visited: newVisitTracker()}
	run.visited.MarkIfNew(normalize(task.URL))

	result := crawler.DepartmentCrawlResult{
		URL:        task.URL,
		University: task.University,
		Department: task.Department,
	}

	// Depth 1.
	page, err := c.fetch(ctx, run, task, profile, task.URL)
	if err != nil {
		logger.Error("department page failed", zap.Error(err))
		return crawler.DepartmentCrawlResult{}, err
	}
	dept, err := c.extractPage(ctx, run, task, profile, page, &result.Timings)
	if err != nil {
		return crawler.DepartmentCrawlResult{}, err
	}
	merged := newAccumulator()
	merged.add(dept, "")
	result.Links = dept.Links
	texts := []string{dept.Text}

	// Depth 2 and 3.
	if profile.MultiPageCrawl && c.cfg.FollowProfessorPages {
		links := c.professorLinks(dept.Links, run)
		pages, warnings := c.crawlProfessorPages(ctx, run, task, profile, links, &result.Timings, logger)
		merged.warnings = append(merged.warnings, warnings...)
		for _, p := range pages {
			merged.add(p.result, p.url)
			texts = append(texts, p.result.Text)
		}
	}

	result.Professors = extract.DedupeProfessors(merged.professors)
	result.Labs = extract.DedupeLabs(merged.labs)
	result.Papers = extract.DedupePapers(merged.papers)
	result.Warnings = merged.warnings
	result.Text = strings.Join(texts, "\n\n")
	result.Stats = crawler.ExtractionStats{
		ProfessorsCount: len(result.Professors),
		LabsCount:       len(result.Labs),
		PapersCount:     len(result.Papers),
		PagesCrawled:    run.pages(),
	}
	logger.Info("department crawled",
		zap.Int("pages", result.Stats.PagesCrawled),
		zap.Int("professors", result.Stats.ProfessorsCount),
		zap.Int("labs", result.Stats.LabsCount),
		zap.Int("papers", result.Stats.PapersCount),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

func (c *Crawler) profileFor(task *crawler.CrawlTask) selectors.Profile {
	if c.registry == nil {
		return selectors.Profile{ID: "none", MultiPageCrawl: true}
	}
	return c.registry.Lookup(task.University, task.URL)
}

func (c *Crawler) fetch(ctx context.Context, run *crawlRun, task *crawler.CrawlTask, profile selectors.Profile, url string) (crawler.Page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return crawler.Page{}, fmt.Errorf("%w: %s: %w", crawler.ErrFetchTimeout, url, err)
		}
	}
	page, err := c.fetcher.FetchPage(ctx, crawler.FetchRequest{
		TaskID:          task.ID,
		URL:             url,
		UseCache:        task.Options.UseCache,
		Timeout:         c.cfg.FetchTimeout,
		WaitSelector:    profile.WaitSelector,
		ForceRender:     profile.RequiresJSRendering,
		NotFoundMarkers: profile.NotFoundMarkers,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, crawler.ErrFetchTimeout) {
			return crawler.Page{}, fmt.Errorf("%w: %s: %w", crawler.ErrFetchTimeout, url, err)
		}
		return crawler.Page{}, err
	}
	run.pageFetched()
	return page, nil
}

func (c *Crawler) extractPage(
	ctx context.Context,
	run *crawlRun,
	task *crawler.CrawlTask,
	profile selectors.Profile,
	page crawler.Page,
	timings *crawler.SubTimings,
) (extract.Result, error) {
	run.mu.Lock()
	timings.Download += page.Stats.Download
	timings.Render += page.Stats.Render
	run.mu.Unlock()

	start := time.Now()
	res, err := c.extractor.Extract(page.HTML, page.URL, &profile)
	if err != nil {
		return extract.Result{}, fmt.Errorf("extract %s: %w", page.URL, err)
	}
	parse := time.Since(start)

	var ocrTime time.Duration
	if task.Options.UseOCR && c.images != nil {
		start = time.Now()
		res = c.mergeImageText(ctx, res, page, &profile)
		ocrTime = time.Since(start)
	}

	run.mu.Lock()
	timings.Parse += parse
	timings.OCR += ocrTime
	run.mu.Unlock()
	return res, nil
}

// mergeImageText runs OCR and extracts entities from the recognized text.
func (c *Crawler) mergeImageText(ctx context.Context, res extract.Result, page crawler.Page, profile *selectors.Profile) extract.Result {
	ocrRes, err := c.images.ExtractFromHTML(ctx, page.HTML, page.URL, false)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("ocr %s: %v", page.URL, err))
		return res
	}
	for _, img := range ocrRes.PerImage {
		if img.Error != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("ocr image %s: %s", img.URL, img.Error))
		}
	}
	if ocrRes.ImageText == "" {
		return res
	}
	fromImages, err := c.extractor.Extract("<pre>"+html.EscapeString(ocrRes.ImageText)+"</pre>", page.URL, profile)
	if err != nil {
		return res
	}
	res.Professors = append(res.Professors, fromImages.Professors...)
	res.Labs = append(res.Labs, fromImages.Labs...)
	res.Papers = append(res.Papers, fromImages.Papers...)
	res.Text = ocrRes.CombinedText
	return res
}

func (c *Crawler) professorLinks(links []crawler.ProfessorLink, run *crawlRun) []crawler.ProfessorLink {
	out := make([]crawler.ProfessorLink, 0, len(links))
	for _, l := range links {
		if len(out) >= c.cfg.MaxProfessorsPerDept {
			break
		}
		if !run.visited.MarkIfNew(normalize(l.URL)) {
			continue
		}
		out = append(out, l)
	}
	return out
}

type professorPage struct {
	url    string
	result extract.Result
}

func (c *Crawler) crawlProfessorPages(
	ctx context.Context,
	run *crawlRun,
	task *crawler.CrawlTask,
	profile selectors.Profile,
	links []crawler.ProfessorLink,
	timings *crawler.SubTimings,
	logger *zap.Logger,
) ([]professorPage, []string) {
	var (
		mu       sync.Mutex
		warnings []string
		results  = make([]*professorPage, len(links))
	)
	warn := func(msg string) {
		mu.Lock()
		warnings = append(warnings, msg)
		mu.Unlock()
	}

	// Extraction may overlap the next fetch when the task allows it; fetches
	// themselves stay sequential and spaced by the page delay.
	group := &errgroup.Group{}
	if !task.Options.Parallel {
		group.SetLimit(1)
	}
	for i, link := range links {
		if err := c.sleep(ctx, c.cfg.PageDelay); err != nil {
			skipped := len(links) - i
			logger.Warn("professor crawl truncated", zap.Int("skipped", skipped), zap.Error(err))
			warn(fmt.Sprintf("crawl truncated: %d of %d professor pages not fetched (next %s): %v",
				skipped, len(links), link.URL, err))
			break
		}
		page, err := c.fetch(ctx, run, task, profile, link.URL)
		if err != nil {
			logger.Warn("professor page skipped", zap.String("page", link.URL), zap.Error(err))
			warn(fmt.Sprintf("%s %s: %v", crawler.ErrorKind(err), link.URL, err))
			continue
		}
		group.Go(func() error {
			res, err := c.extractPage(ctx, run, task, profile, page, timings)
			if err != nil {
				warn(err.Error())
				return nil
			}
			res.Links = nil
			results[i] = &professorPage{url: page.URL, result: res}
			return nil
		})
	}
	_ = group.Wait()

	out := make([]professorPage, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, warnings
}

func normalize(rawURL string) string {
	if n, err := crawler.NormalizeURL(rawURL); err == nil {
		return n
	}
	return rawURL
}
