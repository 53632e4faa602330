// Package ocr extracts text from images referenced by a page. Downloads go
// through a crawler.Fetcher, recognition through a pluggable Engine, and
// results are memoized per image URL.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/hash/sha256"
)

// Defaults applied by New.
const (
	DefaultMinConfidence = 0.9
	defaultTimeout       = 20 * time.Second
	defaultMaxParallel   = 2
	defaultMaxImages     = 20
	defaultCacheEntries  = 1024
)

// Token is one recognized word. Confidence is in [0,1].
type Token struct {
	Text       string
	Confidence float64
}

// Engine recognizes words in an encoded image, in reading order.
type Engine interface {
	Recognize(ctx context.Context, image []byte) ([]Token, error)
}

// Config tunes the service.
type Config struct {
	MinConfidence float64
	Timeout       time.Duration
	MaxParallel   int
	MaxImages     int
	CacheEntries  int
}

// ImageResult is the outcome for one <img>.
type ImageResult struct {
	URL   string `json:"url"`
	Alt   string `json:"alt,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Result is the combined page and image text.
type Result struct {
	HTMLText     string        `json:"html_text"`
	ImageText    string        `json:"image_text"`
	CombinedText string        `json:"combined_text"`
	PerImage     []ImageResult `json:"per_image"`
}

// Service runs OCR over page images on a bounded executor.
type Service struct {
	cfg     Config
	engine  Engine
	fetcher crawler.Fetcher
	retry   crawler.RetryPolicy
	cache   *lru.Cache[string, string]
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// New builds a Service. retry may be nil to disable download retries.
func New(cfg Config, engine Engine, fetcher crawler.Fetcher, retry crawler.RetryPolicy, logger *zap.Logger) (*Service, error) {
	if engine == nil {
		return nil, errors.New("ocr engine is required")
	}
	if fetcher == nil {
		return nil, errors.New("image fetcher is required")
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = defaultMaxImages
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = defaultCacheEntries
	}
	cache, err := lru.New[string, string](cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("create ocr cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		engine:  engine,
		fetcher: fetcher,
		retry:   retry,
		cache:   cache,
		sem:     semaphore.NewWeighted(int64(cfg.MaxParallel)),
		logger:  logger.Named("ocr"),
	}, nil
}

// ExtractText downloads one image and returns its recognized text. Errors
// wrap crawler.ErrOCR.
func (s *Service) ExtractText(ctx context.Context, imageURL, baseURL string) (string, error) {
	abs, err := crawler.ResolveURL(baseURL, imageURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrOCR, err)
	}
	key := sha256.Sum(abs)
	if text, ok := s.cache.Get(key); ok {
		return text, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: wait for ocr slot: %w", crawler.ErrOCR, err)
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var body []byte
	err = crawler.Retry(ctx, s.retry, func(ctx context.Context) error {
		resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: abs, Timeout: s.cfg.Timeout})
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: download %s: %w", crawler.ErrOCR, abs, err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("%w: %s: empty image", crawler.ErrOCR, abs)
	}

	tokens, err := s.engine.Recognize(ctx, body)
	if err != nil {
		return "", fmt.Errorf("%w: recognize %s: %w", crawler.ErrOCR, abs, err)
	}
	text := s.join(tokens)
	s.cache.Add(key, text)
	return text, nil
}

func (s *Service) join(tokens []Token) string {
	words := make([]string, 0, len(tokens))
	for _, t := range tokens {
		w := strings.TrimSpace(t.Text)
		if w == "" || t.Confidence < s.cfg.MinConfidence {
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

// ExtractFromHTML walks <img> tags and runs OCR on each. A failing image is
// reported in PerImage and never fails the call.
func (s *Service) ExtractFromHTML(ctx context.Context, html, baseURL string, skipOCR bool) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	images := s.collectImages(doc, baseURL)
	doc.Find("script, style, noscript").Remove()
	res := Result{
		HTMLText: strings.Join(strings.Fields(doc.Find("body").Text()), " "),
		PerImage: images,
	}

	if !skipOCR {
		var wg sync.WaitGroup
		for i := range res.PerImage {
			wg.Add(1)
			go func(img *ImageResult) {
				defer wg.Done()
				text, err := s.ExtractText(ctx, img.URL, "")
				if err != nil {
					img.Error = err.Error()
					s.logger.Warn("image ocr failed", zap.String("image", img.URL), zap.Error(err))
					return
				}
				img.Text = text
			}(&res.PerImage[i])
		}
		wg.Wait()
	}

	var texts []string
	for _, img := range res.PerImage {
		if img.Text != "" {
			texts = append(texts, img.Text)
		}
	}
	res.ImageText = strings.Join(texts, "\n")
	res.CombinedText = strings.TrimSpace(res.HTMLText + "\n" + res.ImageText)
	return res, nil
}

func (s *Service) collectImages(doc *goquery.Document, baseURL string) []ImageResult {
	seen := map[string]struct{}{}
	var out []ImageResult
	doc.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(src, "data:") {
			src = strings.TrimSpace(img.AttrOr("data-src", ""))
		}
		if src == "" || strings.HasPrefix(src, "data:") {
			return true
		}
		abs, err := crawler.ResolveURL(baseURL, src)
		if err != nil {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		out = append(out, ImageResult{URL: abs, Alt: strings.TrimSpace(img.AttrOr("alt", ""))})
		return len(out) < s.cfg.MaxImages
	})
	return out
}
