// Package llm turns a paper into a student-facing PaperAnalysis by prompting
// a language model backend and parsing its JSON answer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultMaxPromptChars = 6000
	DefaultTimeout        = 120 * time.Second
)

// Backend sends one prompt as a single chat message and returns the raw
// reply. Implementations wrap failures with crawler.ErrLLMTransport.
type Backend interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Config tunes the analyzer.
type Config struct {
	MaxPromptChars int
	Timeout        time.Duration
	// Retry governs transport retries. Nil disables retrying.
	Retry crawler.RetryPolicy
}

// Analyzer implements crawler.Analyzer over a Backend.
type Analyzer struct {
	backend Backend
	cfg     Config
	clock   crawler.Clock
	logger  *zap.Logger
}

var _ crawler.Analyzer = (*Analyzer)(nil)

// New builds an Analyzer.
func New(backend Backend, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Analyzer, error) {
	if backend == nil {
		return nil, fmt.Errorf("llm backend is required")
	}
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = DefaultMaxPromptChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{backend: backend, cfg: cfg, clock: clock, logger: logger}, nil
}

// TransportRetryPolicy retries only transport failures with jittered backoff.
func TransportRetryPolicy(attempts int) crawler.RetryPolicy {
	p := crawler.NewExponentialRetryPolicy()
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	p.Retryable = func(err error) bool { return errors.Is(err, crawler.ErrLLMTransport) }
	return p
}

// ModelID implements crawler.Analyzer.
func (a *Analyzer) ModelID() string {
	return a.backend.Model()
}

// Analyze implements crawler.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, paper crawler.PaperInput) (crawler.PaperAnalysis, error) {
	prompt, err := BuildPrompt(paper, a.cfg.MaxPromptChars)
	if err != nil {
		return crawler.PaperAnalysis{}, fmt.Errorf("%w: %w", crawler.ErrLLMParse, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var reply string
	err = crawler.Retry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		out, callErr := a.backend.Complete(ctx, prompt)
		if callErr != nil {
			a.logger.Debug("llm call failed", zap.String("paper_id", paper.ID), zap.Error(callErr))
			return callErr
		}
		reply = out
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return crawler.PaperAnalysis{}, fmt.Errorf("%w: analyze %s: %w", crawler.ErrLLMTimeout, paper.ID, err)
		}
		if !errors.Is(err, crawler.ErrLLMTransport) {
			err = fmt.Errorf("%w: %w", crawler.ErrLLMTransport, err)
		}
		return crawler.PaperAnalysis{}, err
	}

	analysis, err := ParseAnalysis(reply, paper)
	if err != nil {
		return crawler.PaperAnalysis{}, err
	}
	analysis.ModelID = a.backend.Model()
	analysis.CreatedAt = a.clock.Now().UTC()
	return analysis, nil
}
