// Package ratelimit implements per-host token buckets for crawl politeness.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained requests per second per host; <= 0 disables limiting.
	RPS   float64
	Burst int
	// OnDelay, when set, is called with the time spent waiting for a token.
	OnDelay func(host string, wait time.Duration)
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	onDelay  func(string, time.Duration)
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		onDelay:  cfg.OnDelay,
	}
}

// Wait blocks until the host of rawURL may be fetched again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := crawler.Host(rawURL)
	if host == "" {
		host = "unknown"
	}
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.onDelay != nil {
		l.onDelay(host, waited)
	}
	return nil
}

// Hosts returns the number of hosts with a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}
