// Package pool runs a bounded, auto-scaled set of workers over the task queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/worker"
)

// Scaling thresholds on pending tasks per active worker.
const (
	ScaleUpRatio   = 5.0
	ScaleDownRatio = 1.0
)

// StopReason is recorded on tasks still running when the pool stops.
const StopReason = "worker pool stopped"

// Factory builds the worker with the given id. Each worker owns its own
// crawler and fetcher handles.
type Factory func(id string) (*worker.Worker, error)

// Config bounds the pool size.
type Config struct {
	MinWorkers int
	MaxWorkers int
	// Initial is the number of workers Start launches; it is clamped into
	// [MinWorkers, MaxWorkers].
	Initial int
}

type member struct {
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool owns the worker goroutines.
type Pool struct {
	cfg     Config
	factory Factory
	queue   crawler.TaskQueue
	logger  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	active  []*member
	retired []*member
	seq     int
	started bool
	stopped bool
	wg      sync.WaitGroup

	// counters of retired workers whose loops have exited
	pastProcessed int
	pastFailed    int
}

// New validates cfg and returns an idle pool.
func New(cfg Config, queue crawler.TaskQueue, factory Factory, logger *zap.Logger) (*Pool, error) {
	if queue == nil {
		return nil, errors.New("task queue is required")
	}
	if factory == nil {
		return nil, errors.New("worker factory is required")
	}
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("max workers (%d) must be >= min workers (%d)", cfg.MaxWorkers, cfg.MinWorkers)
	}
	cfg.Initial = clamp(cfg.Initial, cfg.MinWorkers, cfg.MaxWorkers)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, factory: factory, queue: queue, logger: logger.Named("pool")}, nil
}

// Start launches the initial workers. Workers run until Stop or until ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.cfg.Initial; i++ {
		if _, err := p.AddWorker(); err != nil {
			return err
		}
	}
	p.logger.Info("pool started", zap.Int("workers", p.cfg.Initial),
		zap.Int("min", p.cfg.MinWorkers), zap.Int("max", p.cfg.MaxWorkers))
	return nil
}

// AddWorker starts one more worker and returns its id.
func (p *Pool) AddWorker() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return "", errors.New("pool is not running")
	}
	if len(p.active) >= p.cfg.MaxWorkers {
		return "", fmt.Errorf("pool at max workers (%d)", p.cfg.MaxWorkers)
	}
	id := fmt.Sprintf("worker-%d", p.seq)
	w, err := p.factory(id)
	if err != nil {
		return "", fmt.Errorf("build %s: %w", id, err)
	}
	p.seq++

	ctx, cancel := context.WithCancel(p.ctx)
	m := &member{w: w, cancel: cancel, done: make(chan struct{})}
	p.active = append(p.active, m)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(m.done)
		defer cancel()
		w.Run(ctx)
		p.release(m)
	}()
	return id, nil
}

// RemoveWorker asks the newest worker to stop after its current task. It
// reports false when the pool is already at its minimum.
func (p *Pool) RemoveWorker() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) <= p.cfg.MinWorkers {
		return "", false
	}
	m := p.active[len(p.active)-1]
	p.active = p.active[:len(p.active)-1]
	p.retired = append(p.retired, m)
	m.w.Stop()
	return m.w.ID(), true
}

// release drops a retired member once its loop has exited and keeps its
// counters in the pool totals.
func (p *Pool) release(m *member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.retired {
		if r != m {
			continue
		}
		ws := m.w.Stats()
		p.pastProcessed += ws.TasksProcessed
		p.pastFailed += ws.TasksFailed
		p.retired = append(p.retired[:i], p.retired[i+1:]...)
		return
	}
}

// Decide returns the worker delta for the given load: positive to add,
// negative to remove, zero to hold.
func Decide(pending, active, minWorkers, maxWorkers int) int {
	ratio := float64(pending) / float64(max(active, 1))
	switch {
	case ratio > ScaleUpRatio && active < maxWorkers:
		return min(int(ratio/2), maxWorkers-active)
	case ratio < ScaleDownRatio && active > minWorkers:
		return -min(active-minWorkers, int(float64(active)*0.5))
	default:
		return 0
	}
}

// AutoScale applies one scaling decision from the current queue backlog and
// returns the applied delta.
func (p *Pool) AutoScale(ctx context.Context) (int, error) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue stats: %w", err)
	}
	active := p.Size()
	delta := Decide(stats.Pending, active, p.cfg.MinWorkers, p.cfg.MaxWorkers)
	applied := 0
	for ; applied < delta; applied++ {
		if _, err := p.AddWorker(); err != nil {
			return applied, err
		}
	}
	for ; applied > delta; applied-- {
		if _, ok := p.RemoveWorker(); !ok {
			break
		}
	}
	if applied != 0 {
		p.logger.Info("pool scaled",
			zap.Int("pending", stats.Pending),
			zap.Int("from", active),
			zap.Int("to", active+applied),
		)
	}
	return applied, nil
}

// Size is the number of active workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Stop stops every worker and waits for in-flight tasks to settle. When ctx
// ends first, worker contexts are canceled so their tasks fail. Any task the
// queue still lists as running afterwards is marked failed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	members := append(append([]*member(nil), p.active...), p.retired...)
	p.mu.Unlock()

	for _, m := range members {
		m.w.Stop()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("stop deadline reached, canceling in-flight tasks")
		p.cancel()
		<-done
	}
	p.cancel()

	settleCtx := context.WithoutCancel(ctx)
	running, err := p.queue.Running(settleCtx)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	var errs []error
	for _, id := range running {
		if _, err := p.queue.MarkFailed(settleCtx, id, StopReason); err != nil {
			errs = append(errs, fmt.Errorf("mark %s failed: %w", id, err))
		}
	}
	p.logger.Info("pool stopped", zap.Int("orphaned_tasks", len(running)))
	return errors.Join(errs...)
}

// Stats lists the active workers. Totals also count retired workers.
func (p *Pool) Stats() crawler.PoolStats {
	p.mu.Lock()
	members := append([]*member(nil), p.active...)
	draining := append([]*member(nil), p.retired...)
	out := crawler.PoolStats{
		ActiveWorkers:  len(members),
		MinWorkers:     p.cfg.MinWorkers,
		MaxWorkers:     p.cfg.MaxWorkers,
		TasksProcessed: p.pastProcessed,
		TasksFailed:    p.pastFailed,
		Workers:        make([]crawler.WorkerStats, 0, len(members)),
	}
	p.mu.Unlock()

	for _, m := range members {
		ws := m.w.Stats()
		out.TasksProcessed += ws.TasksProcessed
		out.TasksFailed += ws.TasksFailed
		out.Workers = append(out.Workers, ws)
	}
	for _, m := range draining {
		ws := m.w.Stats()
		out.TasksProcessed += ws.TasksProcessed
		out.TasksFailed += ws.TasksFailed
	}
	return out
}

// RunScaler calls AutoScale every interval until ctx ends.
func (p *Pool) RunScaler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.AutoScale(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("auto-scale failed", zap.Error(err))
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
