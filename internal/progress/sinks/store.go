package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
)

// SessionRunner is the part of store.Store the sink needs.
type SessionRunner interface {
	InSession(ctx context.Context, fn func(ctx context.Context, s store.Session) error) error
}

// StoreSink appends one TaskMetric row per finished task attempt. A batch is
// written in a single session.
type StoreSink struct {
	store  SessionRunner
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink.
func NewStoreSink(st SessionRunner, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: st, logger: logger}
}

// Consume persists the task metrics found in batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	var pending []progress.Event
	for _, evt := range batch {
		if _, ok := evt.Metric(); ok {
			pending = append(pending, evt)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	err := s.store.InSession(ctx, func(ctx context.Context, sess store.Session) error {
		for _, evt := range pending {
			m, _ := evt.Metric()
			if err := sess.SaveTaskMetric(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist task metrics: %w", err)
	}
	s.logger.Debug("task metrics persisted", zap.Int("count", len(pending)))
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
