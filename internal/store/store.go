package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = crawler.ErrNotFound

// Session is the write surface available inside one transaction. Upserts
// return the id of the stored row, which is the existing id when the
// uniqueness key already matched.
type Session interface {
	SaveTask(ctx context.Context, task *crawler.CrawlTask) error
	SaveResult(ctx context.Context, result *crawler.CrawlResult) error
	UpsertDepartment(ctx context.Context, dept *crawler.Department) (string, error)
	// UpsertProfessor matches on (university, email), or (university, name)
	// when the email is empty. Higher-confidence values win on merge.
	UpsertProfessor(ctx context.Context, professor *crawler.Professor) (string, error)
	// UpsertLab matches on (department, normalized name).
	UpsertLab(ctx context.Context, lab *crawler.Laboratory) (string, error)
	// UpsertPaper matches on (normalized title, year).
	UpsertPaper(ctx context.Context, paper *crawler.Paper) (string, error)
	// HasAnalysis reports whether an analysis is stored for the paper.
	HasAnalysis(ctx context.Context, paperID string) (bool, error)
	// SaveAnalysis replaces any analysis already stored for the paper.
	SaveAnalysis(ctx context.Context, analysis *crawler.PaperAnalysis) error
	DeleteAnalysis(ctx context.Context, paperID string) error
	// DeletePaper removes the paper and its analysis.
	DeletePaper(ctx context.Context, paperID string) error
	SaveTaskMetric(ctx context.Context, metric crawler.TaskMetric) error
}

// Reader answers the lookups the pipeline needs outside a transaction.
type Reader interface {
	Paper(ctx context.Context, paperID string) (crawler.Paper, error)
	Analysis(ctx context.Context, paperID string) (crawler.PaperAnalysis, error)
	Professors(ctx context.Context, departmentID string) ([]crawler.Professor, error)
	TaskResult(ctx context.Context, taskID string) (crawler.CrawlResult, error)
}

// Store runs sessions and serves reads.
type Store interface {
	Reader
	// InSession runs fn inside one transaction. A nil return commits; an
	// error or panic rolls back and the error is returned wrapping
	// crawler.ErrPersistence.
	InSession(ctx context.Context, fn func(ctx context.Context, s Session) error) error
	Close()
}

// Persistence wraps err as a persistence failure unless it already is one.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, crawler.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", crawler.ErrPersistence, op, err)
}
