package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// PageFetcher returns the HTML for a page, consulting cache and renderer as needed.
type PageFetcher interface {
	FetchPage(ctx context.Context, request FetchRequest) (Page, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for identifiers and cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Analyzer turns raw paper text into a PaperAnalysis.
type Analyzer interface {
	Analyze(ctx context.Context, paper PaperInput) (PaperAnalysis, error)
	ModelID() string
}

// DepartmentCrawler crawls one department URL to a merged result.
type DepartmentCrawler interface {
	CrawlDepartment(ctx context.Context, task *CrawlTask) (DepartmentCrawlResult, error)
}

// TaskQueue is the priority queue plus task registry. Dequeue returns
// (nil, nil) when nothing is pending.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *CrawlTask) (string, error)
	Dequeue(ctx context.Context) (*CrawlTask, error)
	MarkCompleted(ctx context.Context, taskID string) (bool, error)
	MarkFailed(ctx context.Context, taskID string, reason string) (bool, error)
	Task(ctx context.Context, taskID string) (*CrawlTask, error)
	Running(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (QueueStats, error)
}
