// Package crawler defines the domain records and contracts shared across the
// crawl and analysis pipeline.
package crawler

import (
	"net/http"
	"time"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values tracked by the queue registry.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRetrying  TaskStatus = "retrying"
)

// DefaultMaxRetries is applied when a task is submitted without a retry budget.
const DefaultMaxRetries = 3

// TaskOptions carries the per-task crawl flags.
type TaskOptions struct {
	UseCache bool          `json:"use_cache"`
	UseOCR   bool          `json:"use_ocr"`
	Parallel bool          `json:"parallel"`
	Timeout  time.Duration `json:"timeout"`
}

// CrawlTask is one (url, university, department) job.
type CrawlTask struct {
	ID         string      `json:"task_id"`
	URL        string      `json:"url"`
	University string      `json:"university"`
	Department string      `json:"department,omitempty"`
	Priority   int         `json:"priority"`
	Status     TaskStatus  `json:"status"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	Options    TaskOptions `json:"options"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// Clone returns a copy safe to hand to callers outside the queue lock.
func (t *CrawlTask) Clone() *CrawlTask {
	if t == nil {
		return nil
	}
	cp := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		cp.FinishedAt = &ts
	}
	return &cp
}

// ExtractionStats is the bookkeeping block attached to a department crawl.
type ExtractionStats struct {
	ProfessorsCount int `json:"professors_count"`
	LabsCount       int `json:"labs_count"`
	PapersCount     int `json:"papers_count"`
	PagesCrawled    int `json:"pages_crawled"`
}

// CrawlResult summarizes one finished crawl. It is immutable once persisted.
type CrawlResult struct {
	ID            string          `json:"result_id"`
	TaskID        string          `json:"task_id"`
	Stats         ExtractionStats `json:"extraction_stats"`
	ExtractedText string          `json:"extracted_text,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// Extraction method names attached to extracted items.
const (
	MethodCSS            = "css_selector"
	MethodEmail          = "email"
	MethodTitleKeyword   = "title_keyword"
	MethodStructured     = "structured"
	MethodKeyword        = "keyword"
	MethodHeading        = "heading"
	MethodCitation       = "citation_format"
	MethodTitlePattern   = "title_pattern"
	MethodAcademicLink   = "academic_link"
	MethodProfileLink    = "profile_selector"
	MethodLinkKeyword    = "link_keyword"
	MethodProfessorMerge = "professor_page"
)

// Department is the crawl target: one department page of a university.
// Uniqueness key: (university, url).
type Department struct {
	ID         string `json:"id"`
	University string `json:"university"`
	Name       string `json:"name,omitempty"`
	URL        string `json:"url"`
}

// Professor is a faculty member discovered on a department or profile page.
type Professor struct {
	ID                string   `json:"id"`
	DepartmentID      string   `json:"department_id,omitempty"`
	University        string   `json:"university,omitempty"`
	Name              string   `json:"name"`
	Email             string   `json:"email,omitempty"`
	Title             string   `json:"title,omitempty"`
	Office            string   `json:"office,omitempty"`
	ResearchInterests []string `json:"research_interests,omitempty"`
	ProfileURL        string   `json:"profile_url,omitempty"`
	ExtractionMethod  string   `json:"extraction_method"`
	Confidence        float64  `json:"confidence"`
}

// Laboratory is a research group owned by a professor.
type Laboratory struct {
	ID               string   `json:"id"`
	ProfessorID      string   `json:"professor_id,omitempty"`
	DepartmentID     string   `json:"department_id,omitempty"`
	Name             string   `json:"name"`
	ResearchAreas    []string `json:"research_areas,omitempty"`
	Description      string   `json:"description,omitempty"`
	Members          []string `json:"members,omitempty"`
	URL              string   `json:"url,omitempty"`
	ExtractionMethod string   `json:"extraction_method"`
	Confidence       float64  `json:"confidence"`

	// OwnerEmail links a lab found on a profile page to that professor
	// until ids are assigned.
	OwnerEmail string `json:"-"`
}

// Paper is a publication reference found while crawling.
type Paper struct {
	ID               string   `json:"id"`
	LabID            string   `json:"lab_id,omitempty"`
	Title            string   `json:"title"`
	Authors          []string `json:"authors,omitempty"`
	Year             int      `json:"year,omitempty"`
	Venue            string   `json:"venue,omitempty"`
	DOI              string   `json:"doi,omitempty"`
	URL              string   `json:"url,omitempty"`
	Abstract         string   `json:"abstract,omitempty"`
	FullText         string   `json:"full_text,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	ExtractionMethod string   `json:"extraction_method"`
	Confidence       float64  `json:"confidence"`
}

// ProfessorLink is a candidate profile page discovered on a department page.
type ProfessorLink struct {
	URL              string  `json:"url"`
	Text             string  `json:"text,omitempty"`
	ExtractionMethod string  `json:"extraction_method"`
	Confidence       float64 `json:"confidence"`
}

// DepartmentCrawlResult is the merged output of a multi-page crawl.
type DepartmentCrawlResult struct {
	URL        string          `json:"url"`
	University string          `json:"university"`
	Department string          `json:"department,omitempty"`
	Professors []Professor     `json:"professors"`
	Labs       []Laboratory    `json:"labs"`
	Papers     []Paper         `json:"papers"`
	Links      []ProfessorLink `json:"professor_links,omitempty"`
	Text       string          `json:"text,omitempty"`
	Stats      ExtractionStats `json:"extraction_stats"`
	Timings    SubTimings      `json:"timings"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// DeepDive holds follow-up material for curious students.
type DeepDive struct {
	Keywords        []string `json:"keywords"`
	Recommendations []string `json:"recommendations"`
	RelatedConcepts []string `json:"related_concepts"`
}

// CareerPath links the research to jobs.
type CareerPath struct {
	Companies  []string `json:"companies"`
	JobTitle   string   `json:"job_title"`
	SalaryHint string   `json:"salary_hint"`
}

// ActionItem suggests what a student can do next.
type ActionItem struct {
	Subjects      []string `json:"subjects"`
	ResearchTopic string   `json:"research_topic"`
}

// PaperAnalysis is the student-facing report produced for one paper.
type PaperAnalysis struct {
	ID             string     `json:"id"`
	PaperID        string     `json:"paper_id"`
	TopicEasy      string     `json:"topic_easy"`
	TopicTechnical string     `json:"topic_technical"`
	Explanation    string     `json:"explanation"`
	ReferenceLink  string     `json:"reference_link"`
	DeepDive       DeepDive   `json:"deep_dive"`
	CareerPath     CareerPath `json:"career_path"`
	ActionItem     ActionItem `json:"action_item"`
	ModelID        string     `json:"model_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PaperInput is what the analyzer receives for one paper.
type PaperInput struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	University string `json:"university"`
	Department string `json:"department,omitempty"`
	PubDate    string `json:"pub_date,omitempty"`
	ContentRaw string `json:"content_raw"`
	Venue      string `json:"-"`
	Year       int    `json:"-"`
}

// SubTimings breaks a task duration into stages.
type SubTimings struct {
	Download time.Duration `json:"download"`
	Parse    time.Duration `json:"parse"`
	OCR      time.Duration `json:"ocr"`
	Render   time.Duration `json:"render"`
}

// TaskMetric is one append-only measurement of a processed task.
type TaskMetric struct {
	TaskID     string        `json:"task_id"`
	WorkerID   string        `json:"worker_id"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Timings    SubTimings    `json:"timings"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	TaskID       string
	URL          string
	Headers      http.Header
	UseCache     bool
	Timeout      time.Duration
	WaitSelector string
	Domain       string
	NoRender     bool

	// ForceRender skips the optimizer and always renders.
	ForceRender bool

	// NotFoundMarkers are extra soft-404 phrases for this site.
	NotFoundMarkers []string
}

// FetchResponse is the raw outcome of a plain or headless fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// FetchStats reports how a page was obtained.
type FetchStats struct {
	FromCache    bool          `json:"from_cache"`
	Rendered     bool          `json:"rendered"`
	RenderReason string        `json:"render_reason,omitempty"`
	StatusCode   int           `json:"status_code"`
	Bytes        int           `json:"bytes"`
	Download     time.Duration `json:"download"`
	Render       time.Duration `json:"render"`
}

// Page is the output of the page fetcher.
type Page struct {
	URL   string
	HTML  string
	Stats FetchStats
}

// QueueStats is the queue snapshot used by monitoring and the autoscaler.
type QueueStats struct {
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Total       int     `json:"total"`
	SizePercent float64 `json:"size_percent"`
}

// WorkerStats tracks what a single worker has processed.
type WorkerStats struct {
	WorkerID       string        `json:"worker_id"`
	TasksProcessed int           `json:"tasks_processed"`
	TasksFailed    int           `json:"tasks_failed"`
	TotalDuration  time.Duration `json:"total_duration"`
	CurrentTask    string        `json:"current_task,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	LastActive     time.Time     `json:"last_active"`
}

// PoolStats aggregates worker stats across the pool.
type PoolStats struct {
	ActiveWorkers  int           `json:"active_workers"`
	MinWorkers     int           `json:"min_workers"`
	MaxWorkers     int           `json:"max_workers"`
	TasksProcessed int           `json:"tasks_processed"`
	TasksFailed    int           `json:"tasks_failed"`
	Workers        []WorkerStats `json:"workers"`
}
