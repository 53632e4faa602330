// Package postgres provides the Postgres-backed relational store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/id/uuid"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
)

//go:embed schema.sql
var schema string

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	pool Pool
	ids  crawler.IDGenerator
}

var _ store.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, ids: uuid.New()}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, ids crawler.IDGenerator) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{pool: pool, ids: ids}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return store.Persistence("migrate", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InSession runs fn in one transaction. It commits on a nil return and rolls
// back otherwise, including when fn panics.
func (s *Store) InSession(ctx context.Context, fn func(ctx context.Context, sess store.Session) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.Persistence("begin", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &session{tx: tx, ids: s.ids}); err != nil {
		return store.Persistence("session", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Persistence("commit", err)
	}
	done = true
	return nil
}

const selectPaper = `SELECT id, COALESCE(lab_id, ''), title, authors, year, venue, doi, url,
	abstract, full_text, keywords, extraction_method, confidence
FROM papers WHERE id = $1`

// Paper implements store.Reader.
func (s *Store) Paper(ctx context.Context, paperID string) (crawler.Paper, error) {
	var p crawler.Paper
	err := s.pool.QueryRow(ctx, selectPaper, paperID).Scan(
		&p.ID, &p.LabID, &p.Title, &p.Authors, &p.Year, &p.Venue, &p.DOI, &p.URL,
		&p.Abstract, &p.FullText, &p.Keywords, &p.ExtractionMethod, &p.Confidence,
	)
	if err != nil {
		return crawler.Paper{}, readErr("paper "+paperID, err)
	}
	return p, nil
}

const selectAnalysis = `SELECT id, paper_id, topic_easy, topic_technical, explanation, reference_link,
	deep_dive, career_path, action_item, model_id, created_at
FROM paper_analyses WHERE paper_id = $1`

// Analysis implements store.Reader.
func (s *Store) Analysis(ctx context.Context, paperID string) (crawler.PaperAnalysis, error) {
	var (
		a                            crawler.PaperAnalysis
		deepDive, career, actionItem []byte
	)
	err := s.pool.QueryRow(ctx, selectAnalysis, paperID).Scan(
		&a.ID, &a.PaperID, &a.TopicEasy, &a.TopicTechnical, &a.Explanation, &a.ReferenceLink,
		&deepDive, &career, &actionItem, &a.ModelID, &a.CreatedAt,
	)
	if err != nil {
		return crawler.PaperAnalysis{}, readErr("analysis for "+paperID, err)
	}
	for _, part := range []struct {
		raw []byte
		dst any
	}{
		{deepDive, &a.DeepDive},
		{career, &a.CareerPath},
		{actionItem, &a.ActionItem},
	} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return crawler.PaperAnalysis{}, store.Persistence("decode analysis", err)
		}
	}
	return a, nil
}

const selectProfessors = `SELECT id, COALESCE(department_id, ''), university, name, email, title, office,
	research_interests, profile_url, extraction_method, confidence
FROM professors WHERE ($1 = '' OR department_id = $1) ORDER BY name`

// Professors implements store.Reader. An empty departmentID lists all.
func (s *Store) Professors(ctx context.Context, departmentID string) ([]crawler.Professor, error) {
	rows, err := s.pool.Query(ctx, selectProfessors, departmentID)
	if err != nil {
		return nil, store.Persistence("list professors", err)
	}
	defer rows.Close()

	var out []crawler.Professor
	for rows.Next() {
		var p crawler.Professor
		if err := rows.Scan(
			&p.ID, &p.DepartmentID, &p.University, &p.Name, &p.Email, &p.Title, &p.Office,
			&p.ResearchInterests, &p.ProfileURL, &p.ExtractionMethod, &p.Confidence,
		); err != nil {
			return nil, store.Persistence("scan professor", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Persistence("list professors", err)
	}
	return out, nil
}

const selectResult = `SELECT result_id, task_id, professors_count, labs_count, papers_count,
	pages_crawled, extracted_text, started_at, finished_at
FROM crawl_results WHERE task_id = $1`

// TaskResult implements store.Reader.
func (s *Store) TaskResult(ctx context.Context, taskID string) (crawler.CrawlResult, error) {
	var r crawler.CrawlResult
	err := s.pool.QueryRow(ctx, selectResult, taskID).Scan(
		&r.ID, &r.TaskID, &r.Stats.ProfessorsCount, &r.Stats.LabsCount, &r.Stats.PapersCount,
		&r.Stats.PagesCrawled, &r.ExtractedText, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return crawler.CrawlResult{}, readErr("result for "+taskID, err)
	}
	return r, nil
}

func readErr(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return store.Persistence("read "+what, err)
}

type session struct {
	tx  pgx.Tx
	ids crawler.IDGenerator
}

func (s *session) newID() (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

func (s *session) upsert(ctx context.Context, sql string, args ...any) (string, error) {
	var id string
	if err := s.tx.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

const upsertTask = `INSERT INTO crawl_tasks (task_id, url, university, department, priority, status,
	retry_count, max_retries, options, created_at, started_at, finished_at, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (task_id) DO UPDATE SET
	status = EXCLUDED.status,
	retry_count = EXCLUDED.retry_count,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	last_error = EXCLUDED.last_error`

func (s *session) SaveTask(ctx context.Context, task *crawler.CrawlTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	opts, err := json.Marshal(task.Options)
	if err != nil {
		return fmt.Errorf("encode task options: %w", err)
	}
	_, err = s.tx.Exec(ctx, upsertTask,
		task.ID, task.URL, task.University, task.Department, task.Priority, string(task.Status),
		task.RetryCount, task.MaxRetries, opts, task.CreatedAt, task.StartedAt, task.FinishedAt, task.LastError,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

const insertResult = `INSERT INTO crawl_results (result_id, task_id, professors_count, labs_count,
	papers_count, pages_crawled, extracted_text, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (s *session) SaveResult(ctx context.Context, result *crawler.CrawlResult) error {
	if result.ID == "" {
		id, err := s.newID()
		if err != nil {
			return err
		}
		result.ID = id
	}
	_, err := s.tx.Exec(ctx, insertResult,
		result.ID, result.TaskID, result.Stats.ProfessorsCount, result.Stats.LabsCount,
		result.Stats.PapersCount, result.Stats.PagesCrawled, result.ExtractedText,
		result.StartedAt, result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save result for %s: %w", result.TaskID, err)
	}
	return nil
}

const upsertDepartment = `INSERT INTO departments (id, university, name, url)
VALUES ($1, $2, $3, $4)
ON CONFLICT (university, url) DO UPDATE SET
	name = COALESCE(NULLIF(EXCLUDED.name, ''), departments.name)
RETURNING id`

func (s *session) UpsertDepartment(ctx context.Context, dept *crawler.Department) (string, error) {
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	id, err = s.upsert(ctx, upsertDepartment, id, dept.University, dept.Name, dept.URL)
	if err != nil {
		return "", fmt.Errorf("upsert department %s: %w", dept.URL, err)
	}
	dept.ID = id
	return id, nil
}

var upsertProfessor = `INSERT INTO professors (id, department_id, university, identity_key, name, email,
	title, office, research_interests, profile_url, extraction_method, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (university, identity_key) DO UPDATE SET
	department_id = COALESCE(professors.department_id, EXCLUDED.department_id),
	` + mergeColumns("professors", []string{"name", "email", "title", "office", "profile_url", "extraction_method"},
	[]string{"research_interests"}) + `,
	confidence = GREATEST(professors.confidence, EXCLUDED.confidence)
RETURNING id`

func (s *session) UpsertProfessor(ctx context.Context, p *crawler.Professor) (string, error) {
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	id, err = s.upsert(ctx, upsertProfessor,
		id, nullable(p.DepartmentID), p.University, crawler.ProfessorKey(*p), p.Name, p.Email,
		p.Title, p.Office, nonNil(p.ResearchInterests), p.ProfileURL, p.ExtractionMethod, p.Confidence,
	)
	if err != nil {
		return "", fmt.Errorf("upsert professor %s: %w", p.Name, err)
	}
	p.ID = id
	return id, nil
}

var upsertLab = `INSERT INTO laboratories (id, professor_id, department_id, name_key, name, research_areas,
	description, members, url, extraction_method, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (department_id, name_key) DO UPDATE SET
	professor_id = COALESCE(EXCLUDED.professor_id, laboratories.professor_id),
	` + confidentColumns("laboratories", "name", "research_areas", "description", "members", "url",
	"extraction_method", "confidence") + `
RETURNING id`

func (s *session) UpsertLab(ctx context.Context, lab *crawler.Laboratory) (string, error) {
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	id, err = s.upsert(ctx, upsertLab,
		id, nullable(lab.ProfessorID), nullable(lab.DepartmentID), crawler.NormalizeKey(lab.Name), lab.Name,
		nonNil(lab.ResearchAreas), lab.Description, nonNil(lab.Members), lab.URL, lab.ExtractionMethod,
		lab.Confidence,
	)
	if err != nil {
		return "", fmt.Errorf("upsert lab %s: %w", lab.Name, err)
	}
	lab.ID = id
	return id, nil
}

var upsertPaper = `INSERT INTO papers (id, lab_id, title_key, title, authors, year, venue, doi, url,
	abstract, full_text, keywords, extraction_method, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (title_key, year) DO UPDATE SET
	` + confidentColumns("papers", "lab_id", "title", "authors", "venue", "doi", "url", "abstract",
	"full_text", "keywords", "extraction_method", "confidence") + `
RETURNING id`

func (s *session) UpsertPaper(ctx context.Context, p *crawler.Paper) (string, error) {
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	id, err = s.upsert(ctx, upsertPaper,
		id, nullable(p.LabID), crawler.PaperKey(p.Title), p.Title, nonNil(p.Authors), p.Year, p.Venue,
		p.DOI, p.URL, p.Abstract, p.FullText, nonNil(p.Keywords), p.ExtractionMethod, p.Confidence,
	)
	if err != nil {
		return "", fmt.Errorf("upsert paper %q: %w", p.Title, err)
	}
	p.ID = id
	return id, nil
}

const upsertAnalysis = `INSERT INTO paper_analyses (id, paper_id, topic_easy, topic_technical, explanation,
	reference_link, deep_dive, career_path, action_item, model_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (paper_id) DO UPDATE SET
	topic_easy = EXCLUDED.topic_easy,
	topic_technical = EXCLUDED.topic_technical,
	explanation = EXCLUDED.explanation,
	reference_link = EXCLUDED.reference_link,
	deep_dive = EXCLUDED.deep_dive,
	career_path = EXCLUDED.career_path,
	action_item = EXCLUDED.action_item,
	model_id = EXCLUDED.model_id,
	created_at = EXCLUDED.created_at
RETURNING id`

func (s *session) HasAnalysis(ctx context.Context, paperID string) (bool, error) {
	var ok bool
	err := s.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM paper_analyses WHERE paper_id = $1)`, paperID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check analysis for %s: %w", paperID, err)
	}
	return ok, nil
}

func (s *session) SaveAnalysis(ctx context.Context, a *crawler.PaperAnalysis) error {
	deepDive, err := json.Marshal(a.DeepDive)
	if err != nil {
		return fmt.Errorf("encode deep dive: %w", err)
	}
	career, err := json.Marshal(a.CareerPath)
	if err != nil {
		return fmt.Errorf("encode career path: %w", err)
	}
	action, err := json.Marshal(a.ActionItem)
	if err != nil {
		return fmt.Errorf("encode action item: %w", err)
	}
	id := a.ID
	if id == "" {
		if id, err = s.newID(); err != nil {
			return err
		}
	}
	id, err = s.upsert(ctx, upsertAnalysis,
		id, a.PaperID, a.TopicEasy, a.TopicTechnical, a.Explanation, a.ReferenceLink,
		deepDive, career, action, a.ModelID, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save analysis for %s: %w", a.PaperID, err)
	}
	a.ID = id
	return nil
}

func (s *session) DeleteAnalysis(ctx context.Context, paperID string) error {
	if _, err := s.tx.Exec(ctx, `DELETE FROM paper_analyses WHERE paper_id = $1`, paperID); err != nil {
		return fmt.Errorf("delete analysis for %s: %w", paperID, err)
	}
	return nil
}

// DeletePaper relies on the cascade from papers to paper_analyses.
func (s *session) DeletePaper(ctx context.Context, paperID string) error {
	tag, err := s.tx.Exec(ctx, `DELETE FROM papers WHERE id = $1`, paperID)
	if err != nil {
		return fmt.Errorf("delete paper %s: %w", paperID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("paper %s: %w", paperID, store.ErrNotFound)
	}
	return nil
}

const insertMetric = `INSERT INTO task_metrics (task_id, worker_id, duration_s, success, error,
	error_kind, timings, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *session) SaveTaskMetric(ctx context.Context, m crawler.TaskMetric) error {
	timings, err := json.Marshal(m.Timings)
	if err != nil {
		return fmt.Errorf("encode timings: %w", err)
	}
	_, err = s.tx.Exec(ctx, insertMetric,
		m.TaskID, m.WorkerID, m.Duration.Seconds(), m.Success, m.Error, m.ErrorKind, timings, m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("save metric for %s: %w", m.TaskID, err)
	}
	return nil
}

// confidentColumns builds SET clauses where the incoming row wins only when
// its confidence is at least the stored one.
func confidentColumns(table string, cols ...string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf(
			"%[2]s = CASE WHEN EXCLUDED.confidence >= %[1]s.confidence THEN EXCLUDED.%[2]s ELSE %[1]s.%[2]s END",
			table, c))
	}
	return strings.Join(sets, ",\n\t")
}

// mergeColumns builds SET clauses where the higher-confidence row wins and
// blanks are filled from the other row.
func mergeColumns(table string, text, arrays []string) string {
	sets := make([]string, 0, len(text)+len(arrays))
	for _, c := range text {
		sets = append(sets, fmt.Sprintf(
			"%[2]s = CASE WHEN EXCLUDED.confidence > %[1]s.confidence "+
				"THEN COALESCE(NULLIF(EXCLUDED.%[2]s, ''), %[1]s.%[2]s) "+
				"ELSE COALESCE(NULLIF(%[1]s.%[2]s, ''), EXCLUDED.%[2]s) END",
			table, c))
	}
	for _, c := range arrays {
		sets = append(sets, fmt.Sprintf(
			"%[2]s = CASE WHEN EXCLUDED.confidence > %[1]s.confidence AND cardinality(EXCLUDED.%[2]s) > 0 "+
				"THEN EXCLUDED.%[2]s WHEN cardinality(%[1]s.%[2]s) = 0 THEN EXCLUDED.%[2]s ELSE %[1]s.%[2]s END",
			table, c))
	}
	return strings.Join(sets, ",\n\t")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
