package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/id/uuid"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
)

// Store is an in-memory implementation of store.Store for development and
// tests. Each session works on a copy that replaces the live data only when
// the session succeeds.
type Store struct {
	mu    sync.Mutex
	ids   crawler.IDGenerator
	state *state
}

type state struct {
	tasks       map[string]crawler.CrawlTask
	results     map[string]crawler.CrawlResult
	departments map[string]crawler.Department
	professors  map[string]crawler.Professor
	labs        map[string]crawler.Laboratory
	papers      map[string]crawler.Paper
	analyses    map[string]crawler.PaperAnalysis
	metrics     []crawler.TaskMetric

	// uniqueness indexes: key -> row id
	deptKeys  map[string]string
	profKeys  map[string]string
	labKeys   map[string]string
	paperKeys map[string]string
}

// Counts reports row counts per table.
type Counts struct {
	Tasks       int
	Results     int
	Departments int
	Professors  int
	Labs        int
	Papers      int
	Analyses    int
	Metrics     int
}

// NewStore creates an empty store. A nil ids generator uses UUIDs.
func NewStore(ids crawler.IDGenerator) *Store {
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{ids: ids, state: newState()}
}

func newState() *state {
	return &state{
		tasks:       map[string]crawler.CrawlTask{},
		results:     map[string]crawler.CrawlResult{},
		departments: map[string]crawler.Department{},
		professors:  map[string]crawler.Professor{},
		labs:        map[string]crawler.Laboratory{},
		papers:      map[string]crawler.Paper{},
		analyses:    map[string]crawler.PaperAnalysis{},
		deptKeys:    map[string]string{},
		profKeys:    map[string]string{},
		labKeys:     map[string]string{},
		paperKeys:   map[string]string{},
	}
}

func (s *state) clone() *state {
	return &state{
		tasks:       cloneMap(s.tasks),
		results:     cloneMap(s.results),
		departments: cloneMap(s.departments),
		professors:  cloneMap(s.professors),
		labs:        cloneMap(s.labs),
		papers:      cloneMap(s.papers),
		analyses:    cloneMap(s.analyses),
		metrics:     append([]crawler.TaskMetric(nil), s.metrics...),
		deptKeys:    cloneMap(s.deptKeys),
		profKeys:    cloneMap(s.profKeys),
		labKeys:     cloneMap(s.labKeys),
		paperKeys:   cloneMap(s.paperKeys),
	}
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// InSession runs fn against a private copy and publishes it on success.
// Sessions are serialized.
func (s *Store) InSession(ctx context.Context, fn func(ctx context.Context, sess store.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &session{ids: s.ids, st: s.state.clone()}
	if err := fn(ctx, sess); err != nil {
		return store.Persistence("session", err)
	}
	if err := ctx.Err(); err != nil {
		return store.Persistence("commit", err)
	}
	s.state = sess.st
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Counts returns the current row counts.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	return Counts{
		Tasks:       len(st.tasks),
		Results:     len(st.results),
		Departments: len(st.departments),
		Professors:  len(st.professors),
		Labs:        len(st.labs),
		Papers:      len(st.papers),
		Analyses:    len(st.analyses),
		Metrics:     len(st.metrics),
	}
}

// Papers lists stored papers ordered by title.
func (s *Store) Papers() []crawler.Paper {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Paper, 0, len(s.state.papers))
	for _, p := range s.state.papers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Metrics returns the stored task metrics in insertion order.
func (s *Store) Metrics() []crawler.TaskMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.TaskMetric(nil), s.state.metrics...)
}

// Task returns the persisted task row.
func (s *Store) Task(taskID string) (crawler.CrawlTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.tasks[taskID]
	return t, ok
}

// Paper implements store.Reader.
func (s *Store) Paper(_ context.Context, paperID string) (crawler.Paper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.papers[paperID]
	if !ok {
		return crawler.Paper{}, fmt.Errorf("paper %s: %w", paperID, store.ErrNotFound)
	}
	return p, nil
}

// Analysis implements store.Reader.
func (s *Store) Analysis(_ context.Context, paperID string) (crawler.PaperAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.analyses[paperID]
	if !ok {
		return crawler.PaperAnalysis{}, fmt.Errorf("analysis for %s: %w", paperID, store.ErrNotFound)
	}
	return a, nil
}

// Professors implements store.Reader. An empty departmentID lists all.
func (s *Store) Professors(_ context.Context, departmentID string) ([]crawler.Professor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Professor
	for _, p := range s.state.professors {
		if departmentID == "" || p.DepartmentID == departmentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TaskResult implements store.Reader.
func (s *Store) TaskResult(_ context.Context, taskID string) (crawler.CrawlResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.results[taskID]
	if !ok {
		return crawler.CrawlResult{}, fmt.Errorf("result for %s: %w", taskID, store.ErrNotFound)
	}
	return r, nil
}

type session struct {
	ids crawler.IDGenerator
	st  *state
}

func (s *session) newID() (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

func (s *session) SaveTask(_ context.Context, task *crawler.CrawlTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.st.tasks[task.ID] = *task.Clone()
	return nil
}

func (s *session) SaveResult(_ context.Context, result *crawler.CrawlResult) error {
	if _, ok := s.st.tasks[result.TaskID]; !ok {
		return fmt.Errorf("result references unknown task %s", result.TaskID)
	}
	if _, exists := s.st.results[result.TaskID]; exists {
		return fmt.Errorf("result for task %s already exists", result.TaskID)
	}
	if result.ID == "" {
		id, err := s.newID()
		if err != nil {
			return err
		}
		result.ID = id
	}
	s.st.results[result.TaskID] = *result
	return nil
}

func (s *session) UpsertDepartment(_ context.Context, dept *crawler.Department) (string, error) {
	key := strings.ToLower(dept.University) + "|" + dept.URL
	if id, ok := s.st.deptKeys[key]; ok {
		existing := s.st.departments[id]
		if dept.Name != "" {
			existing.Name = dept.Name
		}
		s.st.departments[id] = existing
		dept.ID = id
		return id, nil
	}
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	dept.ID = id
	s.st.departments[id] = *dept
	s.st.deptKeys[key] = id
	return id, nil
}

func (s *session) UpsertProfessor(_ context.Context, p *crawler.Professor) (string, error) {
	if p.DepartmentID != "" {
		if _, ok := s.st.departments[p.DepartmentID]; !ok {
			return "", fmt.Errorf("professor references unknown department %s", p.DepartmentID)
		}
	}
	key := strings.ToLower(p.University) + "|" + crawler.ProfessorKey(*p)
	if id, ok := s.st.profKeys[key]; ok {
		merged := MergeProfessor(s.st.professors[id], *p)
		s.st.professors[id] = merged
		*p = merged
		return id, nil
	}
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	p.ID = id
	s.st.professors[id] = *p
	s.st.profKeys[key] = id
	return id, nil
}

func (s *session) UpsertLab(_ context.Context, lab *crawler.Laboratory) (string, error) {
	if lab.ProfessorID != "" {
		if _, ok := s.st.professors[lab.ProfessorID]; !ok {
			return "", fmt.Errorf("lab references unknown professor %s", lab.ProfessorID)
		}
	}
	key := lab.DepartmentID + "|" + crawler.NormalizeKey(lab.Name)
	if id, ok := s.st.labKeys[key]; ok {
		existing := s.st.labs[id]
		if lab.Confidence >= existing.Confidence {
			lab.ID = id
			if lab.ProfessorID == "" {
				lab.ProfessorID = existing.ProfessorID
			}
			s.st.labs[id] = *lab
		}
		lab.ID = id
		return id, nil
	}
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	lab.ID = id
	s.st.labs[id] = *lab
	s.st.labKeys[key] = id
	return id, nil
}

func (s *session) UpsertPaper(_ context.Context, p *crawler.Paper) (string, error) {
	if p.LabID != "" {
		if _, ok := s.st.labs[p.LabID]; !ok {
			return "", fmt.Errorf("paper references unknown lab %s", p.LabID)
		}
	}
	key := crawler.PaperKey(p.Title) + "|" + strconv.Itoa(p.Year)
	if id, ok := s.st.paperKeys[key]; ok {
		existing := s.st.papers[id]
		if p.Confidence >= existing.Confidence {
			p.ID = id
			s.st.papers[id] = *p
		}
		p.ID = id
		return id, nil
	}
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	p.ID = id
	s.st.papers[id] = *p
	s.st.paperKeys[key] = id
	return id, nil
}

func (s *session) HasAnalysis(_ context.Context, paperID string) (bool, error) {
	_, ok := s.st.analyses[paperID]
	return ok, nil
}

func (s *session) SaveAnalysis(_ context.Context, a *crawler.PaperAnalysis) error {
	if _, ok := s.st.papers[a.PaperID]; !ok {
		return fmt.Errorf("analysis references unknown paper %s", a.PaperID)
	}
	if existing, ok := s.st.analyses[a.PaperID]; ok && a.ID == "" {
		a.ID = existing.ID
	}
	if a.ID == "" {
		id, err := s.newID()
		if err != nil {
			return err
		}
		a.ID = id
	}
	s.st.analyses[a.PaperID] = *a
	return nil
}

func (s *session) DeleteAnalysis(_ context.Context, paperID string) error {
	delete(s.st.analyses, paperID)
	return nil
}

func (s *session) DeletePaper(_ context.Context, paperID string) error {
	p, ok := s.st.papers[paperID]
	if !ok {
		return fmt.Errorf("paper %s: %w", paperID, store.ErrNotFound)
	}
	delete(s.st.analyses, paperID)
	delete(s.st.papers, paperID)
	delete(s.st.paperKeys, crawler.PaperKey(p.Title)+"|"+strconv.Itoa(p.Year))
	return nil
}

func (s *session) SaveTaskMetric(_ context.Context, m crawler.TaskMetric) error {
	s.st.metrics = append(s.st.metrics, m)
	return nil
}

// MergeProfessor folds incoming into existing. Fields from the
// higher-confidence record win; blanks are always filled.
func MergeProfessor(existing, incoming crawler.Professor) crawler.Professor {
	winner, other := existing, incoming
	if incoming.Confidence > existing.Confidence {
		winner, other = incoming, existing
	}
	winner.ID = existing.ID
	if winner.DepartmentID == "" {
		winner.DepartmentID = other.DepartmentID
	}
	if winner.Email == "" {
		winner.Email = other.Email
	}
	if winner.Title == "" {
		winner.Title = other.Title
	}
	if winner.Office == "" {
		winner.Office = other.Office
	}
	if winner.ProfileURL == "" {
		winner.ProfileURL = other.ProfileURL
	}
	if len(winner.ResearchInterests) == 0 {
		winner.ResearchInterests = other.ResearchInterests
	}
	return winner
}
