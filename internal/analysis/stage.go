// Package analysis runs the post-crawl boundary for papers: LLM analysis,
// the analysis row and the vector record commit or fail together, separately
// from the crawl that discovered the paper.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/clock/system"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/monitor"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/vector"
)

// TopicPaperAnalyzed is the event published after each stored analysis.
const TopicPaperAnalyzed = "paper.analyzed"

// Indexer is the vector surface the stage writes to. The vector store is not
// part of the relational transaction, so the stage snapshots a record with
// Lookup and puts it back with Restore when the session does not commit.
type Indexer interface {
	Upsert(ctx context.Context, paper crawler.PaperInput, analysis crawler.PaperAnalysis) error
	Lookup(ctx context.Context, paperID string) (vector.Record, bool, error)
	Restore(ctx context.Context, rec vector.Record) error
	Delete(ctx context.Context, paperID string) error
}

// ErrorRecorder receives analysis failures for the dashboard.
type ErrorRecorder interface {
	RecordError(entry monitor.ErrorEntry)
}

// Deps wires the stage.
type Deps struct {
	Analyzer  crawler.Analyzer
	Store     store.Store
	Index     Indexer
	Errors    ErrorRecorder
	Emitter   progress.Emitter
	Publisher crawler.Publisher
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Stage analyzes papers and stores the outcome.
type Stage struct {
	analyzer  crawler.Analyzer
	store     store.Store
	index     Indexer
	errors    ErrorRecorder
	emitter   progress.Emitter
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
}

// Outcome reports one paper's result inside a batch.
type Outcome struct {
	PaperID string
	Err     error
}

// PaperAnalyzedMessage is the payload published on TopicPaperAnalyzed.
type PaperAnalyzedMessage struct {
	PaperID    string `json:"paper_id"`
	AnalysisID string `json:"analysis_id"`
	TaskID     string `json:"task_id,omitempty"`
	Title      string `json:"title"`
	ModelID    string `json:"model_id"`
}

// New builds a Stage.
func New(deps Deps) (*Stage, error) {
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Index == nil {
		return nil, fmt.Errorf("vector indexer is required")
	}
	s := &Stage{
		analyzer:  deps.Analyzer,
		store:     deps.Store,
		index:     deps.Index,
		errors:    deps.Errors,
		emitter:   deps.Emitter,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
	if s.emitter == nil {
		s.emitter = progress.Nop{}
	}
	if s.clock == nil {
		s.clock = system.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// InputFor builds the analyzer input for a stored paper.
func InputFor(p crawler.Paper, university, department string) crawler.PaperInput {
	content := p.FullText
	if strings.TrimSpace(content) == "" {
		content = p.Abstract
	}
	if strings.TrimSpace(content) == "" {
		content = p.Title
	}
	pubDate := ""
	if p.Year > 0 {
		pubDate = fmt.Sprintf("%d", p.Year)
	}
	return crawler.PaperInput{
		ID:         p.ID,
		URL:        p.URL,
		Title:      p.Title,
		University: university,
		Department: department,
		PubDate:    pubDate,
		ContentRaw: content,
		Venue:      p.Venue,
		Year:       p.Year,
	}
}

// AnalyzeAll analyzes each paper in order. A failure never stops the batch.
func (s *Stage) AnalyzeAll(ctx context.Context, taskID, workerID string, papers []crawler.PaperInput) []Outcome {
	out := make([]Outcome, 0, len(papers))
	for _, p := range papers {
		if ctx.Err() != nil {
			break
		}
		_, err := s.Analyze(ctx, taskID, workerID, p)
		out = append(out, Outcome{PaperID: p.ID, Err: err})
	}
	return out
}

// Analyze runs the analyzer for paper, then stores the analysis and upserts
// its vector record in one session. Errors are recorded on the dashboard and
// returned.
func (s *Stage) Analyze(ctx context.Context, taskID, workerID string, paper crawler.PaperInput) (crawler.PaperAnalysis, error) {
	start := s.clock.Now()
	logger := s.logger.With(zap.String("task_id", taskID), zap.String("paper_id", paper.ID))

	analysis, err := s.analyzer.Analyze(ctx, paper)
	if err != nil {
		s.fail(taskID, workerID, paper, err)
		return crawler.PaperAnalysis{}, err
	}
	analysis.PaperID = paper.ID

	prev, hadPrev, err := s.index.Lookup(ctx, paper.ID)
	if err != nil {
		s.fail(taskID, workerID, paper, err)
		return crawler.PaperAnalysis{}, err
	}
	indexed := false
	err = s.store.InSession(ctx, func(ctx context.Context, sess store.Session) error {
		if err := sess.SaveAnalysis(ctx, &analysis); err != nil {
			return err
		}
		if err := s.index.Upsert(ctx, paper, analysis); err != nil {
			return err
		}
		indexed = true
		return nil
	})
	if err != nil {
		if indexed {
			s.revertVector(ctx, paper.ID, prev, hadPrev)
		}
		s.fail(taskID, workerID, paper, err)
		return crawler.PaperAnalysis{}, err
	}

	s.emitter.Emit(progress.Event{
		TaskID:   eventTaskID(taskID, paper.ID),
		WorkerID: workerID,
		TS:       s.clock.Now().UTC(),
		Stage:    progress.StageAnalysisDone,
		Site:     crawler.Host(paper.URL),
		URL:      paper.URL,
		PaperID:  paper.ID,
		Dur:      nonNegative(s.clock.Now().Sub(start)),
	})
	logger.Info("paper analyzed", zap.String("model_id", analysis.ModelID))
	s.publish(ctx, PaperAnalyzedMessage{
		PaperID:    paper.ID,
		AnalysisID: analysis.ID,
		TaskID:     taskID,
		Title:      paper.Title,
		ModelID:    analysis.ModelID,
	})
	return analysis, nil
}

// Reanalyze overwrites the stored analysis of paperID and re-indexes it. The
// university and department carry over from the existing vector record.
func (s *Stage) Reanalyze(ctx context.Context, paperID string) (crawler.PaperAnalysis, error) {
	paper, err := s.store.Paper(ctx, paperID)
	if err != nil {
		return crawler.PaperAnalysis{}, fmt.Errorf("load paper %s: %w", paperID, err)
	}
	rec, _, err := s.index.Lookup(ctx, paperID)
	if err != nil {
		return crawler.PaperAnalysis{}, fmt.Errorf("load vector record %s: %w", paperID, err)
	}
	input := InputFor(paper, rec.Metadata.University, rec.Metadata.Department)
	return s.Analyze(ctx, "", "", input)
}

// DeletePaper removes the paper, its analysis and its vector record.
func (s *Stage) DeletePaper(ctx context.Context, paperID string) error {
	prev, hadPrev, err := s.index.Lookup(ctx, paperID)
	if err != nil {
		return fmt.Errorf("delete paper %s: %w", paperID, err)
	}
	removed := false
	err = s.store.InSession(ctx, func(ctx context.Context, sess store.Session) error {
		if err := sess.DeletePaper(ctx, paperID); err != nil {
			return err
		}
		if err := s.index.Delete(ctx, paperID); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		if removed && hadPrev {
			s.revertVector(ctx, paperID, prev, true)
		}
		return fmt.Errorf("delete paper %s: %w", paperID, err)
	}
	s.logger.Info("paper deleted", zap.String("paper_id", paperID))
	return nil
}

// revertVector puts the vector record for paperID back to its state before a
// session that did not commit.
func (s *Stage) revertVector(ctx context.Context, paperID string, prev vector.Record, hadPrev bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if hadPrev {
		err = s.index.Restore(ctx, prev)
	} else {
		err = s.index.Delete(ctx, paperID)
	}
	if err != nil {
		s.logger.Error("vector record not reverted", zap.String("paper_id", paperID), zap.Error(err))
	}
}

func (s *Stage) fail(taskID, workerID string, paper crawler.PaperInput, err error) {
	kind := crawler.ErrorKind(err)
	now := s.clock.Now().UTC()
	s.logger.Warn("paper analysis failed",
		zap.String("task_id", taskID),
		zap.String("paper_id", paper.ID),
		zap.String("error_kind", kind),
		zap.Error(err),
	)
	if s.errors != nil {
		s.errors.RecordError(monitor.ErrorEntry{
			TaskID:  taskID,
			PaperID: paper.ID,
			Kind:    kind,
			Message: err.Error(),
			At:      now,
		})
	}
	s.emitter.Emit(progress.Event{
		TaskID:    eventTaskID(taskID, paper.ID),
		WorkerID:  workerID,
		TS:        now,
		Stage:     progress.StageAnalysisError,
		Site:      crawler.Host(paper.URL),
		URL:       paper.URL,
		PaperID:   paper.ID,
		ErrorKind: kind,
		Note:      err.Error(),
	})
}

func (s *Stage) publish(ctx context.Context, msg PaperAnalyzedMessage) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, TopicPaperAnalyzed, msg); err != nil {
		s.logger.Warn("publish paper.analyzed failed", zap.String("paper_id", msg.PaperID), zap.Error(err))
	}
}

func eventTaskID(taskID, paperID string) string {
	if taskID != "" {
		return taskID
	}
	return "reanalyze:" + paperID
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
