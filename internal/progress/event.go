package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageTaskStart     Stage = "TASK_START"
	StageTaskDone      Stage = "TASK_DONE"
	StageTaskError     Stage = "TASK_ERROR"
	StageAnalysisDone  Stage = "ANALYSIS_DONE"
	StageAnalysisError Stage = "ANALYSIS_ERROR"
)

// Event captures one milestone of a crawl task or paper analysis.
type Event struct {
	TaskID   string
	WorkerID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site is the host of URL, used as a low-cardinality label.
	Site string
	URL  string
	// PaperID is set on analysis events.
	PaperID string
	// Pages is the number of pages crawled by a finished task.
	Pages   int
	Dur     time.Duration
	Timings crawler.SubTimings
	// ErrorKind is the design-level error name (see crawler.ErrorKind).
	ErrorKind string
	// Note carries low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart:
	case StageTaskDone:
		if e.Pages < 1 {
			return errors.New("task done requires at least one crawled page")
		}
	case StageTaskError, StageAnalysisError:
		if e.ErrorKind == "" {
			return fmt.Errorf("%s requires an error kind", e.Stage)
		}
	case StageAnalysisDone:
		if e.PaperID == "" {
			return errors.New("analysis done requires paper id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Metric converts a finished task event into the persisted TaskMetric. It
// reports false for every other stage.
func (e Event) Metric() (crawler.TaskMetric, bool) {
	if e.Stage != StageTaskDone && e.Stage != StageTaskError {
		return crawler.TaskMetric{}, false
	}
	return crawler.TaskMetric{
		TaskID:     e.TaskID,
		WorkerID:   e.WorkerID,
		Duration:   e.Dur,
		Success:    e.Stage == StageTaskDone,
		Error:      e.Note,
		ErrorKind:  e.ErrorKind,
		Timings:    e.Timings,
		RecordedAt: e.TS,
	}, true
}
