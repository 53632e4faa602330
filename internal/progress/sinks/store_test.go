package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/storage/memory"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
)

func TestStoreSinkPersistsFinishedTasks(t *testing.T) {
	t.Parallel()

	st := memory.NewStore(nil)
	sink := NewStoreSink(st, nil)
	now := time.Unix(1700000000, 0).UTC()

	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", TS: now, Stage: progress.StageTaskStart},
		{TaskID: "t1", WorkerID: "worker-0", TS: now, Stage: progress.StageTaskDone, Pages: 2, Dur: time.Second},
		{TaskID: "t2", WorkerID: "worker-1", TS: now, Stage: progress.StageTaskError, ErrorKind: "FetchError", Note: "soft 404"},
		{TaskID: "t1", TS: now, Stage: progress.StageAnalysisDone, PaperID: "p1"},
	})
	require.NoError(t, err)

	metrics := st.Metrics()
	require.Len(t, metrics, 2)
	require.True(t, metrics[0].Success)
	require.Equal(t, time.Second, metrics[0].Duration)
	require.False(t, metrics[1].Success)
	require.Equal(t, "FetchError", metrics[1].ErrorKind)
}

func TestStoreSinkSkipsEmptyBatches(t *testing.T) {
	t.Parallel()

	runner := &failingRunner{}
	sink := NewStoreSink(runner, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", TS: time.Now(), Stage: progress.StageTaskStart},
	}))
	require.Zero(t, runner.calls)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	runner := &failingRunner{}
	sink := NewStoreSink(runner, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", TS: time.Now(), Stage: progress.StageTaskDone, Pages: 1},
	})
	require.ErrorIs(t, err, crawler.ErrPersistence)
	require.Equal(t, 1, runner.calls)
}

type failingRunner struct{ calls int }

func (f *failingRunner) InSession(context.Context, func(context.Context, store.Session) error) error {
	f.calls++
	return store.Persistence("session", errors.New("db down"))
}
