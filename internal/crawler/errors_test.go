package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"fetch", fmt.Errorf("%w: soft 404 at https://x.edu", ErrFetch), "FetchError"},
		{"timeout wins over fetch", fmt.Errorf("%w: %w", ErrFetchTimeout, ErrFetch), "FetchTimeout"},
		{"llm parse", fmt.Errorf("analyze paper p1: %w", ErrLLMParse), "LLMParseError"},
		{"vector", fmt.Errorf("%w: disk full", ErrVectorStore), "VectorStoreError"},
		{"vector inside session", fmt.Errorf("%w: session: %w", ErrPersistence, ErrVectorStore), "VectorStoreError"},
		{"persistence", fmt.Errorf("%w: commit: conn reset", ErrPersistence), "PersistenceError"},
		{"deadline", context.DeadlineExceeded, "Timeout"},
		{"unknown", errors.New("boom"), "Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ErrorKind(tc.err))
		})
	}
}

func TestCrawlTaskCloneIsIndependent(t *testing.T) {
	t.Parallel()

	task := &CrawlTask{ID: "t1", Status: TaskStatusPending}
	cp := task.Clone()
	cp.Status = TaskStatusRunning
	require.Equal(t, TaskStatusPending, task.Status)

	var nilTask *CrawlTask
	require.Nil(t, nilTask.Clone())
}
