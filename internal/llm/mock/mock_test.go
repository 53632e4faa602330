package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/llm"
)

func TestMockDrivesAnalyzer(t *testing.T) {
	t.Parallel()

	a, err := llm.New(New(), llm.Config{}, nil, nil)
	require.NoError(t, err)

	got, err := a.Analyze(context.Background(), crawler.PaperInput{
		ID:    "p1",
		URL:   "https://x.edu/p1",
		Title: "Scalable Graph Neural Networks",
	})
	require.NoError(t, err)
	require.Equal(t, ModelID, got.ModelID)
	require.Equal(t, "Scalable Graph Neural Networks", got.TopicTechnical)
	require.Equal(t, []string{"scalable", "graph", "neural"}, got.DeepDive.Keywords)
	require.Equal(t, "https://x.edu/p1", got.ReferenceLink)
}

func TestMockIsDeterministic(t *testing.T) {
	t.Parallel()

	b := New()
	first, err := b.Complete(context.Background(), "Title: Raft Consensus\n")
	require.NoError(t, err)
	second, err := b.Complete(context.Background(), "Title: Raft Consensus\n")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMockFixedReplyFailsParse(t *testing.T) {
	t.Parallel()

	a, err := llm.New(&Backend{Fixed: "I refuse"}, llm.Config{}, nil, nil)
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), crawler.PaperInput{ID: "p1"})
	require.ErrorIs(t, err, crawler.ErrLLMParse)
}

func TestMockError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := (&Backend{Err: boom}).Complete(context.Background(), "")
	require.ErrorIs(t, err, boom)
}
