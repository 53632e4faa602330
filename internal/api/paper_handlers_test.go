package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
)

type fakePapers struct {
	analyses map[string]crawler.PaperAnalysis
	err      error
	deleted  []string
}

func (f *fakePapers) Reanalyze(_ context.Context, id string) (crawler.PaperAnalysis, error) {
	if f.err != nil {
		return crawler.PaperAnalysis{}, f.err
	}
	a, ok := f.analyses[id]
	if !ok {
		return crawler.PaperAnalysis{}, fmt.Errorf("paper %s: %w", id, store.ErrNotFound)
	}
	return a, nil
}

func (f *fakePapers) DeletePaper(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.analyses[id]; !ok {
		return fmt.Errorf("paper %s: %w", id, store.ErrNotFound)
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func paperServer(p *fakePapers) http.Handler {
	pipe := &fakePipeline{}
	return NewServer(pipe, NewPaperHandler(p, nil), Options{}).Handler()
}

func TestReanalyzePaper(t *testing.T) {
	t.Parallel()

	p := &fakePapers{analyses: map[string]crawler.PaperAnalysis{
		"p1": {PaperID: "p1", TopicEasy: "robots that learn", ModelID: "mock"},
	}}
	h := paperServer(p)

	rec := do(t, h, http.MethodPost, "/v1/papers/p1/reanalyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var a crawler.PaperAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	require.Equal(t, "robots that learn", a.TopicEasy)

	rec = do(t, h, http.MethodPost, "/v1/papers/nope/reanalyze", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReanalyzeMapsModelErrors(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		fmt.Errorf("analyze: %w", crawler.ErrLLMParse):     http.StatusBadGateway,
		fmt.Errorf("analyze: %w", crawler.ErrLLMTransport): http.StatusBadGateway,
		fmt.Errorf("analyze: %w", crawler.ErrLLMTimeout):   http.StatusGatewayTimeout,
		fmt.Errorf("save: %w", crawler.ErrPersistence):     http.StatusInternalServerError,
	}
	for err, want := range cases {
		rec := do(t, paperServer(&fakePapers{err: err}), http.MethodPost, "/v1/papers/p1/reanalyze", "")
		require.Equal(t, want, rec.Code, err.Error())
	}
}

func TestDeletePaper(t *testing.T) {
	t.Parallel()

	p := &fakePapers{analyses: map[string]crawler.PaperAnalysis{"p1": {PaperID: "p1"}}}
	h := paperServer(p)

	rec := do(t, h, http.MethodDelete, "/v1/papers/p1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"p1"}, p.deleted)

	rec = do(t, h, http.MethodDelete, "/v1/papers/p2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
