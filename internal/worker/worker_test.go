package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/analysis"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawl"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/extract"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/fetcher"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/llm"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/llm/mock"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/monitor"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
	pubmemory "github.com/JakeFAU/academic-crawl-pipeline/internal/publisher/memory"
	memqueue "github.com/JakeFAU/academic-crawl-pipeline/internal/queue/memory"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/storage/memory"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/store"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/vector"
)

const deptURL = "https://example.edu/cs/"

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
	block bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.URL]++
	body, ok := f.pages[req.URL]
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return crawler.FetchResponse{}, fmt.Errorf("%w: %s: %w", crawler.ErrFetchTimeout, req.URL, ctx.Err())
	}
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("%w: %s returned status 404", crawler.ErrFetch, req.URL)
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Duration:   time.Millisecond,
	}, nil
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) byStage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, e := range c.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	queue   *memqueue.Queue
	store   *memory.Store
	monitor *monitor.Monitor
	pub     *pubmemory.Publisher
	events  *captureEmitter
	fetcher *fakeFetcher
	vectors *vector.MemoryStore
	worker  *Worker
}

func noSleep(context.Context, time.Duration) error { return nil }

func newHarness(t *testing.T, pages map[string]string, backend llm.Backend) *harness {
	t.Helper()
	h := &harness{
		queue:   memqueue.NewQueue(100, nil),
		store:   memory.NewStore(nil),
		monitor: monitor.New(0, nil),
		pub:     pubmemory.New(),
		events:  &captureEmitter{},
		fetcher: &fakeFetcher{pages: pages},
		vectors: vector.NewMemoryStore(),
	}
	pageFetcher, err := fetcher.New(fetcher.Config{}, h.fetcher, nil, nil, nil, nil)
	require.NoError(t, err)
	registry, err := selectors.Default()
	require.NoError(t, err)
	crawl, err := crawl.New(crawl.Config{FollowProfessorPages: true}, pageFetcher, extract.New(nil), registry,
		crawl.WithSleeper(noSleep))
	require.NoError(t, err)

	analyzer, err := llm.New(backend, llm.Config{}, nil, nil)
	require.NoError(t, err)
	index, err := vector.New(vector.NewHashingEmbedder(0), h.vectors, nil)
	require.NoError(t, err)
	stage, err := analysis.New(analysis.Deps{
		Analyzer:  analyzer,
		Store:     h.store,
		Index:     index,
		Errors:    h.monitor,
		Emitter:   h.events,
		Publisher: h.pub,
	})
	require.NoError(t, err)

	h.worker, err = New(Config{ID: "worker-0", IdlePoll: time.Millisecond}, Deps{
		Queue:     h.queue,
		Crawler:   crawl,
		Store:     h.store,
		Analysis:  stage,
		Metrics:   h.monitor,
		Emitter:   h.events,
		Publisher: h.pub,
		Sleep:     noSleep,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) submit(t *testing.T, university, department string) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), &crawler.CrawlTask{
		URL:        deptURL,
		University: university,
		Department: department,
		MaxRetries: crawler.DefaultMaxRetries,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, id string) *crawler.CrawlTask {
	t.Helper()
	task, err := h.queue.Task(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) processOne(t *testing.T) {
	t.Helper()
	ok, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

// S1: a single department page with one mailto professor.
func TestHappyPathSinglePage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		deptURL: `<html><body><a href="mailto:jane@x.edu">Prof. Jane Doe</a></body></html>`,
	}, mock.New())
	id := h.submit(t, "X Univ", "CS")
	h.processOne(t)

	require.Equal(t, crawler.TaskStatusCompleted, h.status(t, id).Status)

	profs, err := h.store.Professors(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, profs, 1)
	require.Equal(t, "Jane Doe", profs[0].Name)
	require.Equal(t, "jane@x.edu", profs[0].Email)
	require.InDelta(t, 0.8, profs[0].Confidence, 1e-9)
	require.Equal(t, "X Univ", profs[0].University)
	require.NotEmpty(t, profs[0].DepartmentID)

	result, err := h.store.TaskResult(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, result.Stats.PagesCrawled)

	row, ok := h.store.Task(id)
	require.True(t, ok)
	require.Equal(t, crawler.TaskStatusCompleted, row.Status)

	stats := h.worker.Stats()
	require.Equal(t, 1, stats.TasksProcessed)
	require.Zero(t, stats.TasksFailed)
	require.Empty(t, stats.CurrentTask)

	cur := h.monitor.Current()
	require.Equal(t, 1, cur.Processed)
	require.InDelta(t, 100.0, cur.SuccessRate, 1e-9)

	done := h.events.byStage(progress.StageTaskDone)
	require.Len(t, done, 1)
	require.Equal(t, 1, done[0].Pages)
	require.NoError(t, done[0].Validate())

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, TopicTaskCompleted, msgs[0].Topic)
	require.Equal(t, id, msgs[0].Payload.(TaskCompletedMessage).TaskID)
}

// S2: the department page links two professor pages, each citing one paper.
func TestMultiPageDiscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		deptURL: `<html><body><h1>Faculty</h1><ul>
<li><a href="/cs/people/jane">Prof. Jane Doe</a></li>
<li><a href="/cs/people/john">Prof. John Roe</a></li>
</ul></body></html>`,
		"https://example.edu/cs/people/jane": `<html><body><h1>Prof. Jane Doe</h1><p>Email: jane@x.edu</p>` +
			`<p>Smith, A., 2023, Foo, Bar Journal</p></body></html>`,
		"https://example.edu/cs/people/john": `<html><body><h1>Prof. John Roe</h1><p>Email: john@x.edu</p>` +
			`<p>Roe, J., 2022, Consensus, Systems Journal</p></body></html>`,
	}, mock.New())
	id := h.submit(t, "X Univ", "CS")
	h.processOne(t)

	require.Equal(t, crawler.TaskStatusCompleted, h.status(t, id).Status)
	result, err := h.store.TaskResult(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 3, result.Stats.PagesCrawled)

	profs, err := h.store.Professors(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, profs, 2)

	papers := h.store.Papers()
	require.Len(t, papers, 2)
	for _, p := range papers {
		require.Equal(t, crawler.MethodCitation, p.ExtractionMethod)
		require.InDelta(t, 0.85, p.Confidence, 1e-9)
	}

	// Both papers were analyzed and indexed after the crawl committed.
	for _, p := range papers {
		_, err := h.store.Analysis(context.Background(), p.ID)
		require.NoError(t, err)
		_, ok := h.vectors.Get(p.ID)
		require.True(t, ok)
	}
	require.Len(t, h.events.byStage(progress.StageAnalysisDone), 2)
}

// Re-running the same department adds no duplicate entities.
func TestResubmitIsIdempotentOnEntities(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		deptURL: `<html><body><a href="mailto:jane@x.edu">Prof. Jane Doe</a></body></html>`,
	}, mock.New())
	first := h.submit(t, "X Univ", "CS")
	h.processOne(t)
	second := h.submit(t, "X Univ", "CS")
	h.processOne(t)

	require.NotEqual(t, first, second)
	counts := h.store.Counts()
	require.Equal(t, 2, counts.Tasks)
	require.Equal(t, 2, counts.Results)
	require.Equal(t, 1, counts.Departments)
	require.Equal(t, 1, counts.Professors)
}

type countingBackend struct {
	llm.Backend
	calls atomic.Int32
}

func (c *countingBackend) Complete(ctx context.Context, prompt string) (string, error) {
	c.calls.Add(1)
	return c.Backend.Complete(ctx, prompt)
}

// Re-crawling a department leaves existing analyses untouched.
func TestResubmitKeepsStoredAnalysis(t *testing.T) {
	t.Parallel()

	backend := &countingBackend{Backend: mock.New()}
	h := newHarness(t, map[string]string{
		deptURL: `<html><body><h1>Prof. Jane Doe</h1><p>Email: jane@x.edu</p>` +
			`<p>Smith, A., 2023, Foo, Bar Journal</p></body></html>`,
	}, backend)
	h.submit(t, "X Univ", "CS")
	h.processOne(t)
	require.EqualValues(t, 1, backend.calls.Load())

	papers := h.store.Papers()
	require.Len(t, papers, 1)
	before, err := h.store.Analysis(context.Background(), papers[0].ID)
	require.NoError(t, err)

	h.submit(t, "X Univ", "CS")
	h.processOne(t)

	require.EqualValues(t, 1, backend.calls.Load())
	after, err := h.store.Analysis(context.Background(), papers[0].ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Len(t, h.events.byStage(progress.StageAnalysisDone), 1)
	require.Equal(t, 1, h.store.Counts().Analyses)
}

// S3: a soft-404 department page fails the task until retries run out.
func TestSoftNotFoundRetriesThenFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{deptURL: "<h1>404</h1> Page not found"}, mock.New())
	id := h.submit(t, "X Univ", "CS")

	h.processOne(t)
	task := h.status(t, id)
	require.Equal(t, crawler.TaskStatusRetrying, task.Status)
	require.Equal(t, 1, task.RetryCount)
	require.Contains(t, task.LastError, "soft 404")

	for i := 0; i < crawler.DefaultMaxRetries; i++ {
		h.processOne(t)
	}
	task = h.status(t, id)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
	require.Equal(t, crawler.DefaultMaxRetries, task.RetryCount)
	require.Equal(t, crawler.DefaultMaxRetries+1, h.fetcher.count(deptURL))

	ok, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	counts := h.store.Counts()
	require.Equal(t, memory.Counts{}, counts)

	errs := h.events.byStage(progress.StageTaskError)
	require.Len(t, errs, crawler.DefaultMaxRetries+1)
	require.Equal(t, "FetchError", errs[0].ErrorKind)

	stats := h.worker.Stats()
	require.Equal(t, crawler.DefaultMaxRetries+1, stats.TasksFailed)
	require.InDelta(t, 0.0, h.monitor.Current().SuccessRate, 1e-9)
	require.Empty(t, h.pub.Messages())
}

// S4: an unparsable LLM reply leaves the crawl committed and the paper
// unanalyzed.
func TestLLMParseFailureIsIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		deptURL: `<html><body><h1>Prof. Jane Doe</h1><p>Email: jane@x.edu</p>` +
			`<p>Smith, A., 2023, Foo, Bar Journal</p></body></html>`,
	}, &mock.Backend{Fixed: "I refuse"})
	id := h.submit(t, "X Univ", "CS")
	h.processOne(t)

	require.Equal(t, crawler.TaskStatusCompleted, h.status(t, id).Status)
	papers := h.store.Papers()
	require.Len(t, papers, 1)
	_, err := h.store.Analysis(context.Background(), papers[0].ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	cur := h.monitor.Current()
	require.InDelta(t, 100.0, cur.SuccessRate, 1e-9)
	require.Len(t, cur.LastErrors, 1)
	require.Equal(t, "LLMParseError", cur.LastErrors[0].Kind)

	n, err := h.vectors.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

type failingStore struct {
	*memory.Store
}

func (f failingStore) InSession(ctx context.Context, fn func(ctx context.Context, s store.Session) error) error {
	return f.Store.InSession(ctx, func(ctx context.Context, s store.Session) error {
		if err := fn(ctx, s); err != nil {
			return err
		}
		return fmt.Errorf("%w: connection reset", crawler.ErrPersistence)
	})
}

func TestPersistenceFailureRetriesWithoutRows(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		deptURL: `<html><body><a href="mailto:jane@x.edu">Prof. Jane Doe</a></body></html>`,
	}, mock.New())
	h.worker.store = failingStore{h.store}
	id := h.submit(t, "X Univ", "CS")
	h.processOne(t)

	task := h.status(t, id)
	require.Equal(t, crawler.TaskStatusRetrying, task.Status)
	require.Equal(t, memory.Counts{}, h.store.Counts())
	require.Equal(t, "PersistenceError", h.events.byStage(progress.StageTaskError)[0].ErrorKind)
}

func TestTaskTimeoutFailsTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{}, mock.New())
	h.fetcher.block = true
	id, err := h.queue.Enqueue(context.Background(), &crawler.CrawlTask{
		URL:        deptURL,
		University: "X Univ",
		MaxRetries: 0,
		Options:    crawler.TaskOptions{Timeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	h.processOne(t)

	task := h.status(t, id)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
	require.Equal(t, "FetchTimeout", h.events.byStage(progress.StageTaskError)[0].ErrorKind)
}

func TestRunStopsOnStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		deptURL: `<html><body><a href="mailto:jane@x.edu">Prof. Jane Doe</a></body></html>`,
	}, mock.New())
	id := h.submit(t, "X Univ", "CS")

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		return h.status(t, id).Status == crawler.TaskStatusCompleted
	}, time.Second, 5*time.Millisecond)

	h.worker.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{}, mock.New())
	h.worker.sleep = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	_, err = New(Config{ID: "w"}, Deps{})
	require.Error(t, err)
}
