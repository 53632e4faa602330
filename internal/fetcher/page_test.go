package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/headless/optimizer"
)

type fakeFetcher struct {
	mu       sync.Mutex
	body     string
	status   int
	err      error
	calls    int
	requests []crawler.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, request)
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return crawler.FetchResponse{
		URL:        request.URL,
		StatusCode: status,
		Body:       []byte(f.body),
		Duration:   10 * time.Millisecond,
	}, nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]string
	setErr  error
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]string{}}
}

func (c *mapCache) Get(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	html, ok := c.entries[url]
	return html, ok
}

func (c *mapCache) Set(url, html string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[url] = html
	return nil
}

const staticPage = `<html><body><h1>Faculty</h1><p>` +
	`Professors of the department of computer science and engineering work on systems, ` +
	`theory, and applications. Visit the department office for more information about ` +
	`admissions, courses and research opportunities for students.</p></body></html>`

const spaShell = `<html><body><div id="root"></div>` +
	`<script src="/react-dom.js"></script><script>fetch("/api/people")</script></body></html>`

func TestFetchPageCacheHit(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{body: staticPage}
	cache := newMapCache()
	cache.entries["https://x.edu/cs/"] = "<html>cached</html>"

	f, err := New(Config{}, plain, nil, cache, nil, nil)
	require.NoError(t, err)

	page, err := f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/cs/", UseCache: true})
	require.NoError(t, err)
	require.Equal(t, "<html>cached</html>", page.HTML)
	require.True(t, page.Stats.FromCache)
	require.Zero(t, plain.calls)
}

func TestFetchPageBypassesCacheWhenDisabledButStillPopulates(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{body: staticPage}
	cache := newMapCache()
	cache.entries["https://x.edu/cs/"] = "stale"

	f, err := New(Config{Timeout: time.Second}, plain, nil, cache, nil, nil)
	require.NoError(t, err)

	page, err := f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/cs/"})
	require.NoError(t, err)
	require.Equal(t, staticPage, page.HTML)
	require.False(t, page.Stats.FromCache)
	require.Equal(t, 1, plain.calls)
	require.Equal(t, time.Second, plain.requests[0].Timeout)
	require.Equal(t, "x.edu", plain.requests[0].Domain)

	got, ok := cache.Get("https://x.edu/cs/")
	require.True(t, ok)
	require.Equal(t, staticPage, got)
}

func TestFetchPageSoftNotFound(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{body: "<h1>404</h1> Page not found"}
	cache := newMapCache()
	f, err := New(Config{}, plain, nil, cache, nil, nil)
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/missing"})
	require.ErrorIs(t, err, crawler.ErrFetch)
	require.Empty(t, cache.entries)
}

func TestFetchPagePlainErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.Join(crawler.ErrFetchTimeout, errors.New("slow"))
	f, err := New(Config{}, &fakeFetcher{err: boom}, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/"})
	require.ErrorIs(t, err, crawler.ErrFetchTimeout)
}

func TestFetchPageRendersWhenOptimizerSaysSo(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{body: spaShell}
	renderer := &fakeFetcher{body: staticPage}
	cache := newMapCache()
	f, err := New(Config{WaitSelector: ".faculty"}, plain, renderer, cache, optimizer.New(0, nil), nil)
	require.NoError(t, err)

	page, err := f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://spa.edu/people"})
	require.NoError(t, err)
	require.True(t, page.Stats.Rendered)
	require.Contains(t, page.Stats.RenderReason, "React")
	require.Equal(t, staticPage, page.HTML)
	require.Equal(t, ".faculty", renderer.requests[0].WaitSelector)
	require.Equal(t, staticPage, cache.entries["https://spa.edu/people"])
}

func TestFetchPageSkipsRenderForStaticOrNoRender(t *testing.T) {
	t.Parallel()

	renderer := &fakeFetcher{body: "rendered"}
	f, err := New(Config{}, &fakeFetcher{body: staticPage}, renderer, nil, nil, nil)
	require.NoError(t, err)
	page, err := f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/"})
	require.NoError(t, err)
	require.False(t, page.Stats.Rendered)

	f, err = New(Config{}, &fakeFetcher{body: spaShell}, renderer, nil, nil, nil)
	require.NoError(t, err)
	page, err = f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/", NoRender: true})
	require.NoError(t, err)
	require.False(t, page.Stats.Rendered)
	require.Zero(t, renderer.calls)
}

func TestFetchPageForceRenderAndRenderError(t *testing.T) {
	t.Parallel()

	renderer := &fakeFetcher{err: crawler.ErrRender}
	f, err := New(Config{}, &fakeFetcher{body: staticPage}, renderer, nil, nil, nil)
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/", ForceRender: true})
	require.ErrorIs(t, err, crawler.ErrRender)
	require.Equal(t, 1, renderer.calls)
}

func TestFetchPageCacheWriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	cache := newMapCache()
	cache.setErr = errors.New("disk full")
	f, err := New(Config{}, &fakeFetcher{body: staticPage}, nil, cache, nil, nil)
	require.NoError(t, err)

	page, err := f.FetchPage(context.Background(), crawler.FetchRequest{URL: "https://x.edu/"})
	require.NoError(t, err)
	require.Equal(t, staticPage, page.HTML)
}

func TestFetchPageMergesDefaultHeaders(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{body: staticPage}
	f, err := New(Config{Headers: map[string]string{"Accept-Language": "ko,en", "X-Trace": "default"}}, plain, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), crawler.FetchRequest{
		URL:     "https://x.edu/",
		Headers: http.Header{"X-Trace": {"request"}},
	})
	require.NoError(t, err)
	require.Equal(t, "ko,en", plain.requests[0].Headers.Get("Accept-Language"))
	require.Equal(t, "request", plain.requests[0].Headers.Get("X-Trace"))
}

func TestIsSoftNotFound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		html    string
		markers []string
		want    bool
	}{
		{name: "classic", html: "<h1>404</h1> Page not found", want: true},
		{name: "upper case", html: "ERROR 404 - NOT FOUND", want: true},
		{name: "404 alone", html: "room 404, building 301", want: false},
		{name: "not found alone", html: "results not found", want: false},
		{name: "site marker", html: "<p>페이지를 찾을 수 없습니다</p>", markers: []string{"페이지를 찾을 수 없습니다"}, want: true},
		{name: "blank marker ignored", html: "fine", markers: []string{"  "}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsSoftNotFound(tc.html, tc.markers))
		})
	}
}

func TestNewRequiresPlainFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
