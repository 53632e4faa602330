package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

func TestNewChromedpDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, "body", fetcher.cfg.WaitSelector)
	require.Equal(t, defaultWaitTimeout, fetcher.cfg.WaitTimeout)
}

func TestTimeouts(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, defaultNavTimeout, fetcher.navTimeout())
	require.Equal(t, defaultWaitTimeout, fetcher.waitTimeout(crawler.FetchRequest{}))

	fetcher.cfg.NavigationTimeout = time.Second
	fetcher.cfg.WaitTimeout = 10 * time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
	require.Equal(t, 10*time.Second, fetcher.waitTimeout(crawler.FetchRequest{}))
	require.Equal(t, 2*time.Second, fetcher.waitTimeout(crawler.FetchRequest{Timeout: 2 * time.Second}))
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2)
	require.Nil(t, cloneHeader(nil))

	netHeaders := toNetworkHeaders(src)
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "1", netHeaders["X-One"])
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeScript,
		Response: &network.Response{
			Status: 500,
			URL:    "https://example.edu/app.js",
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.edu/faculty",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.edu/faculty", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, _, url = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, f.acquire(ctx))
	f.release()
	require.NoError(t, f.acquire(context.Background()))
}
