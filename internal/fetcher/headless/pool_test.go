package headless

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{PoolSize: 0}, nil)
	require.Error(t, err)
	_, err = NewPool(Config{PoolSize: 1, RestartAfter: -1}, nil)
	require.Error(t, err)

	pool, err := NewPool(Config{PoolSize: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Len(t, pool.sessions, 2)
	require.Equal(t, 45*time.Second, pool.cfg.NavigationTimeout)
}

func TestPoolRoundRobinAndRestart(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{PoolSize: 2, RestartAfter: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var order []int
	for i := 0; i < 5; i++ {
		s, idx := pool.acquire()
		order = append(order, idx)
		s.mu.Unlock()
	}

	require.Equal(t, []int{0, 1, 0, 1, 0}, order)
	require.Equal(t, 1, pool.sessions[0].restarts, "third use of session 0 relaunches it")
	require.Equal(t, 1, pool.sessions[0].fetches)
	require.Zero(t, pool.sessions[1].restarts)
	require.Equal(t, 2, pool.sessions[1].fetches)
}

func TestFetchSurfacesLaunchFailure(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{PoolSize: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	pool.opts = append(pool.opts, chromedp.ExecPath(filepath.Join(t.TempDir(), "no-chrome")))
	s := pool.sessions[0]
	s.stop()
	pool.start(s)

	_, err = pool.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.edu/"})
	require.ErrorContains(t, err, "launch browser session 0")
	require.False(t, s.running)
	require.NotNil(t, s.browserCtx, "a fresh session is ready for the next attempt")
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "Accept": {"text/html"}, "Empty": {}}
	netHeaders := toNetworkHeaders(src)
	require.Equal(t, "text/html", netHeaders["Accept"])
	require.NotContains(t, netHeaders, "Empty")
	v, ok := netHeaders["X-Test"].([]string)
	require.True(t, ok, "expected []string, got %T", netHeaders["X-Test"])
	require.Len(t, v, 2)
}

func TestDocumentTraceFollowsMainFrame(t *testing.T) {
	t.Parallel()

	trace := newDocumentTrace()
	trace.observe(&network.EventRequestWillBeSent{
		Type:             network.ResourceTypeDocument,
		FrameID:          "main",
		RedirectResponse: &network.Response{Status: 301, URL: "http://example.edu/"},
	})
	trace.observe(&network.EventResponseReceived{
		Type:    network.ResourceTypeDocument,
		FrameID: "main",
		Response: &network.Response{
			Status:  403,
			URL:     "https://example.edu/",
			Headers: network.Headers{"Server": "cloudflare", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	trace.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		FrameID:  "ad-frame",
		Response: &network.Response{Status: 200, URL: "https://ads.example.com/"},
	})
	trace.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		FrameID:  "main",
		Response: &network.Response{Status: 200, URL: "https://example.edu/logo.png"},
	})

	status, headers, url, chain := trace.result("http://example.edu/", "https://example.edu/")
	require.Equal(t, 403, status)
	require.Equal(t, "cloudflare", headers.Get("Server"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	require.Equal(t, "https://example.edu/", url)
	require.Equal(t, []int{301, 403}, chain)
}

func TestDocumentTraceFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url, chain := newDocumentTrace().result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)
	require.Equal(t, []int{http.StatusOK}, chain)

	_, _, url, _ = newDocumentTrace().result("https://req", "")
	require.Equal(t, "https://req", url)
}
