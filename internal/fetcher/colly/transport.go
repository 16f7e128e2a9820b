package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"
)

// RobotsFallbackHeader marks a synthetic allow-all robots.txt response served
// after the real one kept timing out.
const RobotsFallbackHeader = "X-Robots-Fallback"

const fallbackReasonTimeout = "discovery fetch timed out"

var discoveryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type discoveryKind int

const (
	kindPage discoveryKind = iota
	kindRobots
	kindSitemap
)

// discoveryTransport retries timed-out robots.txt and sitemap requests. A
// robots.txt that never arrives degrades to allow-all; a sitemap surfaces the
// last error. Page requests are never retried here, the frontier owns that.
type discoveryTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
}

func newDiscoveryTransport(base http.RoundTripper) *discoveryTransport {
	return &discoveryTransport{base: base, backoff: discoveryBackoff}
}

func (t *discoveryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("discovery transport: nil request")
	}
	kind := classify(req.URL.Path)
	if kind == kindPage {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Redacted(), err)
		}
		return resp, nil
	}

	var lastErr error
	for attempt := 0; attempt <= len(t.backoff); attempt++ {
		if attempt > 0 {
			if err := pause(req.Context(), t.backoff[attempt-1]); err != nil {
				return nil, err
			}
		}
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Redacted(), err)
		}
		lastErr = err
	}
	if kind == kindRobots {
		return allowAllRobots(req), nil
	}
	return nil, fmt.Errorf("sitemap %s: %d attempts timed out: %w", req.URL.Redacted(), len(t.backoff)+1, lastErr)
}

func classify(p string) discoveryKind {
	lower := strings.ToLower(p)
	if lower == "/robots.txt" {
		return kindRobots
	}
	base := path.Base(lower)
	if strings.HasPrefix(base, "sitemap") && (strings.HasSuffix(base, ".xml") || strings.HasSuffix(base, ".xml.gz")) {
		return kindSitemap
	}
	return kindPage
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("discovery retry: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	header := make(http.Header)
	header.Set("Content-Type", "text/plain")
	header.Set(RobotsFallbackHeader, fallbackReasonTimeout)
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        header,
		Request:       req,
	}
}

// isTimeout covers dial, TLS handshake and response header timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
