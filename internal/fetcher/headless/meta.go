package headless

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// documentTrace follows the main frame's document through redirects so a
// browser fetch reports the same status, headers and redirect chain the HTTP
// path would. Iframe documents and subresources are ignored.
type documentTrace struct {
	mu        sync.Mutex
	frame     cdp.FrameID
	redirects []int
	status    int
	headers   http.Header
	url       string
}

func newDocumentTrace() *documentTrace {
	return &documentTrace{}
}

// observe is registered with chromedp.ListenTarget.
func (d *documentTrace) observe(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Type != network.ResourceTypeDocument || e.RedirectResponse == nil {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.mainFrame(e.FrameID) {
			d.redirects = append(d.redirects, int(e.RedirectResponse.Status))
		}
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.mainFrame(e.FrameID) {
			d.status = int(e.Response.Status)
			d.headers = headersFrom(e.Response.Headers)
			d.url = e.Response.URL
		}
	}
}

// mainFrame pins the first frame seen. Callers hold mu.
func (d *documentTrace) mainFrame(id cdp.FrameID) bool {
	if d.frame == "" {
		d.frame = id
	}
	return d.frame == id
}

// result fills gaps from the browser location and the requested URL. A page
// that rendered without a captured response counts as 200.
func (d *documentTrace) result(requestURL, location string) (status int, headers http.Header, url string, chain []int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, url = d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	headers = d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	chain = append(append([]int(nil), d.redirects...), status)
	return status, headers, url, chain
}

func headersFrom(raw network.Headers) http.Header {
	out := make(http.Header, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, s := range v {
				out.Add(key, s)
			}
		case []any:
			for _, s := range v {
				out.Add(key, fmt.Sprint(s))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
