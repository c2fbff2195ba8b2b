package offline

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HeaderOutcome names how the controller produced a response.
const HeaderOutcome = "X-Offcache"

// Outcomes reported in HeaderOutcome.
const (
	OutcomeNetwork     = "network"
	OutcomeCache       = "cache"
	OutcomeStale       = "stale"
	OutcomeOfflinePage = "offline-page"
	OutcomePlaceholder = "placeholder"
	OutcomeOffline     = "offline"
	OutcomeNotFound    = "not-found"
	OutcomeBypass      = "bypass"
)

type Strategy string

const (
	StrategyBypass               Strategy = "bypass"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyNetworkFirstPage     Strategy = "network-first-page"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Class is the resource class a strategy serves; it names metrics labels.
func (s Strategy) Class() string {
	switch s {
	case StrategyNetworkFirst:
		return "data"
	case StrategyNetworkFirstPage:
		return "document"
	case StrategyCacheFirst:
		return "image"
	case StrategyStaleWhileRevalidate:
		return "static"
	default:
		return "bypass"
	}
}

// Cache partition classes. Each is suffixed with the controller version.
const (
	partShell   = "shell"
	partStatic  = "static"
	partOffline = "offline"
	partData    = "data"

	// Mutations survive version changes.
	partMutations = "mutations"
)

var versionedParts = []string{partShell, partStatic, partOffline, partData}

// HTTPEntry is a stored snapshot of a successful response.
type HTTPEntry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	CachedAt int64 // unix nanoseconds
}

// PendingMutation is a failed non-GET request waiting for replay.
type PendingMutation struct {
	ID         string // target URL
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	EnqueuedAt int64 // unix nanoseconds
}

func requestKey(method, rawURL string) string {
	return method + " " + rawURL
}

func ok(status int) bool { return status >= 200 && status < 300 }

func snapshot(req *http.Request, resp *http.Response, now time.Time) (HTTPEntry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPEntry{}, err
	}
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	h.Del(HeaderOutcome)
	return HTTPEntry{
		Method:   req.Method,
		URL:      canonicalURL(req),
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		CachedAt: now.UnixNano(),
	}, nil
}

func (e HTTPEntry) response(req *http.Request, outcome string) *http.Response {
	h := cloneHeader(e.Header)
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderOutcome, outcome)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// canonicalURL drops the fragment so page anchors share one entry.
func canonicalURL(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
