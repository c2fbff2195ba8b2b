package offline

import (
	"net/http"
	"path"
	"sort"
	"strings"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".avif": true, ".svg": true, ".ico": true,
}

type router struct {
	origin      originMatcher
	apiPrefixes []string

	// longest prefix first
	placeholders []placeholder
}

type placeholder struct {
	prefix string
	target string
}

type originMatcher struct {
	scheme string
	host   string
}

func (m originMatcher) match(req *http.Request) bool {
	return strings.EqualFold(req.URL.Scheme, m.scheme) && strings.EqualFold(req.URL.Host, m.host)
}

func newRouter(origin originMatcher, apiPrefixes []string, placeholders map[string]string) router {
	r := router{origin: origin, apiPrefixes: append([]string(nil), apiPrefixes...)}
	for prefix, target := range placeholders {
		r.placeholders = append(r.placeholders, placeholder{prefix: prefix, target: target})
	}
	sort.Slice(r.placeholders, func(i, j int) bool {
		a, b := r.placeholders[i].prefix, r.placeholders[j].prefix
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return r
}

// route picks the strategy for req. It depends only on the request method,
// URL and headers.
func (r router) route(req *http.Request) Strategy {
	if !r.origin.match(req) || req.Method != http.MethodGet {
		return StrategyBypass
	}
	p := req.URL.Path
	for _, prefix := range r.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return StrategyNetworkFirst
		}
	}
	if isDocument(req) {
		return StrategyNetworkFirstPage
	}
	if isImage(req) {
		return StrategyCacheFirst
	}
	return StrategyStaleWhileRevalidate
}

func isDocument(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func isImage(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "image"
	}
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return true
	}
	return imageExts[strings.ToLower(path.Ext(req.URL.Path))]
}

// placeholderFor returns the placeholder image path for p, if any.
func (r router) placeholderFor(p string) (string, bool) {
	for _, ph := range r.placeholders {
		if strings.HasPrefix(p, ph.prefix) {
			return ph.target, true
		}
	}
	return "", false
}

func (r router) placeholderTargets() []string {
	seen := map[string]bool{}
	var out []string
	for _, ph := range r.placeholders {
		if seen[ph.target] {
			continue
		}
		seen[ph.target] = true
		out = append(out, ph.target)
	}
	return out
}
