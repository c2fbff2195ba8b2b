package offline

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Proxy serves client requests by forwarding them to the origin through the
// controller, so any HTTP client can use the offline strategies.
type Proxy struct {
	ctrl   *Controller
	origin *url.URL
	log    *zap.Logger
	stats  *statsCollector
}

func NewProxy(ctrl *Controller) *Proxy {
	return &Proxy{ctrl: ctrl, origin: ctrl.origin, log: ctrl.log, stats: newStatsCollector()}
}

// Stats reports the traffic served so far.
func (p *Proxy) Stats() StatsSnapshot {
	return p.stats.snapshot()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := p.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})

	out := r.Clone(r.Context())
	out.URL = target
	out.Host = p.origin.Host
	out.RequestURI = ""
	out.Header = make(http.Header, len(r.Header))
	copyHeaders(out.Header, r.Header)
	out.Header.Set("Accept-Encoding", "identity")
	if r.ContentLength == 0 {
		out.Body = http.NoBody
	}

	resp, err := p.ctrl.RoundTrip(out)
	if err != nil {
		p.log.Debug("proxy upstream failed", zap.String("url", target.String()), zap.Error(err))
		setOutcomeHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		p.stats.observe("bad-gateway", 0)
		return
	}
	defer resp.Body.Close()
	n := writeResponse(w, resp)
	p.stats.observe(resp.Header.Get(HeaderOutcome), n)
}

// writeResponse copies resp to w and returns the body bytes written.
func writeResponse(w http.ResponseWriter, resp *http.Response) int64 {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, HeaderOutcome) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), resp.Header.Get(HeaderOutcome))
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(HeaderOutcome, outcome)
	}
	// Browsers hide custom headers from CORS callers unless exposed.
	ensureExposedHeader(h, HeaderOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
