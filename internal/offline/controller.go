// Package offline intercepts outgoing HTTP requests and serves them from a
// per-class cache when the network is unavailable. Failed mutations are kept
// in a durable queue and replayed once connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offcache/internal/kv"
	"offcache/internal/metrics"
)

const (
	revalidateSlots   = 32
	revalidateTimeout = 30 * time.Second
)

type Options struct {
	// Origin is the application origin; only its requests are intercepted.
	Origin *url.URL
	// Version suffixes every cache partition; Activate drops other versions.
	Version string

	APIPrefixes  []string
	Precache     []string
	OfflinePage  string
	Placeholders map[string]string

	ProbeURL   string
	ProbeEvery time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Controller is an http.RoundTripper that applies the offline strategies in
// front of next.
type Controller struct {
	store   *kv.Store
	next    http.RoundTripper
	origin  *url.URL
	version string
	router  router

	precache    []string
	offlinePage string

	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	queue   *mutationQueue
	watcher *watcher

	bgSem  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed sync.Once

	// bgMu orders wg.Add against Close; no refresh starts once closing is set.
	bgMu    sync.Mutex
	closing bool
}

// New builds a controller over store. A nil next uses http.DefaultTransport.
func New(store *kv.Store, next http.RoundTripper, opts Options) (*Controller, error) {
	if store == nil {
		return nil, errors.New("offline: store is required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("offline: absolute origin is required")
	}
	if opts.Version == "" || strings.Contains(opts.Version, "-") {
		return nil, fmt.Errorf("offline: invalid version %q", opts.Version)
	}
	if next == nil {
		next = http.DefaultTransport
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ProbeEvery <= 0 {
		opts.ProbeEvery = 15 * time.Second
	}
	if opts.ProbeURL == "" {
		opts.ProbeURL = "/"
	}

	c := &Controller{
		store:       store,
		next:        next,
		origin:      opts.Origin,
		version:     opts.Version,
		router:      newRouter(originMatcher{scheme: opts.Origin.Scheme, host: opts.Origin.Host}, opts.APIPrefixes, opts.Placeholders),
		precache:    append([]string(nil), opts.Precache...),
		offlinePage: opts.OfflinePage,
		log:         log.With(zap.String("component", "offline")),
		metrics:     opts.Metrics,
		now:         time.Now,
		bgSem:       make(chan struct{}, revalidateSlots),
		stopCh:      make(chan struct{}),
	}
	c.queue = &mutationQueue{store: store, metrics: opts.Metrics}
	c.watcher = newWatcher(c, c.resolve(opts.ProbeURL), opts.ProbeEvery)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watcher.loop(c.stopCh)
	}()

	return c, nil
}

// Close stops the connectivity watcher and waits for background refreshes.
func (c *Controller) Close() {
	c.bgMu.Lock()
	c.closing = true
	c.bgMu.Unlock()
	c.closed.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) partition(class string) string {
	return class + "-" + c.version
}

// resolve turns an origin-relative path into an absolute URL string.
func (c *Controller) resolve(p string) string {
	u, err := c.origin.Parse(p)
	if err != nil {
		return c.origin.String() + p
	}
	return u.String()
}

// Route reports the strategy RoundTrip would apply to req.
func (c *Controller) Route(req *http.Request) Strategy {
	return c.router.route(req)
}

// Offline reports whether the last network attempt failed.
func (c *Controller) Offline() bool {
	return c.watcher.isOffline()
}

func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	strategy := c.router.route(req)
	var (
		resp *http.Response
		err  error
	)
	switch strategy {
	case StrategyNetworkFirst:
		resp, err = c.networkFirstData(req)
	case StrategyNetworkFirstPage:
		resp, err = c.networkFirstPage(req)
	case StrategyCacheFirst:
		resp, err = c.cacheFirst(req)
	case StrategyStaleWhileRevalidate:
		resp, err = c.staleWhileRevalidate(req)
	default:
		if c.router.origin.match(req) && isMutation(req.Method) {
			return c.mutate(req)
		}
		return c.next.RoundTrip(req)
	}
	if resp != nil {
		c.metrics.ControllerResponse(strategy.Class(), resp.Header.Get(HeaderOutcome))
	}
	return resp, err
}

// fetch sends req to the network and snapshots the response. A non-nil error
// means the network itself failed.
func (c *Controller) fetch(req *http.Request) (HTTPEntry, error) {
	resp, err := c.next.RoundTrip(req)
	if err != nil {
		if req.Context().Err() == nil {
			c.watcher.markOffline()
		}
		return HTTPEntry{}, err
	}
	ent, err := snapshot(req, resp, c.now())
	if err != nil {
		return HTTPEntry{}, err
	}
	c.watcher.markOnline()
	return ent, nil
}

func (c *Controller) lookup(key string, classes ...string) (HTTPEntry, bool) {
	for _, class := range classes {
		b, err := c.store.Get(c.partition(class), key)
		if err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		var ent HTTPEntry
		if err := kv.DecodeGob(b, &ent); err != nil {
			c.log.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
			continue
		}
		return ent, true
	}
	return HTTPEntry{}, false
}

// put stores ent when it is a success response; anything else is ignored so a
// failure never replaces a good entry.
func (c *Controller) put(class string, ent HTTPEntry) {
	if !ok(ent.Status) {
		return
	}
	b, err := kv.EncodeGob(ent)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("url", ent.URL), zap.Error(err))
		return
	}
	if err := c.store.Put(c.partition(class), requestKey(ent.Method, ent.URL), b); err != nil {
		c.log.Warn("cache write failed", zap.String("url", ent.URL), zap.Error(err))
	}
}

func (c *Controller) networkFirstData(req *http.Request) (*http.Response, error) {
	key := requestKey(req.Method, canonicalURL(req))
	ent, err := c.fetch(req)
	if err == nil && ok(ent.Status) {
		c.put(partData, ent)
		return ent.response(req, OutcomeNetwork), nil
	}
	if cached, hit := c.lookup(key, partData); hit {
		return cached.response(req, OutcomeCache), nil
	}
	if err == nil {
		return ent.response(req, OutcomeNetwork), nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return c.offlineJSON(req), nil
}

func (c *Controller) networkFirstPage(req *http.Request) (*http.Response, error) {
	key := requestKey(req.Method, canonicalURL(req))
	ent, err := c.fetch(req)
	if err == nil && ok(ent.Status) {
		c.put(partShell, ent)
		return ent.response(req, OutcomeNetwork), nil
	}
	if cached, hit := c.lookup(key, partShell); hit {
		return cached.response(req, OutcomeCache), nil
	}
	if c.offlinePage != "" {
		if page, hit := c.lookup(requestKey(http.MethodGet, c.resolve(c.offlinePage)), partOffline); hit {
			return page.response(req, OutcomeOfflinePage), nil
		}
	}
	if err == nil {
		return ent.response(req, OutcomeNetwork), nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return textResponse(req, http.StatusServiceUnavailable, "offline", OutcomeOffline), nil
}

func (c *Controller) cacheFirst(req *http.Request) (*http.Response, error) {
	key := requestKey(req.Method, canonicalURL(req))
	if cached, hit := c.lookup(key, partStatic, partShell); hit {
		return cached.response(req, OutcomeCache), nil
	}
	ent, err := c.fetch(req)
	if err == nil && ok(ent.Status) {
		c.put(partStatic, ent)
		return ent.response(req, OutcomeNetwork), nil
	}
	if target, found := c.router.placeholderFor(req.URL.Path); found {
		if ph, hit := c.lookup(requestKey(http.MethodGet, c.resolve(target)), partShell, partStatic); hit {
			return ph.response(req, OutcomePlaceholder), nil
		}
	}
	if err == nil {
		return ent.response(req, OutcomeNetwork), nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return textResponse(req, http.StatusNotFound, "not found", OutcomeNotFound), nil
}

func (c *Controller) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	key := requestKey(req.Method, canonicalURL(req))
	if cached, hit := c.lookup(key, partStatic, partShell); hit {
		c.revalidateAsync(req)
		return cached.response(req, OutcomeStale), nil
	}
	ent, err := c.fetch(req)
	if err != nil {
		return nil, err
	}
	c.put(partStatic, ent)
	return ent.response(req, OutcomeNetwork), nil
}

// revalidateAsync refreshes the static entry for req in the background. The
// refresh is skipped when all slots are busy.
func (c *Controller) revalidateAsync(req *http.Request) {
	select {
	case c.bgSem <- struct{}{}:
	default:
		return
	}
	c.bgMu.Lock()
	if c.closing {
		c.bgMu.Unlock()
		<-c.bgSem
		return
	}
	c.wg.Add(1)
	c.bgMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), revalidateTimeout)
	bg := req.Clone(ctx)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.bgSem }()
		defer cancel()

		ent, err := c.fetch(bg)
		if err != nil {
			c.log.Debug("revalidate failed", zap.String("url", bg.URL.String()), zap.Error(err))
			return
		}
		c.put(partStatic, ent)
	}()
}

type offlineBody struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (c *Controller) offlineJSON(req *http.Request) *http.Response {
	b, _ := json.Marshal(offlineBody{
		Error:     "offline",
		Offline:   true,
		Message:   "network unavailable and no cached response",
		Timestamp: c.now().UTC().Format(time.RFC3339),
	})
	ent := HTTPEntry{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Cache-Control": {"no-store"},
		},
		Body: b,
	}
	return ent.response(req, OutcomeOffline)
}

func textResponse(req *http.Request, status int, msg, outcome string) *http.Response {
	ent := HTTPEntry{
		Status: status,
		Header: http.Header{
			"Content-Type":  {"text/plain; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte(msg + "\n"),
	}
	return ent.response(req, outcome)
}
