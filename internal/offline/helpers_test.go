package offline

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offcache/internal/kv"
)

const testOrigin = "https://app.test"

var errNetDown = errors.New("dial tcp: network is unreachable")

// fakeNet serves requests from handler in-process and can be switched off.
type fakeNet struct {
	handler http.Handler

	mu    sync.Mutex
	down  bool
	calls []string
	hook  func(*http.Request)
}

func newFakeNet(h http.Handler) *fakeNet { return &fakeNet{handler: h} }

func (f *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.Path)
	down, hook := f.down, f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if down {
		return nil, errNetDown
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (f *fakeNet) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeNet) setHook(h func(*http.Request)) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
}

// count returns how many calls matched "METHOD /path".
func (f *fakeNet) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func newTestController(t *testing.T, next http.RoundTripper, mods ...func(*Options)) (*Controller, *kv.Store) {
	t.Helper()
	store, err := kv.OpenMem()
	require.NoError(t, err)

	origin, _ := url.Parse(testOrigin)
	opts := Options{
		Origin:       origin,
		Version:      "v1",
		APIPrefixes:  []string{"/api/"},
		Precache:     []string{"/", "/app.js"},
		OfflinePage:  "/offline.html",
		Placeholders: map[string]string{"/avatars/": "/img/placeholder.png"},
		ProbeEvery:   time.Hour,
	}
	for _, m := range mods {
		m(&opts)
	}
	c, err := New(store, next, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		_ = store.Close()
	})
	return c, store
}

func get(t *testing.T, c *Controller, path string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := c.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func siteHandler() *http.ServeMux {
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.HandleFunc("/{$}", page("<h1>home</h1>"))
	mux.HandleFunc("/book", page("<h1>book</h1>"))
	mux.HandleFunc("/offline.html", page("<h1>offline</h1>"))
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("console.log(1)"))
	})
	mux.HandleFunc("/img/placeholder.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("placeholder"))
	})
	return mux
}
