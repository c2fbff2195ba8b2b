package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offcache/internal/assets"
	"offcache/internal/config"
	"offcache/internal/kv"
	"offcache/internal/logger"
	"offcache/internal/offline"
)

// switchNet fails every request while down is set.
type switchNet struct {
	down atomic.Bool
}

func (s *switchNet) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, errors.New("network unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type originServer struct {
	*httptest.Server
	bookings atomic.Int32
}

func newOrigin(t *testing.T) *originServer {
	t.Helper()
	o := &originServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<h1>home</h1>")
	})
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<h1>offline</h1>")
	})
	mux.HandleFunc("/images/placeholder-avatar.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/models/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{1}, 100))
	})
	mux.HandleFunc("POST /api/bookings", func(w http.ResponseWriter, r *http.Request) {
		o.bookings.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func testConfig(t *testing.T, origin, storage string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  origin: %s
storage:
  path: %s
assets:
  deviceQuota: 1m
offline:
  precache: [/]
logging:
  level: error
`, origin, storage)))
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T) (*app, *originServer, *switchNet) {
	t.Helper()
	origin := newOrigin(t)
	store, err := kv.OpenMem()
	require.NoError(t, err)
	net := &switchNet{}
	a, err := newApp(testConfig(t, origin.URL, "unused"), logger.Nop(), store, net)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, origin, net
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, body))
	return w
}

func TestAdminStatsAndClear(t *testing.T) {
	a, origin, _ := newTestApp(t)
	h := a.handler()

	_, err := a.assets.GetModel(context.Background(), origin.URL+"/models/lips.glb", "makeup", nil)
	require.NoError(t, err)

	w := do(t, h, http.MethodGet, "/_offcache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Assets           assets.UsageSummary `json:"assets"`
		PendingMutations int                 `json:"pendingMutations"`
		Offline          bool                `json:"offline"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Assets.ModelCount)
	assert.Equal(t, int64(100), got.Assets.TotalSize)
	assert.Equal(t, int64(1<<20), got.Assets.DeviceQuota)
	assert.False(t, got.Offline)

	w = do(t, h, http.MethodPost, "/_offcache/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stats, err := a.assets.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.ModelCount)
}

func TestAdminPendingAndReplay(t *testing.T) {
	a, origin, net := newTestApp(t)
	h := a.handler()

	net.down.Store(true)
	w := do(t, h, http.MethodPost, "/api/bookings", strings.NewReader(`{"slot":9}`))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = do(t, h, http.MethodGet, "/_offcache/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []pendingView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, http.MethodPost, pending[0].Method)
	assert.Equal(t, origin.URL+"/api/bookings", pending[0].URL)
	assert.Equal(t, len(`{"slot":9}`), pending[0].BodyBytes)
	assert.True(t, a.ctrl.Offline())

	net.down.Store(false)
	w = do(t, h, http.MethodPost, "/_offcache/replay", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res offline.ReplayResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, offline.ReplayResult{Replayed: 1, Remaining: 0}, res)
	assert.Equal(t, int32(1), origin.bookings.Load())

	w = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "offcache_mutations_queued_total 1")
	assert.Contains(t, w.Body.String(), "offcache_mutations_replayed_total 1")
}

func TestHandlerProxiesOrigin(t *testing.T) {
	a, _, net := newTestApp(t)
	a.prepare(context.Background())
	h := a.handler()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>home</h1>", w.Body.String())
	assert.Equal(t, offline.OutcomeNetwork, w.Header().Get(offline.HeaderOutcome))

	net.down.Store(true)
	r = httptest.NewRequest(http.MethodGet, "/missing", nil)
	r.Header.Set("Accept", "text/html")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>offline</h1>", w.Body.String())
	assert.Equal(t, offline.OutcomeOfflinePage, w.Header().Get(offline.HeaderOutcome))
}

func TestResolveAsset(t *testing.T) {
	cfg := testConfig(t, "https://cdn.test", "unused")
	got, err := resolveAsset(cfg, "/models/a.glb")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/models/a.glb", got)

	got, err = resolveAsset(cfg, "https://other.test/b.glb")
	require.NoError(t, err)
	assert.Equal(t, "https://other.test/b.glb", got)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCacheCommands(t *testing.T) {
	origin := newOrigin(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "offcache.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
server:
  origin: %s
storage:
  path: %s
assets:
  deviceQuota: 1k
logging:
  level: error
`, origin.URL, filepath.Join(dir, "db"))), 0o644))

	out, err := execute(t, "--config", cfgPath, "prefetch", "/models/a.glb", "--type", "hairstyle")
	require.NoError(t, err)
	assert.Contains(t, out, origin.URL+"/models/a.glb\t100b")

	out, err = execute(t, "--config", cfgPath, "stats")
	require.NoError(t, err)
	var usage assets.UsageSummary
	require.NoError(t, json.Unmarshal([]byte(out), &usage))
	assert.Equal(t, 1, usage.ModelCount)
	assert.Equal(t, int64(100), usage.TotalSize)
	assert.InDelta(t, 100.0/1024*100, usage.PercentUsed, 0.01)

	out, err = execute(t, "--config", cfgPath, "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache cleared.")

	out, err = execute(t, "--config", cfgPath, "stats")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &usage))
	assert.Zero(t, usage.ModelCount)
}

func TestPrefetchReportsFailures(t *testing.T) {
	origin := newOrigin(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "offcache.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("server:\n  origin: %s\nstorage:\n  path: %s\nlogging:\n  level: error\n", origin.URL, filepath.Join(dir, "db"))), 0o644))

	_, err := execute(t, "--config", cfgPath, "prefetch", "/models/ok.glb", "/nope.glb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 models failed")
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "offcache version "+version+"\n", out)
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv(configEnv, "")
	assert.Equal(t, "/offcache.yaml", getenvDefault(configEnv, "/offcache.yaml"))
	t.Setenv(configEnv, "/etc/offcache.yaml")
	assert.Equal(t, "/etc/offcache.yaml", getenvDefault(configEnv, "/offcache.yaml"))
}
