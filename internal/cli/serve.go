package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offcache/internal/config"
)

const adminPrefix = "/_offcache/"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(flagConfig)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.serve(cmd.Context())
	},
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.prepare(ctx)

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	if a.cfg.StatsEveryDur > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.statsLoop(ctx, a.cfg.StatsEveryDur)
		}()
	}

	go func() {
		a.log.Info("offcache listening", zap.String("addr", addr), zap.String("origin", a.cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// prepare installs the current version and, only when that succeeds, drops
// the caches of older versions. A failed install keeps serving from whatever
// is cached.
func (a *app) prepare(ctx context.Context) {
	if err := a.ctrl.Install(ctx); err != nil {
		a.log.Warn("install failed, keeping previous caches", zap.Error(err))
		return
	}
	if err := a.ctrl.Activate(ctx); err != nil {
		a.log.Warn("activate failed", zap.Error(err))
	}
}

// handler serves the admin endpoints and /metrics, and proxies the rest.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+adminPrefix+"stats", a.handleStats)
	mux.HandleFunc("POST "+adminPrefix+"clear", a.handleClear)
	mux.HandleFunc("POST "+adminPrefix+"replay", a.handleReplay)
	mux.HandleFunc("GET "+adminPrefix+"pending", a.handlePending)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	mux.Handle("/", a.proxy)
	return mux
}

type statsResponse struct {
	Assets           any  `json:"assets"`
	Proxy            any  `json:"proxy"`
	PendingMutations int  `json:"pendingMutations"`
	Offline          bool `json:"offline"`
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	usage, err := a.assets.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := a.ctrl.Pending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Assets:           usage,
		Proxy:            a.proxy.Stats(),
		PendingMutations: len(pending),
		Offline:          a.ctrl.Offline(),
	})
}

func (a *app) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := a.assets.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (a *app) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := a.ctrl.Online(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type pendingView struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	BodyBytes  int       `json:"bodyBytes"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (a *app) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := a.ctrl.Pending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]pendingView, 0, len(pending))
	for _, m := range pending {
		out = append(out, pendingView{
			ID:         m.ID,
			Method:     m.Method,
			URL:        m.URL,
			BodyBytes:  len(m.Body),
			EnqueuedAt: time.Unix(0, m.EnqueuedAt).UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *app) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.logStats(ctx)
		}
	}
}

func (a *app) logStats(ctx context.Context) {
	usage, err := a.assets.Stats(ctx)
	if err != nil {
		a.log.Warn("stats unavailable", zap.Error(err))
		return
	}
	pending, _ := a.ctrl.Pending()
	ps := a.proxy.Stats()

	fields := []zap.Field{
		zap.Int("models", usage.ModelCount),
		zap.String("assetBytes", config.FormatBytes(uint64(usage.TotalSize))),
		zap.Float64("quotaPercent", usage.PercentUsed),
		zap.Int("pendingMutations", len(pending)),
		zap.Bool("offline", a.ctrl.Offline()),
		zap.Uint64("responses", ps.TotalResponses),
		zap.String("respMin", config.FormatBytes(ps.MinRespBytes)),
		zap.String("respAvg", config.FormatBytes(ps.AvgRespBytes)),
		zap.String("respMax", config.FormatBytes(ps.MaxRespBytes)),
	}
	for _, name := range ps.OutcomeNames() {
		fields = append(fields, zap.Uint64("outcome."+name, ps.Outcomes[name]))
	}
	a.log.Info("cache stats", fields...)
}
