package cli

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"offcache/internal/assets"
	"offcache/internal/config"
	"offcache/internal/kv"
	"offcache/internal/logger"
	"offcache/internal/metrics"
	"offcache/internal/offline"
)

// app is the wired set of components every command works on.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	store   *kv.Store
	ctrl    *offline.Controller
	assets  *assets.Cache
	proxy   *offline.Proxy
}

// openApp loads the config at path and opens the durable store it names.
func openApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	store, err := kv.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a, err := newApp(cfg, log, store, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// newApp wires components over an already open store. next is the network
// transport; nil means http.DefaultTransport.
func newApp(cfg config.Config, log *zap.Logger, store *kv.Store, next http.RoundTripper) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctrl, err := offline.New(store, next, offline.Options{
		Origin:       cfg.OriginURL,
		Version:      cfg.Offline.Version,
		APIPrefixes:  cfg.Offline.APIPrefixes,
		Precache:     cfg.Offline.Precache,
		OfflinePage:  cfg.Offline.OfflinePage,
		Placeholders: cfg.Offline.Placeholders,
		ProbeURL:     cfg.Offline.Connectivity.ProbeURL,
		ProbeEvery:   cfg.Offline.ProbeEveryDur,
		Logger:       log,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}

	cache := assets.New(store, assets.Options{
		Client:           &http.Client{Transport: ctrl},
		Quota:            quotaFor(cfg),
		MaxSize:          cfg.Assets.MaxSizeBytes,
		MaxQuotaFraction: cfg.Assets.MaxQuotaFraction,
		MemoryMax:        cfg.RAMMaxBytes,
		Logger:           log,
		Metrics:          m,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		metrics: m,
		store:   store,
		ctrl:    ctrl,
		assets:  cache,
		proxy:   offline.NewProxy(ctrl),
	}, nil
}

func quotaFor(cfg config.Config) assets.QuotaProvider {
	if cfg.Assets.DeviceQuotaBytes > 0 {
		return assets.StaticQuota(cfg.Assets.DeviceQuotaBytes)
	}
	path := cfg.Assets.QuotaPath
	if path == "" {
		path = cfg.Storage.Path
	}
	return assets.DiskQuota{Path: path}
}

func (a *app) Close() {
	a.assets.Close()
	a.ctrl.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}
