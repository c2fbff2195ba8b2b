// Package config loads the offcache YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort         = 8080
	DefaultStoragePath  = "./data/offcache"
	DefaultVersion      = "v1"
	DefaultOfflinePage  = "/offline.html"
	DefaultProbeEvery   = 15 * time.Second
	DefaultStatsEvery   = time.Minute
	defaultRAMMax       = "64m"
	defaultPlaceholder  = "/images/placeholder-avatar.png"
	defaultAPIPrefix    = "/api/"
	defaultProbePath    = "/"
	defaultLoggingLevel = "info"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Assets Assets `yaml:"assets"`

	Offline Offline `yaml:"offline"`

	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
		StatsEvery  string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	RAMMaxBytes   int64         `yaml:"-"`
	StatsEveryDur time.Duration `yaml:"-"`
	OriginURL     *url.URL      `yaml:"-"`
}

type Assets struct {
	MaxSize          string  `yaml:"maxSize"`
	MaxQuotaFraction float64 `yaml:"maxQuotaFraction"`
	DeviceQuota      string  `yaml:"deviceQuota"`
	QuotaPath        string  `yaml:"quotaPath"`

	MaxSizeBytes     int64 `yaml:"-"`
	DeviceQuotaBytes int64 `yaml:"-"`
}

type Offline struct {
	Version      string            `yaml:"version"`
	APIPrefixes  []string          `yaml:"apiPrefixes"`
	Precache     []string          `yaml:"precache"`
	OfflinePage  string            `yaml:"offlinePage"`
	Placeholders map[string]string `yaml:"placeholders"`
	Connectivity struct {
		ProbeURL string `yaml:"probeURL"`
		Every    string `yaml:"every"`
	} `yaml:"connectivity"`

	ProbeEveryDur time.Duration `yaml:"-"`
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and compiles sizes and durations.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin must be absolute, got %q", cfg.Server.Origin)
	}
	cfg.OriginURL = u

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = defaultRAMMax
	}
	if cfg.RAMMaxBytes, err = ParseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}

	if err := cfg.Assets.compile(); err != nil {
		return err
	}
	if err := cfg.Offline.compile(); err != nil {
		return err
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLoggingLevel
	}
	cfg.StatsEveryDur = DefaultStatsEvery
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.StatsEveryDur = d
	}
	return nil
}

func (a *Assets) compile() error {
	var err error
	if a.MaxSize != "" {
		if a.MaxSizeBytes, err = ParseBytes(a.MaxSize); err != nil {
			return fmt.Errorf("assets.maxSize: %w", err)
		}
	}
	if a.DeviceQuota != "" {
		if a.DeviceQuotaBytes, err = ParseBytes(a.DeviceQuota); err != nil {
			return fmt.Errorf("assets.deviceQuota: %w", err)
		}
	}
	if a.MaxQuotaFraction < 0 || a.MaxQuotaFraction > 1 {
		return fmt.Errorf("assets.maxQuotaFraction must be within [0,1], got %v", a.MaxQuotaFraction)
	}
	return nil
}

func (o *Offline) compile() error {
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if strings.Contains(o.Version, "-") {
		return fmt.Errorf("offline.version must not contain '-', got %q", o.Version)
	}
	if len(o.APIPrefixes) == 0 {
		o.APIPrefixes = []string{defaultAPIPrefix}
	}
	for i, p := range o.APIPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("offline.apiPrefixes[%d]: invalid prefix %q", i, p)
		}
	}
	if o.OfflinePage == "" {
		o.OfflinePage = DefaultOfflinePage
	}
	if o.Placeholders == nil {
		o.Placeholders = map[string]string{
			"/avatars/": defaultPlaceholder,
			"/profile/": defaultPlaceholder,
		}
	}
	if o.Connectivity.ProbeURL == "" {
		o.Connectivity.ProbeURL = defaultProbePath
	}
	o.ProbeEveryDur = DefaultProbeEvery
	if o.Connectivity.Every != "" {
		d, err := time.ParseDuration(o.Connectivity.Every)
		if err != nil {
			return fmt.Errorf("offline.connectivity.every: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("offline.connectivity.every must be positive")
		}
		o.ProbeEveryDur = d
	}
	return nil
}
