package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"offline0/internal/device"
)

// Partition kinds. Stored partition names are "<cache.prefix>-<kind>".
const (
	KindPages  = "pages"
	KindStatic = "static"
	KindImages = "images"
	KindAPI    = "api"
)

var partitionKinds = []string{KindPages, KindStatic, KindImages, KindAPI}

// Timeout classes.
const (
	TimeoutDocument    = "document"
	TimeoutScript      = "script"
	TimeoutStyle       = "style"
	TimeoutImage       = "image"
	TimeoutFont        = "font"
	TimeoutAPI         = "api"
	TimeoutDefault     = "default"
	TimeoutShareTarget = "shareTarget"
	TimeoutSyncPing    = "syncPing"
)

var defaultTimeouts = map[string]time.Duration{
	TimeoutDocument:    10 * time.Second,
	TimeoutScript:      12 * time.Second,
	TimeoutStyle:       10 * time.Second,
	TimeoutImage:       10 * time.Second,
	TimeoutFont:        10 * time.Second,
	TimeoutAPI:         15 * time.Second,
	TimeoutDefault:     10 * time.Second,
	TimeoutShareTarget: 3 * time.Second,
	TimeoutSyncPing:    5 * time.Second,
}

var defaultLimits = map[string]int{
	KindPages:  100,
	KindStatic: 500,
	KindImages: 100,
	KindAPI:    150,
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		// leveldb | sqlite | memory
		Provider string `yaml:"provider"`
		Path     string `yaml:"path"`
	} `yaml:"storage"`

	Cache struct {
		Prefix       string         `yaml:"prefix"`
		MetadataName string         `yaml:"metadataName"`
		TTL          string         `yaml:"ttl"`
		Limits       map[string]int `yaml:"limits"`
	} `yaml:"cache"`

	Timeouts map[string]string `yaml:"timeouts"`

	Offline struct {
		Page string `yaml:"page"`
	} `yaml:"offline"`

	Precache PrecacheConfig `yaml:"precache"`

	Sync struct {
		Tag      string `yaml:"tag"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"sync"`

	Share struct {
		Path        string `yaml:"path"`
		Redirect    string `yaml:"redirect"`
		MaxFileSize    string `yaml:"maxFileSize"`
		MaxRequestSize string `yaml:"maxRequestSize"`
	} `yaml:"share"`

	Breaker struct {
		Enabled      bool    `yaml:"enabled"`
		MinRequests  uint32  `yaml:"minRequests"`
		FailureRatio float64 `yaml:"failureRatio"`
		OpenTimeout  string  `yaml:"openTimeout"`
	} `yaml:"breaker"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	originURL        *url.URL
	ttl              time.Duration
	timeouts         map[string]time.Duration
	maxFileSize      int64
	maxRequestSize   int64
	devices          []device.Profile
	breakerOpen      time.Duration
	logStatsEveryDur time.Duration
}

type PrecacheConfig struct {
	Routes      []string `yaml:"routes"`
	Images      []string `yaml:"images"`
	ImageWidths []int    `yaml:"imageWidths"`
	Manifest    string   `yaml:"manifest"`
	BatchSize   int      `yaml:"batchSize"`
	Sitemaps    []string `yaml:"sitemaps"`
	// device variants warmed per route; empty means all
	Devices     []string `yaml:"devices"`
}

// envOverrides are applied on top of the YAML file by LoadConfig.
type envOverrides struct {
	Origin          string `env:"OFFLINE0_ORIGIN"`
	Port            int    `env:"OFFLINE0_PORT"`
	LogLevel        string `env:"OFFLINE0_LOG_LEVEL"`
	StorageProvider string `env:"OFFLINE0_STORAGE_PROVIDER"`
	StoragePath     string `env:"OFFLINE0_STORAGE_PATH"`
}

// LoadConfig reads the YAML file at path, applies OFFLINE0_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	ov.apply(&cfg)
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig parses and validates YAML without consulting the environment.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (ov envOverrides) apply(cfg *Config) {
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.StorageProvider != "" {
		cfg.Storage.Provider = ov.StorageProvider
	}
	if ov.StoragePath != "" {
		cfg.Storage.Path = ov.StoragePath
	}
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin: unsupported scheme %q", u.Scheme)
	}
	cfg.originURL = u

	switch cfg.Storage.Provider {
	case "":
		cfg.Storage.Provider = "leveldb"
	case "leveldb", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.provider: unsupported %q", cfg.Storage.Provider)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "pwa-cache"
	}
	if cfg.Cache.MetadataName == "" {
		cfg.Cache.MetadataName = "build-metadata-v1"
	}
	cfg.ttl = time.Hour
	if cfg.Cache.TTL != "" {
		if cfg.ttl, err = time.ParseDuration(cfg.Cache.TTL); err != nil {
			return fmt.Errorf("cache.ttl: %w", err)
		}
	}
	limits := make(map[string]int, len(defaultLimits))
	for k, v := range defaultLimits {
		limits[k] = v
	}
	for k, v := range cfg.Cache.Limits {
		if _, ok := defaultLimits[k]; !ok {
			return fmt.Errorf("cache.limits: unknown partition %q", k)
		}
		if v <= 0 {
			return fmt.Errorf("cache.limits.%s: must be positive", k)
		}
		limits[k] = v
	}
	cfg.Cache.Limits = limits

	cfg.timeouts = make(map[string]time.Duration, len(defaultTimeouts))
	for k, v := range defaultTimeouts {
		cfg.timeouts[k] = v
	}
	for k, v := range cfg.Timeouts {
		if _, ok := defaultTimeouts[k]; !ok {
			return fmt.Errorf("timeouts: unknown class %q", k)
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("timeouts.%s: %w", k, err)
		}
		cfg.timeouts[k] = d
	}

	if cfg.Offline.Page == "" {
		cfg.Offline.Page = "/offline"
	}

	p := &cfg.Precache
	if len(p.Routes) == 0 {
		p.Routes = []string{"/", cfg.Offline.Page, "/manifest.json"}
	}
	if len(p.ImageWidths) == 0 {
		p.ImageWidths = []int{48, 64, 96, 128, 256}
	}
	if p.Manifest == "" {
		p.Manifest = "/api/pwa-manifest"
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 5
	}
	cfg.devices = device.All()
	if len(p.Devices) > 0 {
		cfg.devices = make([]device.Profile, 0, len(p.Devices))
		for _, name := range p.Devices {
			prof, ok := device.Lookup(device.Kind(strings.ToLower(strings.TrimSpace(name))))
			if !ok {
				return fmt.Errorf("precache.devices: unknown device %q", name)
			}
			cfg.devices = append(cfg.devices, prof)
		}
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "sync-expenses"
	}
	if cfg.Sync.Endpoint == "" {
		cfg.Sync.Endpoint = "/api/sync"
	}

	if cfg.Share.Path == "" {
		cfg.Share.Path = "/api/share-target"
	}
	if cfg.Share.Redirect == "" {
		cfg.Share.Redirect = "/share-target"
	}
	if cfg.Share.MaxFileSize == "" {
		cfg.Share.MaxFileSize = "50mb"
	}
	if cfg.maxFileSize, err = parseBytes(cfg.Share.MaxFileSize); err != nil {
		return fmt.Errorf("share.maxFileSize: %w", err)
	}
	if cfg.Share.MaxRequestSize == "" {
		cfg.Share.MaxRequestSize = "200mb"
	}
	if cfg.maxRequestSize, err = parseBytes(cfg.Share.MaxRequestSize); err != nil {
		return fmt.Errorf("share.maxRequestSize: %w", err)
	}
	if cfg.maxRequestSize <= 0 {
		return fmt.Errorf("share.maxRequestSize must be positive")
	}

	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker.MinRequests = 5
	}
	if cfg.Breaker.FailureRatio == 0 {
		cfg.Breaker.FailureRatio = 0.8
	}
	cfg.breakerOpen = 30 * time.Second
	if cfg.Breaker.OpenTimeout != "" {
		if cfg.breakerOpen, err = time.ParseDuration(cfg.Breaker.OpenTimeout); err != nil {
			return fmt.Errorf("breaker.openTimeout: %w", err)
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.LogStatsEvery != "" {
		if cfg.logStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}

// Timeout returns the network timeout for a class, falling back to the
// default class.
func (cfg Config) Timeout(class string) time.Duration {
	if d, ok := cfg.timeouts[class]; ok {
		return d
	}
	return cfg.timeouts[TimeoutDefault]
}

// PartitionName returns the stored name of a partition kind.
func (cfg Config) PartitionName(kind string) string {
	return cfg.Cache.Prefix + "-" + kind
}

// PartitionNames returns the current partition name set, metadata included.
func (cfg Config) PartitionNames() []string {
	out := make([]string, 0, len(partitionKinds)+1)
	for _, k := range partitionKinds {
		out = append(out, cfg.PartitionName(k))
	}
	return append(out, cfg.Cache.MetadataName)
}

func (cfg Config) OriginURL() *url.URL {
	u := *cfg.originURL
	return &u
}

func (cfg Config) MaxFileSize() int64 { return cfg.maxFileSize }

// MaxRequestSize caps a whole share submission.
func (cfg Config) MaxRequestSize() int64 { return cfg.maxRequestSize }

// PrecacheDevices returns the device profiles warmed at install.
func (cfg Config) PrecacheDevices() []device.Profile { return cfg.devices }
