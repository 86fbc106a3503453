// Package config loads Kurral settings. Precedence, highest first: KURRAL_*
// environment variables, then the first config file found
// (./.kurral/config.yaml, ~/.config/kurral/config.yaml,
// ~/.kurral/config.yaml), then built-in defaults. Load only reads; Save is
// the CLI's explicit write path.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"goa.design/clue/log"
	"gopkg.in/yaml.v3"
)

// Storage backends accepted by Storage.Backend.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendAPI    = "api"
)

type (
	// Config is the full Kurral configuration.
	Config struct {
		Environment string `yaml:"environment"`
		Debug       bool   `yaml:"debug"`

		Storage  Storage  `yaml:"storage"`
		API      API      `yaml:"api"`
		Redis    Redis    `yaml:"redis"`
		Mongo    Mongo    `yaml:"mongo"`
		Cache    Cache    `yaml:"cache"`
		Backtest Backtest `yaml:"backtest"`
		Proxy    Proxy    `yaml:"proxy"`
	}

	// Storage selects and bounds the artifact store.
	Storage struct {
		Backend            string `yaml:"backend"`
		LocalPath          string `yaml:"local_path"`
		MemoryMaxArtifacts int    `yaml:"memory_max_artifacts"`
		MemoryMaxSizeMB    int    `yaml:"memory_max_size_mb"`
	}

	// API points at the hosted artifact service.
	API struct {
		URL      string `yaml:"url"`
		Key      string `yaml:"key,omitempty"`
		TenantID string `yaml:"tenant_id,omitempty"`
	}

	// Redis locates the cache and event stream backend.
	Redis struct {
		URL string `yaml:"url"`
	}

	// Mongo locates the document store backend.
	Mongo struct {
		URL      string `yaml:"url"`
		Database string `yaml:"database"`
	}

	// Cache bounds the tool cache.
	Cache struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	}

	// Backtest carries the regression defaults.
	Backtest struct {
		Threshold  float64 `yaml:"threshold"`
		MaxReplays int     `yaml:"max_replays"`
	}

	// Proxy configures the MCP recording proxy.
	Proxy struct {
		Host                   string `yaml:"host"`
		Port                   int    `yaml:"port"`
		Mode                   string `yaml:"mode"`
		Upstream               string `yaml:"upstream,omitempty"`
		EventWindow            int    `yaml:"event_window"`
		UpstreamTimeoutSeconds int    `yaml:"upstream_timeout_seconds"`
		SSEIdleTimeoutSeconds  int    `yaml:"sse_idle_timeout_seconds"`
		ReplaySpeed            string `yaml:"replay_speed"`
	}
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "development",
		Storage: Storage{
			Backend:            BackendLocal,
			LocalPath:          "./artifacts",
			MemoryMaxArtifacts: 1000,
			MemoryMaxSizeMB:    500,
		},
		API: API{
			URL: "https://api.kurral.io",
		},
		Redis: Redis{
			URL: "redis://localhost:6379/0",
		},
		Mongo: Mongo{
			URL:      "mongodb://localhost:27017",
			Database: "kurral",
		},
		Cache: Cache{
			TTLSeconds: 3600,
		},
		Backtest: Backtest{
			Threshold:  0.90,
			MaxReplays: 100,
		},
		Proxy: Proxy{
			Host:                   "127.0.0.1",
			Port:                   8080,
			Mode:                   "record",
			EventWindow:            256,
			UpstreamTimeoutSeconds: 30,
			SSEIdleTimeoutSeconds:  60,
			ReplaySpeed:            "realtime",
		},
	}
}

// Load resolves the effective configuration.
func Load(ctx context.Context) (*Config, error) {
	cfg := Default()
	if path, ok := findConfigFile(); ok {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
		log.Debugf(ctx, "config file %s", path)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile resolves the configuration from one explicit file plus the
// environment, skipping the search path.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	cfg := Default()
	if err := applyFile(&cfg, path); err != nil {
		return nil, err
	}
	log.Debugf(ctx, "config file %s", path)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration to path, creating parent directories.
// The file may carry the API key, hence the restrictive mode.
func Save(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ProjectPath is the project-local config file location.
func ProjectPath() string {
	return filepath.Join(".", ".kurral", "config.yaml")
}

// UserPath is the per-user config file location.
func UserPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ProjectPath()
	}
	return filepath.Join(home, ".config", "kurral", "config.yaml")
}

// Locations returns the config file probe paths in priority order.
// Project-local wins over the XDG location, which wins over the legacy
// dotfile.
func Locations() []string {
	paths := []string{ProjectPath()}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths,
			filepath.Join(home, ".config", "kurral", "config.yaml"),
			filepath.Join(home, ".kurral", "config.yaml"),
		)
	}
	return paths
}

// findConfigFile probes the search path.
func findConfigFile() (string, bool) {
	for _, p := range Locations() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// applyFile overlays the YAML file onto cfg. Keys absent from the file keep
// their current values.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays KURRAL_* environment variables onto cfg. Unset variables
// leave the current values in place.
func applyEnv(cfg *Config) error {
	var err error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", key, perr)
			return
		}
		*dst = parsed
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", key, perr)
			return
		}
		*dst = parsed
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", key, perr)
			return
		}
		*dst = parsed
	}

	setString("KURRAL_ENVIRONMENT", &cfg.Environment)
	setBool("KURRAL_DEBUG", &cfg.Debug)

	setString("KURRAL_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("KURRAL_LOCAL_STORAGE_PATH", &cfg.Storage.LocalPath)
	setInt("KURRAL_MEMORY_MAX_ARTIFACTS", &cfg.Storage.MemoryMaxArtifacts)
	setInt("KURRAL_MEMORY_MAX_SIZE_MB", &cfg.Storage.MemoryMaxSizeMB)

	setString("KURRAL_API_URL", &cfg.API.URL)
	setString("KURRAL_API_KEY", &cfg.API.Key)
	setString("KURRAL_TENANT_ID", &cfg.API.TenantID)

	setString("KURRAL_REDIS_URL", &cfg.Redis.URL)
	setString("KURRAL_MONGO_URL", &cfg.Mongo.URL)
	setString("KURRAL_MONGO_DATABASE", &cfg.Mongo.Database)

	setInt("KURRAL_CACHE_TTL", &cfg.Cache.TTLSeconds)

	setFloat("KURRAL_BACKTEST_THRESHOLD", &cfg.Backtest.Threshold)
	setInt("KURRAL_BACKTEST_MAX_REPLAYS", &cfg.Backtest.MaxReplays)

	setString("KURRAL_PROXY_HOST", &cfg.Proxy.Host)
	setInt("KURRAL_PROXY_PORT", &cfg.Proxy.Port)
	setString("KURRAL_PROXY_MODE", &cfg.Proxy.Mode)
	setString("KURRAL_PROXY_UPSTREAM", &cfg.Proxy.Upstream)
	setInt("KURRAL_PROXY_EVENT_WINDOW", &cfg.Proxy.EventWindow)
	setInt("KURRAL_PROXY_UPSTREAM_TIMEOUT", &cfg.Proxy.UpstreamTimeoutSeconds)
	setInt("KURRAL_PROXY_SSE_IDLE_TIMEOUT", &cfg.Proxy.SSEIdleTimeoutSeconds)
	setString("KURRAL_PROXY_REPLAY_SPEED", &cfg.Proxy.ReplaySpeed)

	return err
}

// Validate rejects values no component can act on.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLocal, BackendMemory, BackendMongo, BackendAPI:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendAPI && c.API.Key == "" {
		return errors.New("api storage backend requires an api key")
	}
	if c.Backtest.Threshold <= 0 || c.Backtest.Threshold > 1 {
		return fmt.Errorf("backtest threshold %v outside (0, 1]", c.Backtest.Threshold)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache ttl %d must be positive", c.Cache.TTLSeconds)
	}
	switch c.Proxy.Mode {
	case "record", "replay":
	default:
		return fmt.Errorf("unknown proxy mode %q", c.Proxy.Mode)
	}
	switch c.Proxy.ReplaySpeed {
	case "realtime", "fast-forward":
	default:
		return fmt.Errorf("unknown replay speed %q", c.Proxy.ReplaySpeed)
	}
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy port %d outside 1-65535", c.Proxy.Port)
	}
	return nil
}

// CacheTTL returns the tool cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// UpstreamTimeout returns the proxy upstream call bound as a duration.
func (p Proxy) UpstreamTimeout() time.Duration {
	return time.Duration(p.UpstreamTimeoutSeconds) * time.Second
}

// SSEIdleTimeout returns the proxy SSE idle bound as a duration.
func (p Proxy) SSEIdleTimeout() time.Duration {
	return time.Duration(p.SSEIdleTimeoutSeconds) * time.Second
}

// MemoryMaxBytes returns the in-memory store cap in bytes.
func (s Storage) MemoryMaxBytes() int64 {
	return int64(s.MemoryMaxSizeMB) << 20
}
