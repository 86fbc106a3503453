package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// isolate points the search path at empty temp directories so the host's
// real config files never leak into a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	return dir
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.False(t, cfg.Debug)
	require.Equal(t, BackendLocal, cfg.Storage.Backend)
	require.Equal(t, "./artifacts", cfg.Storage.LocalPath)
	require.Equal(t, 1000, cfg.Storage.MemoryMaxArtifacts)
	require.Equal(t, int64(500<<20), cfg.Storage.MemoryMaxBytes())
	require.Equal(t, "https://api.kurral.io", cfg.API.URL)
	require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	require.Equal(t, "kurral", cfg.Mongo.Database)
	require.Equal(t, time.Hour, cfg.CacheTTL())
	require.InDelta(t, 0.90, cfg.Backtest.Threshold, 1e-9)
	require.Equal(t, 100, cfg.Backtest.MaxReplays)
	require.Equal(t, "record", cfg.Proxy.Mode)
	require.Equal(t, 30*time.Second, cfg.Proxy.UpstreamTimeout())
	require.Equal(t, time.Minute, cfg.Proxy.SSEIdleTimeout())
}

func TestLoadFileOverlayKeepsDefaults(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, filepath.Join(dir, ".kurral", "config.yaml"), `
storage:
  backend: mongo
mongo:
  url: mongodb://db.internal:27017
`)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, BackendMongo, cfg.Storage.Backend)
	require.Equal(t, "mongodb://db.internal:27017", cfg.Mongo.URL)

	// Keys absent from the file keep their defaults.
	require.Equal(t, "kurral", cfg.Mongo.Database)
	require.Equal(t, "./artifacts", cfg.Storage.LocalPath)
	require.Equal(t, 3600, cfg.Cache.TTLSeconds)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, filepath.Join(dir, ".kurral", "config.yaml"), `
storage:
  backend: mongo
cache:
  ttl_seconds: 60
`)
	t.Setenv("KURRAL_STORAGE_BACKEND", "memory")
	t.Setenv("KURRAL_CACHE_TTL", "120")
	t.Setenv("KURRAL_DEBUG", "true")
	t.Setenv("KURRAL_BACKTEST_THRESHOLD", "0.85")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
	require.Equal(t, 120, cfg.Cache.TTLSeconds)
	require.True(t, cfg.Debug)
	require.InDelta(t, 0.85, cfg.Backtest.Threshold, 1e-9)
}

func TestProjectFileBeatsUserFile(t *testing.T) {
	dir := t.TempDir()
	home := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", home)

	writeConfig(t, filepath.Join(home, ".config", "kurral", "config.yaml"), "environment: user\n")
	writeConfig(t, filepath.Join(dir, ".kurral", "config.yaml"), "environment: project\n")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "project", cfg.Environment)
}

func TestXDGFileBeatsLegacyDotfile(t *testing.T) {
	home := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", home)

	writeConfig(t, filepath.Join(home, ".kurral", "config.yaml"), "environment: legacy\n")
	writeConfig(t, filepath.Join(home, ".config", "kurral", "config.yaml"), "environment: xdg\n")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "xdg", cfg.Environment)
}

func TestLegacyDotfileIsFound(t *testing.T) {
	home := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", home)

	writeConfig(t, filepath.Join(home, ".kurral", "config.yaml"), "environment: legacy\n")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "legacy", cfg.Environment)
}

func TestEnvParseErrorNamesVariable(t *testing.T) {
	isolate(t)
	t.Setenv("KURRAL_PROXY_PORT", "not-a-port")

	_, err := Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "KURRAL_PROXY_PORT")
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	isolate(t)
	t.Setenv("KURRAL_STORAGE_BACKEND", "s3")

	_, err := Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown storage backend "s3"`)
}

func TestValidateRequiresKeyForAPIBackend(t *testing.T) {
	isolate(t)
	t.Setenv("KURRAL_STORAGE_BACKEND", "api")

	_, err := Load(context.Background())
	require.EqualError(t, err, "api storage backend requires an api key")

	t.Setenv("KURRAL_API_KEY", "kur_test_123")
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, BackendAPI, cfg.Storage.Backend)
	require.Equal(t, "kur_test_123", cfg.API.Key)
}

func TestValidateRejectsBadProxyMode(t *testing.T) {
	isolate(t)
	t.Setenv("KURRAL_PROXY_MODE", "passthrough")

	_, err := Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown proxy mode "passthrough"`)
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)

	cfg := Default()
	cfg.Storage.Backend = BackendMongo
	cfg.API.Key = "kur_live_456"
	cfg.Proxy.Port = 9090

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(&cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, &cfg, loaded)
}

func TestLoadFileMissing(t *testing.T) {
	isolate(t)

	_, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config")
}
