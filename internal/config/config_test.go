package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, StoreBbolt, cfg.Store)
	assert.Equal(t, 2*time.Second, cfg.SendTimeout)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, 16, cfg.FanoutConcurrency)
	assert.Equal(t, 30*time.Second, cfg.WorkerIdle)
	assert.Equal(t, 12*time.Second, cfg.PresenceStaleAfter)
	assert.Equal(t, 10*time.Minute, cfg.PresenceRetention)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Empty(t, cfg.FacilitatorKey)
	assert.Equal(t, 40, cfg.FrameLimit)
	assert.Empty(t, cfg.AlertWebhookURL)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SCRUMLIVE_PORT", "9090")
	t.Setenv("SCRUMLIVE_STORE", "memory")
	t.Setenv("SCRUMLIVE_SEND_TIMEOUT", "500ms")
	t.Setenv("SCRUMLIVE_QUEUE_SIZE", "8")
	t.Setenv("SCRUMLIVE_ALLOWED_ORIGINS", "app.example.com, *.example.org")
	t.Setenv("SCRUMLIVE_FACILITATOR_KEY", "s3cret")
	t.Setenv("SCRUMLIVE_LOG_LEVEL", "debug")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 500*time.Millisecond, cfg.SendTimeout)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, "s3cret", cfg.FacilitatorKey)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrumlive.yaml")
	body := "store: postgres\ndatabase-url: postgres://localhost/scrum\npresence-stale-after: 20s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://localhost/scrum", cfg.DatabaseURL)
	assert.Equal(t, 20*time.Second, cfg.PresenceStaleAfter)

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 0 }, "port"},
		{"tls half set", func(c *Config) { c.TLSCert = "cert.pem" }, "tls-key"},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, "unknown store"},
		{"postgres without dsn", func(c *Config) { c.Store = StorePostgres }, "database-url"},
		{"bbolt without dir", func(c *Config) { c.DataDir = "" }, "data-dir"},
		{"send timeout", func(c *Config) { c.SendTimeout = 0 }, "send-timeout"},
		{"queue size", func(c *Config) { c.QueueSize = 0 }, "queue-size"},
		{"concurrency", func(c *Config) { c.FanoutConcurrency = 0 }, "fanout-concurrency"},
		{"worker idle", func(c *Config) { c.WorkerIdle = -time.Second }, "worker-idle"},
		{"stale after", func(c *Config) { c.PresenceStaleAfter = 0 }, "presence-stale-after"},
		{"retention", func(c *Config) { c.PresenceRetention = time.Second }, "presence-retention"},
		{"frame limit", func(c *Config) { c.FrameLimit = 0 }, "frame-limit"},
		{"trusted proxies", func(c *Config) { c.TrustedProxies = []string{"not-an-ip"} }, "trusted-proxies"},
		{"webhook scheme", func(c *Config) { c.AlertWebhookURL = "ftp://alerts.example.com" }, "alert-webhook-url"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	t.Setenv("SCRUMLIVE_TRUSTED_PROXIES", "10.0.0.0/8,192.168.1.7, 2001:db8::/32")
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.7/32", prefixes[1].String())
	assert.Equal(t, "2001:db8::/32", prefixes[2].String())
}
