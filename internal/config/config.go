// Package config loads and validates server config from flags, SCRUMLIVE_*
// environment variables and an optional config file using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when read from the environment, with
// dashes turned into underscores (send-timeout becomes SCRUMLIVE_SEND_TIMEOUT).
const EnvPrefix = "SCRUMLIVE"

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBbolt    = "bbolt"
	StorePostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `mapstructure:"port"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `mapstructure:"tls-cert"`
	TLSKey  string `mapstructure:"tls-key"`
	// DataDir holds the bbolt database file.
	DataDir string `mapstructure:"data-dir"`
	// Store selects the repository backend: memory, bbolt or postgres.
	Store string `mapstructure:"store"`
	// DatabaseURL is the Postgres DSN; required when Store is postgres.
	DatabaseURL string `mapstructure:"database-url"`

	// SendTimeout bounds every frame write to one connection.
	SendTimeout time.Duration `mapstructure:"send-timeout"`
	// QueueSize is the per-token broadcast queue capacity.
	QueueSize int `mapstructure:"queue-size"`
	// FanoutConcurrency caps concurrent sends within one broadcast.
	FanoutConcurrency int `mapstructure:"fanout-concurrency"`
	// WorkerIdle is how long a token worker waits before exiting.
	WorkerIdle time.Duration `mapstructure:"worker-idle"`
	// PresenceStaleAfter is how long a record stays online without a heartbeat.
	PresenceStaleAfter time.Duration `mapstructure:"presence-stale-after"`
	// PresenceRetention is how long offline records are kept.
	PresenceRetention time.Duration `mapstructure:"presence-retention"`

	// AllowedOrigins are extra WebSocket origin patterns. Same-host is always allowed.
	AllowedOrigins []string `mapstructure:"allowed-origins"`
	// FacilitatorKey gates facilitator routes when set.
	FacilitatorKey string `mapstructure:"facilitator-key"`
	// TrustedProxies are CIDR ranges whose forwarding headers are believed
	// when deriving the client IP for claim rate limiting.
	TrustedProxies []string `mapstructure:"trusted-proxies"`
	// FrameLimit is the inbound WebSocket frames allowed per connection per second.
	FrameLimit int `mapstructure:"frame-limit"`
	// AlertWebhookURL receives anomaly alerts as JSON when set.
	AlertWebhookURL string `mapstructure:"alert-webhook-url"`
	// AlertWebhookHeader is an extra "Name: value" header sent with alerts.
	AlertWebhookHeader string `mapstructure:"alert-webhook-header"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log-level"`
}

// New returns a Viper instance with defaults and environment binding applied.
// Callers bind their command flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("tls-cert", "")
	v.SetDefault("tls-key", "")
	v.SetDefault("data-dir", "./data")
	v.SetDefault("store", StoreBbolt)
	v.SetDefault("database-url", "")
	v.SetDefault("send-timeout", 2*time.Second)
	v.SetDefault("queue-size", 64)
	v.SetDefault("fanout-concurrency", 16)
	v.SetDefault("worker-idle", 30*time.Second)
	v.SetDefault("presence-stale-after", 12*time.Second)
	v.SetDefault("presence-retention", 10*time.Minute)
	v.SetDefault("allowed-origins", []string{})
	v.SetDefault("facilitator-key", "")
	v.SetDefault("trusted-proxies", []string{})
	v.SetDefault("frame-limit", 40)
	v.SetDefault("alert-webhook-url", "")
	v.SetDefault("alert-webhook-header", "")
	v.SetDefault("log-level", "info")
	return v
}

// Load reads the optional config file at path (YAML, TOML or JSON by
// extension), then decodes and validates v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.TrustedProxies = splitList(cfg.TrustedProxies)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("config: tls-cert and tls-key must be set together")
	}
	switch c.Store {
	case StoreMemory:
	case StoreBbolt:
		if c.DataDir == "" {
			return errors.New("config: data-dir must be set for the bbolt store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: database-url must be set for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store %q (want memory, bbolt or postgres)", c.Store)
	}
	if c.SendTimeout <= 0 {
		return errors.New("config: send-timeout must be positive")
	}
	if c.QueueSize < 1 {
		return errors.New("config: queue-size must be at least 1")
	}
	if c.FanoutConcurrency < 1 {
		return errors.New("config: fanout-concurrency must be at least 1")
	}
	if c.WorkerIdle <= 0 {
		return errors.New("config: worker-idle must be positive")
	}
	if c.PresenceStaleAfter <= 0 {
		return errors.New("config: presence-stale-after must be positive")
	}
	if c.PresenceRetention < c.PresenceStaleAfter {
		return errors.New("config: presence-retention must not be shorter than presence-stale-after")
	}
	if c.FrameLimit < 1 {
		return errors.New("config: frame-limit must be at least 1")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if c.AlertWebhookURL != "" {
		u, err := url.Parse(c.AlertWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: alert-webhook-url %q must be an http(s) URL", c.AlertWebhookURL)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log-level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as
// a single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: trusted-proxies entry %q is not a CIDR or address", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// splitList flattens comma-separated entries, which is how a list arrives
// from a single environment variable.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
