// Package config loads the transport's runtime configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the options spec.md §6 names: the base path, the optional
// host-prefix list, and the two timer intervals.
type Config struct {
	// Base is the URL prefix where the service listens. A leading slash is
	// added if missing and a trailing slash is stripped at load time.
	Base string `env:"BROWSERCHANNEL_BASE" envDefault:"/channel"`

	// HostPrefixes is the optional pool /test?MODE=init picks from at
	// random. Empty means always respond with a null prefix.
	HostPrefixes []string `env:"BROWSERCHANNEL_HOST_PREFIXES" envSeparator:","`

	// KeepAliveInterval is how often a bound back channel receives a
	// ["noop"] heartbeat array.
	KeepAliveInterval time.Duration `env:"BROWSERCHANNEL_KEEPALIVE_INTERVAL" envDefault:"20s"`

	// SessionTimeoutInterval is how long a session may go without a bound
	// back channel before it is closed.
	SessionTimeoutInterval time.Duration `env:"BROWSERCHANNEL_SESSION_TIMEOUT" envDefault:"30s"`

	// MaxBufferedBatches caps the sparse reorder buffer (§9 DoS mitigation).
	// Exceeding it closes the session.
	MaxBufferedBatches int `env:"BROWSERCHANNEL_MAX_BUFFERED_BATCHES" envDefault:"100"`

	// ListenAddr is the address the example cmd/browserchanneld binds to.
	ListenAddr string `env:"BROWSERCHANNEL_LISTEN_ADDR" envDefault:":8080"`

	// MetricsNamespace is the Prometheus namespace used by internal/metrics.
	MetricsNamespace string `env:"BROWSERCHANNEL_METRICS_NAMESPACE" envDefault:"browserchannel"`
}

var once sync.Once

// loadDotenv loads a .env file from the working directory, if present. A
// missing file is not an error — it just means the environment is already
// configured (the common case in production). It runs at most once per
// process, mirroring the caching loader documented by the foundation config
// package this is modeled on.
func loadDotenv() {
	once.Do(func() {
		_ = godotenv.Load()
	})
}

// Load parses Config from the environment (and .env, if present).
func Load() (*Config, error) {
	loadDotenv()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	normalize(&cfg)
	return &cfg, nil
}

// MustLoad is Load, panicking on failure. Intended for process startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// normalize applies the §6 base-path rules: leading slash added, trailing
// slash stripped.
func normalize(cfg *Config) {
	if cfg.Base == "" {
		cfg.Base = "/channel"
	}
	if cfg.Base[0] != '/' {
		cfg.Base = "/" + cfg.Base
	}
	for len(cfg.Base) > 1 && cfg.Base[len(cfg.Base)-1] == '/' {
		cfg.Base = cfg.Base[:len(cfg.Base)-1]
	}
}
