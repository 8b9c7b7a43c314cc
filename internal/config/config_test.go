package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BROWSERCHANNEL_BASE", "")
	t.Setenv("BROWSERCHANNEL_HOST_PREFIXES", "")
	t.Setenv("BROWSERCHANNEL_KEEPALIVE_INTERVAL", "")
	t.Setenv("BROWSERCHANNEL_SESSION_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Base != "/channel" {
		t.Errorf("Base = %q, want /channel", cfg.Base)
	}
	if cfg.KeepAliveInterval != 20*time.Second {
		t.Errorf("KeepAliveInterval = %v, want 20s", cfg.KeepAliveInterval)
	}
	if cfg.SessionTimeoutInterval != 30*time.Second {
		t.Errorf("SessionTimeoutInterval = %v, want 30s", cfg.SessionTimeoutInterval)
	}
	if cfg.MaxBufferedBatches != 100 {
		t.Errorf("MaxBufferedBatches = %d, want 100", cfg.MaxBufferedBatches)
	}
}

func TestBaseNormalization(t *testing.T) {
	cases := []struct{ in, want string }{
		{"channel", "/channel"},
		{"/channel/", "/channel"},
		{"/channel", "/channel"},
		{"/a/b///", "/a/b"},
	}
	for _, c := range cases {
		cfg := &Config{Base: c.in}
		normalize(cfg)
		if cfg.Base != c.want {
			t.Errorf("normalize(%q) = %q, want %q", c.in, cfg.Base, c.want)
		}
	}
}

func TestLoadHostPrefixes(t *testing.T) {
	t.Setenv("BROWSERCHANNEL_HOST_PREFIXES", "c1,c2,c3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.HostPrefixes) != 3 || cfg.HostPrefixes[1] != "c2" {
		t.Errorf("HostPrefixes = %v, want [c1 c2 c3]", cfg.HostPrefixes)
	}
}
