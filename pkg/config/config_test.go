package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
}

func TestDefaultConfig_TimingConstants(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Channel.InactivityTimeout != 5*time.Minute {
		t.Errorf("channel inactivity timeout = %v, want 5m", cfg.Channel.InactivityTimeout)
	}
	if cfg.Channel.ErrorThreshold != 3 {
		t.Errorf("channel error threshold = %d, want 3", cfg.Channel.ErrorThreshold)
	}
	if cfg.Registry.SweepInterval != 2*time.Minute {
		t.Errorf("registry sweep = %v, want 2m", cfg.Registry.SweepInterval)
	}
	if cfg.Peer.KeepAliveInterval != 20*time.Second || cfg.Peer.SilenceTimeout != 2*time.Minute {
		t.Errorf("peer keep-alive = %v/%v, want 20s/2m", cfg.Peer.KeepAliveInterval, cfg.Peer.SilenceTimeout)
	}
	if cfg.Peer.MonitorInterval != 10*time.Second || cfg.Peer.DisconnectGrace != 5*time.Second || cfg.Peer.StuckNewTimeout != 15*time.Second {
		t.Errorf("peer monitor timings = %v/%v/%v", cfg.Peer.MonitorInterval, cfg.Peer.DisconnectGrace, cfg.Peer.StuckNewTimeout)
	}
	if cfg.Peer.ReconnectMaxAttempts != 3 || cfg.Peer.ReconnectBaseDelay != 100*time.Millisecond {
		t.Errorf("peer backoff = %v x%d", cfg.Peer.ReconnectBaseDelay, cfg.Peer.ReconnectMaxAttempts)
	}
	if cfg.Call.FreshnessWindow != 30*time.Second {
		t.Errorf("freshness window = %v, want 30s", cfg.Call.FreshnessWindow)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown bus driver", func(c *Config) { c.Bus.Driver = "kafka" }},
		{"redis without address", func(c *Config) { c.Bus.Driver = "redis"; c.Bus.Redis.Address = "" }},
		{"redis without pool", func(c *Config) { c.Bus.Driver = "redis"; c.Bus.Redis.PoolSize = 0 }},
		{"breaker without timeout", func(c *Config) { c.Bus.Driver = "redis"; c.Bus.Redis.Breaker.OpenTimeout = 0 }},
		{"negative breaker threshold", func(c *Config) { c.Bus.Driver = "redis"; c.Bus.Redis.Breaker.FailureThreshold = -1 }},
		{"keep-alive zero", func(c *Config) { c.Channel.KeepAliveInterval = 0 }},
		{"inactivity below keep-alive", func(c *Config) { c.Channel.InactivityTimeout = time.Second }},
		{"error threshold zero", func(c *Config) { c.Channel.ErrorThreshold = 0 }},
		{"channel attempts zero", func(c *Config) { c.Channel.ReconnectMaxAttempts = 0 }},
		{"negative stagger", func(c *Config) { c.Registry.StaggerMax = -time.Second }},
		{"silence below keep-alive", func(c *Config) { c.Peer.SilenceTimeout = time.Second }},
		{"peer grace zero", func(c *Config) { c.Peer.DisconnectGrace = 0 }},
		{"freshness zero", func(c *Config) { c.Call.FreshnessWindow = 0 }},
		{"negative ring timeout", func(c *Config) { c.Call.RingTimeout = -time.Second }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) { c.WebRTC.PortRange.Min = 20000; c.WebRTC.PortRange.Max = 10000 }},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"tracing sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"rate limit rps zero", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"pong below ping", func(c *Config) { c.Server.PongTimeout = c.Server.PingInterval }},
		{"negative max concurrent", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"negative max sessions", func(c *Config) { c.Monitoring.MaxSessions = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.Driver != "memory" {
		t.Errorf("bus driver = %q, want memory", cfg.Bus.Driver)
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callagent.yaml")
	data := []byte(`
bus:
  driver: redis
  redis:
    address: redis:6379
channel:
  keep_alive_interval: 10s
  health_check_interval: 20s
peer:
  disconnect_grace: 2s
call:
  ring_timeout: 0s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICELINK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.Driver != "redis" || cfg.Bus.Redis.Address != "redis:6379" {
		t.Errorf("bus = %s %s", cfg.Bus.Driver, cfg.Bus.Redis.Address)
	}
	if cfg.Channel.KeepAliveInterval != 10*time.Second || cfg.Channel.HealthCheckInterval != 20*time.Second {
		t.Errorf("channel timings = %v/%v", cfg.Channel.KeepAliveInterval, cfg.Channel.HealthCheckInterval)
	}
	if cfg.Peer.DisconnectGrace != 2*time.Second {
		t.Errorf("peer grace = %v", cfg.Peer.DisconnectGrace)
	}
	if cfg.Call.RingTimeout != 0 {
		t.Errorf("ring timeout = %v, want disabled", cfg.Call.RingTimeout)
	}
	if cfg.Channel.InactivityTimeout != 5*time.Minute {
		t.Errorf("unset values keep defaults, inactivity = %v", cfg.Channel.InactivityTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env override not applied, level = %q", cfg.Logging.Level)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("bus: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "callagent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.Driver != "redis" {
		t.Errorf("bus driver = %q, want redis", cfg.Bus.Driver)
	}
	if cfg.WebRTC.PortRange.Min != 50000 || cfg.WebRTC.PortRange.Max != 50100 {
		t.Errorf("port range = %d-%d", cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max)
	}
	if cfg.RateLimiting.HTTP.MaxConcurrent != 256 {
		t.Errorf("max concurrent = %d", cfg.RateLimiting.HTTP.MaxConcurrent)
	}
	if cfg.Bus.Redis.Breaker.OpenTimeout != 5*time.Second {
		t.Errorf("breaker open timeout = %v", cfg.Bus.Redis.Breaker.OpenTimeout)
	}
}
