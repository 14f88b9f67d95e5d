package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Signaling.EnvelopeTTL != 30*time.Second {
		t.Errorf("expected envelope_ttl 30s, got %v", cfg.Signaling.EnvelopeTTL)
	}
	if cfg.Signaling.RingTimeout != 30*time.Second {
		t.Errorf("expected ring_timeout 30s, got %v", cfg.Signaling.RingTimeout)
	}
	if cfg.Control.Address == "" {
		t.Error("control.address should have a default")
	}
	if cfg.Bitrate.SmallGroupLimit != 2 {
		t.Errorf("expected small_group_limit 2, got %d", cfg.Bitrate.SmallGroupLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}
	if cfg.Signaling.EnvelopeTTL != 30*time.Second {
		t.Errorf("expected default envelope_ttl, got %v", cfg.Signaling.EnvelopeTTL)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	yamlData := `
identity:
  user_id: user-a
signaling:
  envelope_ttl: 10s
  ring_timeout: 15s
bitrate:
  camera_high: 4000000
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Identity.UserID != "user-a" {
		t.Errorf("expected user_id 'user-a', got %q", cfg.Identity.UserID)
	}
	if cfg.Signaling.EnvelopeTTL != 10*time.Second {
		t.Errorf("expected envelope_ttl 10s, got %v", cfg.Signaling.EnvelopeTTL)
	}
	if cfg.Signaling.RingTimeout != 15*time.Second {
		t.Errorf("expected ring_timeout 15s, got %v", cfg.Signaling.RingTimeout)
	}
	if cfg.Bitrate.CameraHigh != 4_000_000 {
		t.Errorf("expected camera_high 4000000, got %d", cfg.Bitrate.CameraHigh)
	}
	// Untouched sections keep defaults.
	if cfg.Relay.PingInterval != 30*time.Second {
		t.Errorf("expected default ping_interval, got %v", cfg.Relay.PingInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PEERCALL_USER_ID", "env-user")
	t.Setenv("PEERCALL_RELAY_URL", "wss://relay.example.com/ws")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Identity.UserID != "env-user" {
		t.Errorf("expected env user id, got %q", cfg.Identity.UserID)
	}
	if cfg.Relay.URL != "wss://relay.example.com/ws" {
		t.Errorf("expected env relay url, got %q", cfg.Relay.URL)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty control address", func(c *Config) { c.Control.Address = "" }},
		{"user id with colon", func(c *Config) { c.Identity.UserID = "alice:bob" }},
		{"empty relay url", func(c *Config) { c.Relay.URL = "" }},
		{"relay url bad scheme", func(c *Config) { c.Relay.URL = "ftp://relay.example.com" }},
		{"empty jwt secret", func(c *Config) { c.Relay.JWTSecret = "" }},
		{"zero envelope ttl", func(c *Config) { c.Signaling.EnvelopeTTL = 0 }},
		{"zero ring timeout", func(c *Config) { c.Signaling.RingTimeout = 0 }},
		{"zero queue size", func(c *Config) { c.Signaling.QueueSize = 0 }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"zero camera bitrate", func(c *Config) { c.Bitrate.CameraHigh = 0 }},
		{"redis enabled without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"tracing enabled without url", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerURL = ""
		}},
		{"bad sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 1.5
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestValidate_RedisDisabledAllowsEmptyAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Enabled = false
	cfg.Redis.Address = ""
	cfg.Redis.PoolSize = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when redis disabled, got: %v", err)
	}
}
