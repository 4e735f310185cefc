package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLEETLINK_BASE_URL", "https://fleet.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://fleet.example.com" {
		t.Fatalf("base URL: %q", cfg.BaseURL)
	}
	if cfg.Timeout != 8*time.Second || cfg.UploadTimeout != 20*time.Second {
		t.Fatalf("timeout defaults: %v / %v", cfg.Timeout, cfg.UploadTimeout)
	}
	if cfg.CacheTTL != time.Minute || cfg.ThrottleDelay != 150*time.Millisecond {
		t.Fatalf("cache defaults: %v / %v", cfg.CacheTTL, cfg.ThrottleDelay)
	}
	if cfg.PollInterval != 30*time.Second || cfg.PollMin != 10*time.Second {
		t.Fatalf("poll defaults: %v / %v", cfg.PollInterval, cfg.PollMin)
	}
	if cfg.SessionPath != "fleetlink-session.db" || cfg.MetricsAddr != ":9464" {
		t.Fatalf("path defaults: %q / %q", cfg.SessionPath, cfg.MetricsAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLEETLINK_BASE_URL", "https://fleet.example.com")
	t.Setenv("FLEETLINK_REQUEST_TIMEOUT", "2s")
	t.Setenv("FLEETLINK_POLL_MIN_INTERVAL", "1s")
	t.Setenv("FLEETLINK_SESSION_PATH", "/var/lib/fleetwatch/session.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("timeout override: %v", cfg.Timeout)
	}
	if cfg.PollMin != time.Second {
		t.Fatalf("poll min override: %v", cfg.PollMin)
	}
	if cfg.SessionPath != "/var/lib/fleetwatch/session.db" {
		t.Fatalf("session path override: %q", cfg.SessionPath)
	}
}

func TestLoadRequiresBaseURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLEETLINK_BASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error without base URL")
	}
}
