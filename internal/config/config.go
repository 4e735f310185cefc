// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the fleetwatch binary reads at startup.
type Config struct {
	BaseURL       string
	Email         string
	Password      string
	SessionPath   string
	MetricsAddr   string
	Timeout       time.Duration
	UploadTimeout time.Duration
	CacheTTL      time.Duration
	ThrottleDelay time.Duration
	PollInterval  time.Duration
	PollMin       time.Duration
}

// Load reads FLEETLINK_* variables from the process environment, falling back
// to a .env file in the working directory when one exists. A missing base URL
// is the only fatal omission; everything else has a default.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		// .env is optional; a present-but-broken one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read .env: %w", err)
		}
	}
	v.SetEnvPrefix("FLEETLINK")
	v.AutomaticEnv()

	v.SetDefault("REQUEST_TIMEOUT", "8s")
	v.SetDefault("UPLOAD_TIMEOUT", "20s")
	v.SetDefault("CACHE_TTL", "60s")
	v.SetDefault("THROTTLE_DELAY", "150ms")
	v.SetDefault("POLL_INTERVAL", "30s")
	v.SetDefault("POLL_MIN_INTERVAL", "10s")
	v.SetDefault("SESSION_PATH", "fleetlink-session.db")
	v.SetDefault("METRICS_ADDR", ":9464")

	cfg := Config{
		BaseURL:       v.GetString("BASE_URL"),
		Email:         v.GetString("EMAIL"),
		Password:      v.GetString("PASSWORD"),
		SessionPath:   v.GetString("SESSION_PATH"),
		MetricsAddr:   v.GetString("METRICS_ADDR"),
		Timeout:       v.GetDuration("REQUEST_TIMEOUT"),
		UploadTimeout: v.GetDuration("UPLOAD_TIMEOUT"),
		CacheTTL:      v.GetDuration("CACHE_TTL"),
		ThrottleDelay: v.GetDuration("THROTTLE_DELAY"),
		PollInterval:  v.GetDuration("POLL_INTERVAL"),
		PollMin:       v.GetDuration("POLL_MIN_INTERVAL"),
	}
	if cfg.BaseURL == "" {
		return Config{}, fmt.Errorf("config: FLEETLINK_BASE_URL is required")
	}
	if cfg.Timeout <= 0 || cfg.UploadTimeout <= 0 {
		return Config{}, fmt.Errorf("config: timeouts must be positive")
	}
	return cfg, nil
}
