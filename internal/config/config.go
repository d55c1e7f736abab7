// Package config loads m365ctl runtime configuration.
//
// Configuration lives in ~/.m365/config.toml. Every field has a working
// default so the file is optional. The active profile is tracked in a
// separate plain-text file (~/.m365/active_profile) so it can be switched
// without rewriting the config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultProfile is used when no active profile has been set.
const DefaultProfile = "work"

// Config contains runtime configuration values.
type Config struct {
	// DefaultProfile names the profile used when active_profile is absent.
	DefaultProfile string `toml:"default_profile"`
	// GraphBaseURL is the Microsoft Graph API base URL.
	GraphBaseURL string `toml:"graph_base_url"`
	// TokenDir overrides where encrypted token records are written.
	TokenDir string `toml:"token_dir"`

	RateLimit RateLimitConfig `toml:"rate_limit"`
	Log       LogConfig       `toml:"log"`
}

// RateLimitConfig tunes the outbound request limiter.
type RateLimitConfig struct {
	// WindowRequests is the request quota per fixed window.
	// Microsoft Graph documents ~10,000 requests per 10 minutes per app.
	WindowRequests int `toml:"window_requests"`
	// WindowMinutes is the fixed window length.
	WindowMinutes int `toml:"window_minutes"`
	// SmoothRPS is the sustained request rate for the token-bucket
	// smoother in front of the window. Zero disables smoothing.
	SmoothRPS float64 `toml:"smooth_rps"`
	// Burst is the smoother's burst size.
	Burst int `toml:"burst"`
}

// Window returns the fixed window duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DefaultProfile: DefaultProfile,
		GraphBaseURL:   "https://graph.microsoft.com/v1.0",
		RateLimit: RateLimitConfig{
			WindowRequests: 10000,
			WindowMinutes:  10,
			SmoothRPS:      10.0,
			Burst:          15,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Dir returns the m365ctl state directory (~/.m365), creating it with
// owner-only permissions if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".m365")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

// Load reads config.toml from dir, overlaying defaults. A missing file is
// not an error.
func Load(dir string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg.normalised(), nil
}

// normalised backfills zero values with defaults so a partial config file
// never disables a subsystem by accident.
func (c Config) normalised() Config {
	def := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
	}
	if c.GraphBaseURL == "" {
		c.GraphBaseURL = def.GraphBaseURL
	}
	if c.RateLimit.WindowRequests <= 0 {
		c.RateLimit.WindowRequests = def.RateLimit.WindowRequests
	}
	if c.RateLimit.WindowMinutes <= 0 {
		c.RateLimit.WindowMinutes = def.RateLimit.WindowMinutes
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	return c
}

// ActiveProfile returns the profile recorded in dir/active_profile, or
// fallback when none has been set.
func ActiveProfile(dir, fallback string) string {
	data, err := os.ReadFile(filepath.Join(dir, "active_profile"))
	if err != nil {
		return fallback
	}
	profile := strings.TrimSpace(string(data))
	if profile == "" {
		return fallback
	}
	return profile
}

// SetActiveProfile records the active profile name.
func SetActiveProfile(dir, profile string) error {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return errors.New("config: profile name is empty")
	}
	path := filepath.Join(dir, "active_profile")
	if err := os.WriteFile(path, []byte(profile+"\n"), 0600); err != nil {
		return fmt.Errorf("write active profile: %w", err)
	}
	return nil
}
