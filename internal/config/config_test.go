package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "work", cfg.DefaultProfile)
	assert.Equal(t, "https://graph.microsoft.com/v1.0", cfg.GraphBaseURL)
	assert.Equal(t, 10000, cfg.RateLimit.WindowRequests)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.Window())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FullFile(t *testing.T) {
	dir := t.TempDir()
	content := `
default_profile = "personal"
graph_base_url = "https://graph.example.com/v1.0"

[rate_limit]
window_requests = 500
window_minutes = 5
smooth_rps = 2.0
burst = 4

[log]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "personal", cfg.DefaultProfile)
	assert.Equal(t, "https://graph.example.com/v1.0", cfg.GraphBaseURL)
	assert.Equal(t, 500, cfg.RateLimit.WindowRequests)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.Window())
	assert.Equal(t, 2.0, cfg.RateLimit.SmoothRPS)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_PartialFileBackfillsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"),
		[]byte(`default_profile = "personal"`), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "personal", cfg.DefaultProfile)
	// Untouched sections keep working defaults.
	assert.Equal(t, 10000, cfg.RateLimit.WindowRequests)
	assert.Equal(t, 10, cfg.RateLimit.WindowMinutes)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"),
		[]byte(`not valid = = toml`), 0600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestActiveProfile(t *testing.T) {
	dir := t.TempDir()

	t.Run("absent file returns fallback", func(t *testing.T) {
		assert.Equal(t, "work", ActiveProfile(dir, "work"))
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, SetActiveProfile(dir, "personal"))
		assert.Equal(t, "personal", ActiveProfile(dir, "work"))
	})

	t.Run("whitespace trimmed", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "active_profile"),
			[]byte("  staging \n"), 0600))
		assert.Equal(t, "staging", ActiveProfile(dir, "work"))
	})

	t.Run("empty file returns fallback", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "active_profile"),
			[]byte("\n"), 0600))
		assert.Equal(t, "work", ActiveProfile(dir, "work"))
	})
}

func TestSetActiveProfile_EmptyName(t *testing.T) {
	assert.Error(t, SetActiveProfile(t.TempDir(), "  "))
}
