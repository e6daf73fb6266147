package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Import.MaxRetries)
	assert.Equal(t, 10, cfg.Dedup.CandidateLimit)
	assert.Equal(t, float64(100), cfg.Dedup.ESHighScoreThreshold)
	assert.Equal(t, float64(50), cfg.Dedup.ESMinScoreThreshold)
	assert.Equal(t, 0.6, cfg.Dedup.JaccardThreshold)
	assert.Equal(t, 2, cfg.Dedup.ShortTitleMaxTokens)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetryDepth)
	assert.Equal(t, 10000, cfg.Search.MaxResultWindow)
	assert.Equal(t, []string{"title", "abstract", "authors"}, cfg.Search.DefaultFields)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
data_dir: /var/lib/repo
import:
  max_retries: 5
dispatch:
  sweep_interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/repo", cfg.DataDir)
	assert.Equal(t, 5, cfg.Import.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.SweepInterval)
	// untouched values keep defaults
	assert.Equal(t, 0.6, cfg.Dedup.JaccardThreshold)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero candidate limit", func(c *Config) { c.Dedup.CandidateLimit = 0 }},
		{"zero score scale", func(c *Config) { c.Dedup.ScoreScale = 0 }},
		{"inverted lease bounds", func(c *Config) { c.Dispatch.MinLease = 3 * time.Hour }},
		{"zero concurrency", func(c *Config) { c.Bus.Concurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
