package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts := cfg.Reputation.EngineOptions()
	assert.Equal(t, 20, opts.MaxRatingsPerDay)
	assert.Equal(t, 30*24*time.Hour, opts.StaleAfter)
	assert.Equal(t, time.Hour, opts.SpikeWindow)
	assert.InDelta(t, 0.5, opts.Weights.Accuracy, 1e-9)
	assert.Equal(t, 1000, opts.MaxNoteLen)
	assert.Equal(t, 30*time.Second, opts.NotifyTimeout)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sourcerep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://rep@localhost/rep?sslmode=disable
reputation:
  max_ratings_per_day: 5
  stale_after: 14d
  spike_window: 30m
  max_note_length: 250
  notify_timeout: 5s
schedule:
  decay_cron: "0 3 * * 1"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Reputation.MaxRatingsPerDay)
	assert.Equal(t, 14*24*time.Hour, cfg.Reputation.ParseStaleAfter())
	assert.Equal(t, 30*time.Minute, cfg.Reputation.ParseSpikeWindow())
	assert.Equal(t, "0 3 * * 1", cfg.Schedule.DecayCron)
	opts := cfg.Reputation.EngineOptions()
	assert.Equal(t, 250, opts.MaxNoteLen)
	assert.Equal(t, 5*time.Second, opts.NotifyTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 20, cfg.Reputation.MaxDecay)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOURCEREP_DB_DSN", "/tmp/env.db")
	t.Setenv("SOURCEREP_REDIS_ADDR", "redis:6379")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.test/x")
	t.Setenv("SOURCEREP_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.DSN)
	assert.Equal(t, "redis", cfg.Locks.Backend)
	assert.Equal(t, "redis:6379", cfg.Locks.Redis.Addr)
	assert.True(t, cfg.Alerts.Slack.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted trust", func(c *Config) { c.Reputation.TrustMin = 4 }},
		{"inverted score bounds", func(c *Config) { c.Reputation.ScoreFloor = 100 }},
		{"weights do not sum to one", func(c *Config) { c.Reputation.RatingWeight = 0.6 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"unknown lock backend", func(c *Config) { c.Locks.Backend = "etcd" }},
		{"coordination threshold above one", func(c *Config) { c.Reputation.CoordinationThreshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseFallbacks(t *testing.T) {
	assert.Equal(t, 30*time.Minute, ScheduleConfig{FeedInterval: "soon"}.ParseFeedInterval())
	assert.Equal(t, 5*time.Second, DatabaseConfig{}.ParseTimeout())
	assert.Equal(t, 30*time.Second, LocksConfig{TTL: "-1s"}.ParseTTL())
	assert.Equal(t, 30*24*time.Hour, ReputationConfig{StaleAfter: "xd"}.ParseStaleAfter())
	assert.Equal(t, 30*time.Second, ReputationConfig{NotifyTimeout: "0s"}.ParseNotifyTimeout())
}
