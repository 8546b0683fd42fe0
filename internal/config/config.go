package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elonfeng/sourcerep/pkg/reputation"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Reputation ReputationConfig `yaml:"reputation"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Locks      LocksConfig      `yaml:"locks"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// DatabaseConfig selects the store. For sqlite the dsn is a file path.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Timeout string `yaml:"timeout"`
}

// ParseTimeout returns the per-operation store timeout.
func (d DatabaseConfig) ParseTimeout() time.Duration {
	t, err := time.ParseDuration(d.Timeout)
	if err != nil || t <= 0 {
		return 5 * time.Second
	}
	return t
}

// ReputationConfig holds the scoring parameters.
type ReputationConfig struct {
	MaxRatingsPerDay int     `yaml:"max_ratings_per_day"`
	MaxCommentLength int     `yaml:"max_comment_length"`
	MaxNoteLength    int     `yaml:"max_note_length"`
	TrustMin         float64 `yaml:"trust_min"`
	TrustMax         float64 `yaml:"trust_max"`
	TrustDefault     float64 `yaml:"trust_default"`
	FeedbackStep     float64 `yaml:"feedback_step"`

	SpikeThreshold         int     `yaml:"spike_threshold"`
	SpikeWindow            string  `yaml:"spike_window"`
	CoordinationWindow     int     `yaml:"coordination_window"`
	CoordinationThreshold  float64 `yaml:"coordination_threshold"`
	CoordinationMinRatings int     `yaml:"coordination_min_ratings"`

	StaleAfter       string `yaml:"stale_after"`
	DecayPerWeek     int    `yaml:"decay_per_week"`
	MaxDecay         int    `yaml:"max_decay"`
	DecayConcurrency int    `yaml:"decay_concurrency"`

	ScoreFloor   int `yaml:"score_floor"`
	ScoreCeiling int `yaml:"score_ceiling"`
	InitialScore int `yaml:"initial_score"`

	RatingWeight   float64 `yaml:"rating_weight"`
	AccuracyWeight float64 `yaml:"accuracy_weight"`
	CurrentWeight  float64 `yaml:"current_weight"`

	NotifyTimeout string `yaml:"notify_timeout"`
}

// ParseNotifyTimeout returns how long anomaly notifications may take.
func (r ReputationConfig) ParseNotifyTimeout() time.Duration {
	d, err := time.ParseDuration(r.NotifyTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ParseSpikeWindow returns the spike window as time.Duration.
func (r ReputationConfig) ParseSpikeWindow() time.Duration {
	d, err := time.ParseDuration(r.SpikeWindow)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// ParseStaleAfter returns the staleness threshold. Besides Go durations it
// accepts a day count such as "30d".
func (r ReputationConfig) ParseStaleAfter() time.Duration {
	if n := len(r.StaleAfter); n > 1 && r.StaleAfter[n-1] == 'd' {
		if days, err := strconv.Atoi(r.StaleAfter[:n-1]); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	d, err := time.ParseDuration(r.StaleAfter)
	if err != nil || d <= 0 {
		return 30 * 24 * time.Hour
	}
	return d
}

// EngineOptions maps the section onto engine options. Runtime hooks (clock,
// locker, notifier, metrics, logger) are left for the caller.
func (r ReputationConfig) EngineOptions() reputation.Options {
	return reputation.Options{
		MaxRatingsPerDay:       r.MaxRatingsPerDay,
		MaxCommentLen:          r.MaxCommentLength,
		MaxNoteLen:             r.MaxNoteLength,
		TrustMin:               r.TrustMin,
		TrustMax:               r.TrustMax,
		TrustDefault:           r.TrustDefault,
		FeedbackStep:           r.FeedbackStep,
		SpikeThreshold:         r.SpikeThreshold,
		SpikeWindow:            r.ParseSpikeWindow(),
		CoordinationWindow:     r.CoordinationWindow,
		CoordinationThreshold:  r.CoordinationThreshold,
		CoordinationMinRatings: r.CoordinationMinRatings,
		StaleAfter:             r.ParseStaleAfter(),
		DecayPerWeek:           r.DecayPerWeek,
		MaxDecay:               r.MaxDecay,
		DecayConcurrency:       r.DecayConcurrency,
		ScoreFloor:             r.ScoreFloor,
		ScoreCeiling:           r.ScoreCeiling,
		InitialScore:           r.InitialScore,
		Weights: reputation.Weights{
			Rating:   r.RatingWeight,
			Accuracy: r.AccuracyWeight,
			Current:  r.CurrentWeight,
		},
		NotifyTimeout: r.ParseNotifyTimeout(),
	}
}

// ScheduleConfig configures background jobs.
type ScheduleConfig struct {
	// DecayCron is a cron expression or descriptor such as "@weekly".
	DecayCron    string `yaml:"decay_cron"`
	FeedInterval string `yaml:"feed_interval"`
}

// ParseFeedInterval returns the feed poll interval as time.Duration.
func (s ScheduleConfig) ParseFeedInterval() time.Duration {
	d, err := time.ParseDuration(s.FeedInterval)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// LocksConfig selects how recomputations of one source are serialized.
// "memory" covers a single process; "redis" covers several.
type LocksConfig struct {
	Backend string      `yaml:"backend"`
	TTL     string      `yaml:"ttl"`
	Redis   RedisConfig `yaml:"redis"`
}

// ParseTTL returns the redis lock lease.
func (l LocksConfig) ParseTTL() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// RedisConfig for the distributed lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FeedsConfig configures the feed watcher.
type FeedsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Timeout     string `yaml:"timeout"`
	Concurrency int    `yaml:"concurrency"`
}

// ParseTimeout returns the per-feed fetch timeout.
func (f FeedsConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(f.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// AlertsConfig configures anomaly alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug, release or test
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "sqlite",
			DSN:     "./sourcerep.db",
			Timeout: "5s",
		},
		Reputation: ReputationConfig{
			MaxRatingsPerDay:       20,
			MaxCommentLength:       2000,
			MaxNoteLength:          1000,
			TrustMin:               0.1,
			TrustMax:               3.0,
			TrustDefault:           1.0,
			FeedbackStep:           0.05,
			SpikeThreshold:         5,
			SpikeWindow:            "1h",
			CoordinationWindow:     10,
			CoordinationThreshold:  0.8,
			CoordinationMinRatings: 5,
			StaleAfter:             "30d",
			DecayPerWeek:           2,
			MaxDecay:               20,
			DecayConcurrency:       4,
			ScoreFloor:             10,
			ScoreCeiling:           100,
			InitialScore:           50,
			RatingWeight:           0.3,
			AccuracyWeight:         0.5,
			CurrentWeight:          0.2,
			NotifyTimeout:          "30s",
		},
		Schedule: ScheduleConfig{
			DecayCron:    "@weekly",
			FeedInterval: "30m",
		},
		Locks: LocksConfig{
			Backend: "memory",
			TTL:     "30s",
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Feeds: FeedsConfig{
			Enabled:     true,
			Timeout:     "30s",
			Concurrency: 4,
		},
		Server: ServerConfig{Port: 8080, Mode: "release"},
		Log:    LogConfig{Level: "info", Environment: "production"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot honor.
func (c *Config) Validate() error {
	var errs []error
	r := c.Reputation

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if r.TrustMin <= 0 || r.TrustMin > r.TrustMax {
		errs = append(errs, fmt.Errorf("trust bounds [%g, %g] are inverted or not positive", r.TrustMin, r.TrustMax))
	}
	if r.TrustDefault < r.TrustMin || r.TrustDefault > r.TrustMax {
		errs = append(errs, fmt.Errorf("trust_default %g is outside [%g, %g]", r.TrustDefault, r.TrustMin, r.TrustMax))
	}
	if r.ScoreFloor < 0 || r.ScoreFloor >= r.ScoreCeiling {
		errs = append(errs, fmt.Errorf("score bounds [%d, %d] are inverted", r.ScoreFloor, r.ScoreCeiling))
	}
	if r.InitialScore < r.ScoreFloor || r.InitialScore > r.ScoreCeiling {
		errs = append(errs, fmt.Errorf("initial_score %d is outside [%d, %d]", r.InitialScore, r.ScoreFloor, r.ScoreCeiling))
	}
	if sum := r.RatingWeight + r.AccuracyWeight + r.CurrentWeight; math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("score weights sum to %g, want 1", sum))
	}
	if r.CoordinationThreshold <= 0 || r.CoordinationThreshold > 1 {
		errs = append(errs, fmt.Errorf("coordination_threshold %g is outside (0, 1]", r.CoordinationThreshold))
	}
	switch c.Locks.Backend {
	case "memory":
	case "redis":
		if c.Locks.Redis.Addr == "" {
			errs = append(errs, errors.New("locks.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("locks.backend %q is not memory or redis", c.Locks.Backend))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SOURCEREP_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SOURCEREP_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SOURCEREP_REDIS_ADDR"); v != "" {
		cfg.Locks.Redis.Addr = v
		cfg.Locks.Backend = "redis"
	}
	if v := os.Getenv("SOURCEREP_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("SOURCEREP_WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("SOURCEREP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
