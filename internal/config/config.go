// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/leadsignal/harvester/internal/session"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Harvest  HarvestConfig  `mapstructure:"harvest"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Pacing   PacingConfig   `mapstructure:"pacing"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// HarvestConfig governs the run itself.
type HarvestConfig struct {
	TargetFile      string `mapstructure:"target_file"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Workers         int    `mapstructure:"workers"`
	QueueDepth      int    `mapstructure:"queue_depth"`
	WatchTargetFile bool   `mapstructure:"watch_target_file"`
	ProbeTargets    bool   `mapstructure:"probe_targets"`
}

// BrowserConfig configures the headless browsing environment.
type BrowserConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	UserAgent     string `mapstructure:"user_agent"`
	Headless      bool   `mapstructure:"headless"`
	SessionDir    string `mapstructure:"session_dir"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	FetchTimeout  int    `mapstructure:"fetch_timeout_seconds"`
}

// PacingConfig bounds the randomized politeness windows, in seconds except
// where noted.
type PacingConfig struct {
	MinDelaySec     int `mapstructure:"min_delay_seconds"`
	MaxDelaySec     int `mapstructure:"max_delay_seconds"`
	PenaltyMinSec   int `mapstructure:"penalty_min_seconds"`
	PenaltyMaxSec   int `mapstructure:"penalty_max_seconds"`
	CooldownMinMin  int `mapstructure:"cooldown_min_minutes"`
	CooldownMaxMin  int `mapstructure:"cooldown_max_minutes"`
	ProfileCapMin   int `mapstructure:"profile_cap_min"`
	ProfileCapMax   int `mapstructure:"profile_cap_max"`
	SessionMinMin   int `mapstructure:"session_min_minutes"`
	SessionMaxMin   int `mapstructure:"session_max_minutes"`
	DailyCapMin     int `mapstructure:"daily_cap_min"`
	DailyCapMax     int `mapstructure:"daily_cap_max"`
	FailureBudget   int `mapstructure:"failure_budget"`
	MaxAuthAttempts int `mapstructure:"max_auth_attempts"`
}

// StorageConfig selects the checkpoint/profile persistence backend.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for run progress notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where raw page snapshots land.
type ArchiveConfig struct {
	// Backend is "none", "local", or "gcs".
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ProgressConfig governs snapshot cadence.
type ProgressConfig struct {
	SnapshotIntervalSec int `mapstructure:"snapshot_interval_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("harvest.workers", 1)
	v.SetDefault("harvest.queue_depth", 256)
	v.SetDefault("harvest.watch_target_file", false)
	v.SetDefault("harvest.probe_targets", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.session_dir", "sessions")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.fetch_timeout_seconds", 180)
	v.SetDefault("pacing.min_delay_seconds", 120)
	v.SetDefault("pacing.max_delay_seconds", 300)
	v.SetDefault("pacing.penalty_min_seconds", 300)
	v.SetDefault("pacing.penalty_max_seconds", 600)
	v.SetDefault("pacing.cooldown_min_minutes", 120)
	v.SetDefault("pacing.cooldown_max_minutes", 240)
	v.SetDefault("pacing.profile_cap_min", 3)
	v.SetDefault("pacing.profile_cap_max", 5)
	v.SetDefault("pacing.session_min_minutes", 60)
	v.SetDefault("pacing.session_max_minutes", 120)
	v.SetDefault("pacing.daily_cap_min", 15)
	v.SetDefault("pacing.daily_cap_max", 25)
	v.SetDefault("pacing.failure_budget", 5)
	v.SetDefault("pacing.max_auth_attempts", 2)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "harvester.db")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "profiles")
	v.SetDefault("logging.development", true)
	v.SetDefault("progress.snapshot_interval_seconds", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.Workers <= 0 {
		return fmt.Errorf("harvest.workers must be > 0")
	}
	if c.Pacing.MinDelaySec <= 0 || c.Pacing.MaxDelaySec < c.Pacing.MinDelaySec {
		return fmt.Errorf("pacing delay window is invalid")
	}
	if c.Pacing.ProfileCapMin <= 0 || c.Pacing.ProfileCapMax < c.Pacing.ProfileCapMin {
		return fmt.Errorf("pacing profile cap window is invalid")
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite backend")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite, or postgres")
	}
	switch c.Archive.Backend {
	case "none", "local":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, local, or gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// FetchTimeout returns the per-profile fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Browser.FetchTimeout) * time.Second
}

// SnapshotInterval returns the progress snapshot cadence.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Progress.SnapshotIntervalSec) * time.Second
}

// Policy converts the pacing windows into a session policy.
func (c Config) Policy() session.Policy {
	return session.Policy{
		MinDelay:      time.Duration(c.Pacing.MinDelaySec) * time.Second,
		MaxDelay:      time.Duration(c.Pacing.MaxDelaySec) * time.Second,
		PenaltyMin:    time.Duration(c.Pacing.PenaltyMinSec) * time.Second,
		PenaltyMax:    time.Duration(c.Pacing.PenaltyMaxSec) * time.Second,
		CooldownMin:   time.Duration(c.Pacing.CooldownMinMin) * time.Minute,
		CooldownMax:   time.Duration(c.Pacing.CooldownMaxMin) * time.Minute,
		ProfileCapMin: c.Pacing.ProfileCapMin,
		ProfileCapMax: c.Pacing.ProfileCapMax,
		SessionMin:    time.Duration(c.Pacing.SessionMinMin) * time.Minute,
		SessionMax:    time.Duration(c.Pacing.SessionMaxMin) * time.Minute,
		DailyCapMin:   c.Pacing.DailyCapMin,
		DailyCapMax:   c.Pacing.DailyCapMax,
		FailureBudget: c.Pacing.FailureBudget,
	}
}
