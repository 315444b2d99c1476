// Package config provides YAML-based configuration loading for Recital.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Recital configuration, loaded from recital.yaml.
type Config struct {
	Owner    string         `yaml:"owner"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Recorder RecorderConfig `yaml:"recorder"`
	Upload   UploadConfig   `yaml:"upload"`
	Worker   WorkerConfig   `yaml:"worker"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// DatabaseConfig holds connection settings for the session store database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | mysql
	Path   string `yaml:"path"`   // sqlite file path
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// ServerConfig holds settings for the session store API server.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	BaseURL    string `yaml:"base_url"`
	SignSecret string `yaml:"sign_secret"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	Dir              string        `yaml:"dir"`
	SignedURLTTL     time.Duration `yaml:"signed_url_ttl"`
	URLCacheFraction float64       `yaml:"url_cache_fraction"`
}

// RecorderConfig holds the auto-fragmenting recorder tunables.
type RecorderConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Tolerance          time.Duration `yaml:"tolerance"`
	MeteringPeriod     time.Duration `yaml:"metering_period"`
	SilenceThresholdDB float64       `yaml:"silence_threshold_db"`
	FragmentDir        string        `yaml:"fragment_dir"`
	QueuePath          string        `yaml:"queue_path"`
}

// UploadConfig holds the fragment upload retry policy.
type UploadConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Backoff     []time.Duration `yaml:"backoff"`
}

// WorkerConfig holds finalization worker settings.
type WorkerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepSchedule string        `yaml:"sweep_schedule"` // 5-field cron expression
	SweepGrace    time.Duration `yaml:"sweep_grace"`
	FfmpegBin     string        `yaml:"ffmpeg_bin"`
}

// NotifyConfig controls failure notification delivery.
type NotifyConfig struct {
	Command      string `yaml:"command"` // shell template, e.g. "notify-send 'Recital' '{{.Subject}}'"
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" && c.Owner != "" {
		c.Database.Path = "recital_" + c.Owner + ".db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" && c.Owner != "" {
		c.Database.Name = "recital_" + c.Owner
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "blobs"
	}
	if c.Storage.SignedURLTTL == 0 {
		c.Storage.SignedURLTTL = 60 * time.Minute
	}
	if c.Storage.URLCacheFraction == 0 {
		c.Storage.URLCacheFraction = 50.0 / 60.0
	}
	if c.Recorder.Interval == 0 {
		c.Recorder.Interval = 120 * time.Second
	}
	if c.Recorder.Tolerance == 0 {
		c.Recorder.Tolerance = 15 * time.Second
	}
	if c.Recorder.MeteringPeriod == 0 {
		c.Recorder.MeteringPeriod = 300 * time.Millisecond
	}
	if c.Recorder.SilenceThresholdDB == 0 {
		c.Recorder.SilenceThresholdDB = -40
	}
	if c.Recorder.FragmentDir == "" {
		c.Recorder.FragmentDir = "fragments"
	}
	if c.Recorder.QueuePath == "" {
		c.Recorder.QueuePath = "upload_queue.db"
	}
	if c.Upload.MaxAttempts == 0 {
		c.Upload.MaxAttempts = 3
	}
	if len(c.Upload.Backoff) == 0 {
		c.Upload.Backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.SweepSchedule == "" {
		c.Worker.SweepSchedule = "0 3 * * *"
	}
	if c.Worker.SweepGrace == 0 {
		c.Worker.SweepGrace = 24 * time.Hour
	}
	if c.Worker.FfmpegBin == "" {
		c.Worker.FfmpegBin = "ffmpeg"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Recorder.Tolerance >= c.Recorder.Interval {
		errs = append(errs, "recorder.tolerance must be shorter than recorder.interval")
	}
	if c.Recorder.SilenceThresholdDB >= 0 {
		errs = append(errs, "recorder.silence_threshold_db must be negative (dBFS)")
	}
	if c.Upload.MaxAttempts < 1 {
		errs = append(errs, "upload.max_attempts must be at least 1")
	}
	if c.Storage.URLCacheFraction < 0 || c.Storage.URLCacheFraction > 1 {
		errs = append(errs, "storage.url_cache_fraction must be within [0, 1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
