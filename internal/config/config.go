package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for memoryd.
type Config struct {
	ServerName string `yaml:"server_name"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	// Working memory.
	ContextWindowTokens     int     `yaml:"context_window_tokens"`
	BudgetFraction          float64 `yaml:"budget_fraction"`
	SummarizeTimeoutSeconds int     `yaml:"summarize_timeout_seconds"`
	SessionTTLSeconds       int     `yaml:"session_ttl_seconds"`
	IndexAllMessages        bool    `yaml:"index_all_messages"`

	// Promotion and compaction.
	DedupThreshold   float64 `yaml:"dedup_threshold"`
	EnableExtraction bool    `yaml:"enable_extraction"`

	// Forgetting.
	MaxAgeDays      int `yaml:"max_age_days"`
	MaxInactiveDays int `yaml:"max_inactive_days"`
	BudgetKeepTopN  int `yaml:"budget_keep_top_n"`

	// Task queue and workers.
	LifecycleIntervalSeconds int `yaml:"lifecycle_interval_seconds"`
	ReaperIntervalSeconds    int `yaml:"reaper_interval_seconds"`
	RedeliveryTimeoutSeconds int `yaml:"redelivery_timeout_seconds"`
	MaxAttempts              int `yaml:"max_attempts"`
	RetryBackoffSeconds      int `yaml:"retry_backoff_seconds"`
	WorkerCount              int `yaml:"worker_count"`
	LeaseBatchSize           int `yaml:"lease_batch_size"`
	TaskTimeoutSeconds       int `yaml:"task_timeout_seconds"`

	// Embedding provider. Empty endpoint selects the offline hash provider.
	EmbedEndpoint       string `yaml:"embed_endpoint"`
	EmbedAPIKey         string `yaml:"embed_api_key"`
	EmbedModel          string `yaml:"embed_model"`
	EmbedDimensions     int    `yaml:"embed_dimensions"`
	EmbedTimeoutSeconds int    `yaml:"embed_timeout_seconds"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName:               "memoryd",
		DBPath:                   filepath.Join(userHomeDir(), ".memoryd", "memory.db"),
		LogLevel:                 "info",
		ContextWindowTokens:      4096,
		BudgetFraction:           0.7,
		SummarizeTimeoutSeconds:  30,
		SessionTTLSeconds:        0,
		IndexAllMessages:         false,
		DedupThreshold:           0.92,
		EnableExtraction:         false,
		MaxAgeDays:               180,
		MaxInactiveDays:          90,
		BudgetKeepTopN:           10000,
		LifecycleIntervalSeconds: 300,
		ReaperIntervalSeconds:    15,
		RedeliveryTimeoutSeconds: 30,
		MaxAttempts:              5,
		RetryBackoffSeconds:      2,
		WorkerCount:              4,
		LeaseBatchSize:           8,
		TaskTimeoutSeconds:       60,
		EmbedModel:               "text-embedding-3-small",
		EmbedDimensions:          384,
		EmbedTimeoutSeconds:      30,
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.ContextWindowTokens <= 0 {
		return errors.New("context_window_tokens must be > 0")
	}
	if c.BudgetFraction <= 0 || c.BudgetFraction > 1 {
		return errors.New("budget_fraction must be in (0, 1]")
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return errors.New("dedup_threshold must be in (0, 1]")
	}
	if c.MaxAgeDays <= 0 {
		return errors.New("max_age_days must be > 0")
	}
	if c.MaxInactiveDays <= 0 {
		return errors.New("max_inactive_days must be > 0")
	}
	if c.BudgetKeepTopN <= 0 {
		return errors.New("budget_keep_top_n must be > 0")
	}
	if c.LifecycleIntervalSeconds <= 0 {
		return errors.New("lifecycle_interval_seconds must be > 0")
	}
	if c.ReaperIntervalSeconds <= 0 {
		return errors.New("reaper_interval_seconds must be > 0")
	}
	if c.RedeliveryTimeoutSeconds <= 0 {
		return errors.New("redelivery_timeout_seconds must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max_attempts must be > 0")
	}
	if c.RetryBackoffSeconds <= 0 {
		return errors.New("retry_backoff_seconds must be > 0")
	}
	if c.WorkerCount <= 0 {
		return errors.New("worker_count must be > 0")
	}
	if c.LeaseBatchSize <= 0 {
		return errors.New("lease_batch_size must be > 0")
	}
	if c.TaskTimeoutSeconds <= 0 {
		return errors.New("task_timeout_seconds must be > 0")
	}
	if c.EmbedDimensions <= 0 {
		return errors.New("embed_dimensions must be > 0")
	}
	if c.EmbedTimeoutSeconds <= 0 {
		return errors.New("embed_timeout_seconds must be > 0")
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
