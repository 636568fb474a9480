// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OfficeConfig holds legacy API credentials for a single office.
type OfficeConfig struct {
	ID       string `yaml:"id"`
	Alias    string `yaml:"alias"`
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LegacyConfig tunes the legacy API client.
type LegacyConfig struct {
	Rate       float64 // requests per second per office
	Burst      int
	GlobalRate float64 // 0 disables the system-wide bucket
	QueueDepth int     // callers allowed to wait on the bucket before failing fast
	SessionTTL time.Duration
	Timeout    time.Duration
	MaxReplays int // in-client replays for rejected (429) or unsent requests
}

// PollConfig tunes the reconciliation poller.
type PollConfig struct {
	Interval    time.Duration
	PageSize    int
	PageCeiling int
}

// QueueConfig tunes the job queue and worker pool.
type QueueConfig struct {
	Workers      int
	PollInterval time.Duration
	JobLease     time.Duration
	RetryBase    time.Duration
	RetryFactor  float64
	RetryCap     time.Duration
	MaxAttempts  int
	Retention    time.Duration
}

// AutomationConfig points at the external browser-automation bot.
type AutomationConfig struct {
	BotURL   string
	LeaseTTL time.Duration
}

// ClassifierConfig selects and configures the triage classifier.
type ClassifierConfig struct {
	Provider        string // "http" or "gemini"
	URL             string
	APIKey          string
	Model           string
	Timeout         time.Duration
	CampaignFloor   float64
	ConfidenceFloor float64
}

// Config holds all configuration for casebridge.
type Config struct {
	Offices []OfficeConfig

	DatabaseURL string
	RedisURL    string

	Legacy     LegacyConfig
	Poll       PollConfig
	Queue      QueueConfig
	Automation AutomationConfig
	Classifier ClassifierConfig

	Port     int
	LogLevel slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Offices []struct {
		ID       string `yaml:"id"`
		Alias    string `yaml:"alias"`
		BaseURL  string `yaml:"base_url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"offices"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Automation struct {
		BotURL string `yaml:"bot_url"`
	} `yaml:"automation"`
	Classifier struct {
		Provider string `yaml:"provider"`
		URL      string `yaml:"url"`
		APIKey   string `yaml:"api_key"`
		Model    string `yaml:"model"`
	} `yaml:"classifier"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes plus the process environment.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/casebridge")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		Legacy: LegacyConfig{
			Rate:       envOrDefaultFloat("LEGACY_RATE", 8),
			Burst:      envOrDefaultInt("LEGACY_BURST", 1),
			GlobalRate: envOrDefaultFloat("LEGACY_GLOBAL_RATE", 0),
			QueueDepth: envOrDefaultInt("LEGACY_QUEUE_DEPTH", 64),
			SessionTTL: envOrDefaultDuration("LEGACY_SESSION_TTL", 30*time.Minute),
			Timeout:    envOrDefaultDuration("LEGACY_TIMEOUT", 20*time.Second),
			MaxReplays: envOrDefaultInt("LEGACY_MAX_REPLAYS", 2),
		},
		Poll: PollConfig{
			Interval:    envOrDefaultDuration("POLL_INTERVAL", 60*time.Second),
			PageSize:    envOrDefaultInt("POLL_PAGE_SIZE", 100),
			PageCeiling: envOrDefaultInt("POLL_PAGE_CEILING", 20),
		},
		Queue: QueueConfig{
			Workers:      envOrDefaultInt("WORKERS", 4),
			PollInterval: envOrDefaultDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			JobLease:     envOrDefaultDuration("JOB_LEASE", 5*time.Minute),
			RetryBase:    envOrDefaultDuration("RETRY_BASE", time.Second),
			RetryFactor:  envOrDefaultFloat("RETRY_FACTOR", 2),
			RetryCap:     envOrDefaultDuration("RETRY_CAP", 60*time.Second),
			MaxAttempts:  envOrDefaultInt("RETRY_MAX_ATTEMPTS", 8),
			Retention:    envOrDefaultDuration("JOB_RETENTION", 7*24*time.Hour),
		},
		Automation: AutomationConfig{
			BotURL:   firstNonEmpty(raw.Automation.BotURL, envOrDefault("AUTOMATION_BOT_URL", "")),
			LeaseTTL: envOrDefaultDuration("AUTOMATION_LEASE_TTL", 10*time.Minute),
		},
		Classifier: ClassifierConfig{
			Provider:        firstNonEmpty(raw.Classifier.Provider, envOrDefault("CLASSIFIER_PROVIDER", "http")),
			URL:             firstNonEmpty(raw.Classifier.URL, envOrDefault("CLASSIFIER_URL", "")),
			APIKey:          firstNonEmpty(raw.Classifier.APIKey, envOrDefault("CLASSIFIER_API_KEY", "")),
			Model:           firstNonEmpty(raw.Classifier.Model, envOrDefault("CLASSIFIER_MODEL", "gemini-2.5-flash")),
			Timeout:         envOrDefaultDuration("CLASSIFIER_TIMEOUT", 60*time.Second),
			CampaignFloor:   envOrDefaultFloat("CAMPAIGN_MATCH_FLOOR", 0.6),
			ConfidenceFloor: envOrDefaultFloat("CLASSIFIER_CONFIDENCE_FLOOR", 0),
		},
		Port:     envOrDefaultInt("PORT", 8080),
		LogLevel: parseLevel(envOrDefault("LOG_LEVEL", "info")),
	}

	for _, o := range raw.Offices {
		oc := OfficeConfig{
			ID:       o.ID,
			Alias:    o.Alias,
			BaseURL:  strings.TrimRight(o.BaseURL, "/"),
			Username: o.Username,
			Password: o.Password,
		}

		// Skip offices with empty credentials (commented out in YAML)
		if oc.ID == "" || oc.BaseURL == "" || oc.Username == "" || oc.Password == "" {
			continue
		}

		if oc.Alias == "" {
			oc.Alias = oc.ID
		}

		cfg.Offices = append(cfg.Offices, oc)
	}

	if len(cfg.Offices) == 0 {
		return nil, fmt.Errorf("no offices configured: check config.yaml and environment variables")
	}

	if cfg.Legacy.Rate <= 0 {
		return nil, fmt.Errorf("LEGACY_RATE must be positive, got %v", cfg.Legacy.Rate)
	}

	return cfg, nil
}

// Office returns the office config for id, or nil.
func (c *Config) Office(id string) *OfficeConfig {
	for i := range c.Offices {
		if c.Offices[i].ID == id || c.Offices[i].Alias == id {
			return &c.Offices[i]
		}
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
