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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// WebhookConfig configures the inbound-parse endpoint.
type WebhookConfig struct {
	Secret             string
	MaxBodyBytes       int64
	MaxAttachmentBytes int64
	MaxAttachments     int
	RatePerSecond      float64
	Burst              int
	TrustProxy         bool
	MessageIDSuffix    string
	MaxContentChars    int
	SpamThreshold      float64
}

// ThreadingConfig tunes subject-based thread matching.
type ThreadingConfig struct {
	RecencyWindow         time.Duration
	MinParticipantOverlap int
	MinSubjectLength      int
	MaxCandidates         int
	MaxReferenceLookups   int
}

// LimitsConfig holds the send quotas.
type LimitsConfig struct {
	TestPerHour           int
	CampaignPerDay        int
	ApprovalPerHour       int
	TestMaxRecipients     int
	CampaignMaxRecipients int
	DailyRecipients       int
	Location              *time.Location
}

// RetentionConfig controls the cleanup job.
type RetentionConfig struct {
	Windows  time.Duration
	Activity time.Duration
	Schedule string
}

// BlobConfig configures attachment storage. An empty Endpoint disables uploads.
type BlobConfig struct {
	Endpoint      string
	PublicBaseURL string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Scopes        []string
}

// Config holds all configuration for the inbound service.
type Config struct {
	Port int

	StoreDriver string
	DatabaseURL string

	// Redis
	RedisURL    string
	EventsQueue string
	DedupTTL    time.Duration

	Webhook   WebhookConfig
	Threading ThreadingConfig
	Limits    LimitsConfig
	Retention RetentionConfig
	Blob      BlobConfig

	QuotaAPIToken string
	LogLevel      string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port     int    `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Store struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"store"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
		DedupTTL string `yaml:"dedup_ttl"`
	} `yaml:"redis"`
	Webhook struct {
		Secret             string  `yaml:"secret"`
		MaxBodyBytes       int64   `yaml:"max_body_bytes"`
		MaxAttachmentBytes int64   `yaml:"max_attachment_bytes"`
		MaxAttachments     int     `yaml:"max_attachments"`
		RatePerSecond      float64 `yaml:"rate_per_second"`
		Burst              int     `yaml:"burst"`
		TrustProxy         bool    `yaml:"trust_proxy"`
		MessageIDSuffix    string  `yaml:"message_id_suffix"`
		MaxContentChars    int     `yaml:"max_content_chars"`
		SpamThreshold      float64 `yaml:"spam_threshold"`
	} `yaml:"webhook"`
	Threading struct {
		RecencyWindow         string `yaml:"recency_window"`
		MinParticipantOverlap int    `yaml:"min_participant_overlap"`
		MinSubjectLength      int    `yaml:"min_subject_length"`
		MaxCandidates         int    `yaml:"max_candidates"`
		MaxReferenceLookups   int    `yaml:"max_reference_lookups"`
	} `yaml:"threading"`
	Limits struct {
		TestPerHour           int    `yaml:"test_per_hour"`
		CampaignPerDay        int    `yaml:"campaign_per_day"`
		ApprovalPerHour       int    `yaml:"approval_per_hour"`
		TestMaxRecipients     int    `yaml:"test_max_recipients"`
		CampaignMaxRecipients int    `yaml:"campaign_max_recipients"`
		DailyRecipients       int    `yaml:"daily_recipients"`
		Timezone              string `yaml:"timezone"`
	} `yaml:"limits"`
	Retention struct {
		Windows  string `yaml:"windows"`
		Activity string `yaml:"activity"`
		Schedule string `yaml:"schedule"`
	} `yaml:"retention"`
	Blob struct {
		Endpoint      string   `yaml:"endpoint"`
		PublicBaseURL string   `yaml:"public_base_url"`
		TokenURL      string   `yaml:"token_url"`
		ClientID      string   `yaml:"client_id"`
		ClientSecret  string   `yaml:"client_secret"`
		Scopes        []string `yaml:"scopes"`
	} `yaml:"blob"`
	QuotaAPI struct {
		Token string `yaml:"token"`
	} `yaml:"quota_api"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A missing config file is not an error; every
// setting has an environment variable or a default.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes, filling unset values from the
// environment and defaults.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Port:        intOr(raw.Server.Port, "PORT", 8080),
		LogLevel:    firstNonEmpty(raw.Server.LogLevel, envOrDefault("LOG_LEVEL", "info")),
		StoreDriver: strings.ToLower(firstNonEmpty(raw.Store.Driver, envOrDefault("STORE_DRIVER", DriverPostgres))),
		DatabaseURL: firstNonEmpty(raw.Store.DatabaseURL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue: firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "inbound:events")),

		Webhook: WebhookConfig{
			Secret:             firstNonEmpty(raw.Webhook.Secret, os.Getenv("WEBHOOK_SECRET")),
			MaxBodyBytes:       int64Or(raw.Webhook.MaxBodyBytes, "WEBHOOK_MAX_BODY_BYTES", 30<<20),
			MaxAttachmentBytes: int64Or(raw.Webhook.MaxAttachmentBytes, "MAX_ATTACHMENT_BYTES", 25<<20),
			MaxAttachments:     intOr(raw.Webhook.MaxAttachments, "MAX_ATTACHMENTS", 50),
			RatePerSecond:      floatOr(raw.Webhook.RatePerSecond, "WEBHOOK_RATE_PER_SECOND", 0),
			Burst:              intOr(raw.Webhook.Burst, "WEBHOOK_BURST", 20),
			TrustProxy:         raw.Webhook.TrustProxy || envOrDefault("WEBHOOK_TRUST_PROXY", "") == "true",
			MessageIDSuffix:    firstNonEmpty(raw.Webhook.MessageIDSuffix, envOrDefault("MESSAGE_ID_SUFFIX", "inbound.local")),
			MaxContentChars:    intOr(raw.Webhook.MaxContentChars, "MAX_CONTENT_CHARS", 900000),
			SpamThreshold:      floatOr(raw.Webhook.SpamThreshold, "SPAM_THRESHOLD", 5.0),
		},

		Threading: ThreadingConfig{
			MinParticipantOverlap: intOr(raw.Threading.MinParticipantOverlap, "THREAD_MIN_PARTICIPANT_OVERLAP", 1),
			MinSubjectLength:      intOr(raw.Threading.MinSubjectLength, "THREAD_MIN_SUBJECT_LENGTH", 3),
			MaxCandidates:         intOr(raw.Threading.MaxCandidates, "THREAD_MAX_CANDIDATES", 5),
			MaxReferenceLookups:   intOr(raw.Threading.MaxReferenceLookups, "THREAD_MAX_REFERENCE_LOOKUPS", 10),
		},

		Limits: LimitsConfig{
			TestPerHour:           intOr(raw.Limits.TestPerHour, "LIMIT_TEST_PER_HOUR", 10),
			CampaignPerDay:        intOr(raw.Limits.CampaignPerDay, "LIMIT_CAMPAIGN_PER_DAY", 50),
			ApprovalPerHour:       intOr(raw.Limits.ApprovalPerHour, "LIMIT_APPROVAL_PER_HOUR", 30),
			TestMaxRecipients:     intOr(raw.Limits.TestMaxRecipients, "LIMIT_TEST_MAX_RECIPIENTS", 5),
			CampaignMaxRecipients: intOr(raw.Limits.CampaignMaxRecipients, "LIMIT_CAMPAIGN_MAX_RECIPIENTS", 500),
			DailyRecipients:       intOr(raw.Limits.DailyRecipients, "LIMIT_DAILY_RECIPIENTS", 5000),
		},

		Retention: RetentionConfig{
			Schedule: firstNonEmpty(raw.Retention.Schedule, envOrDefault("CLEANUP_SCHEDULE", "0 3 * * *")),
		},

		Blob: BlobConfig{
			Endpoint:      firstNonEmpty(raw.Blob.Endpoint, os.Getenv("BLOB_ENDPOINT")),
			PublicBaseURL: firstNonEmpty(raw.Blob.PublicBaseURL, os.Getenv("BLOB_PUBLIC_BASE_URL")),
			TokenURL:      firstNonEmpty(raw.Blob.TokenURL, os.Getenv("BLOB_TOKEN_URL")),
			ClientID:      firstNonEmpty(raw.Blob.ClientID, os.Getenv("BLOB_CLIENT_ID")),
			ClientSecret:  firstNonEmpty(raw.Blob.ClientSecret, os.Getenv("BLOB_CLIENT_SECRET")),
			Scopes:        raw.Blob.Scopes,
		},

		QuotaAPIToken: firstNonEmpty(raw.QuotaAPI.Token, os.Getenv("QUOTA_API_TOKEN")),
	}

	var err error
	durations := []struct {
		dst      *time.Duration
		raw, env string
		fallback time.Duration
	}{
		{&cfg.DedupTTL, raw.Redis.DedupTTL, "DEDUP_TTL", 24 * time.Hour},
		{&cfg.Threading.RecencyWindow, raw.Threading.RecencyWindow, "THREAD_RECENCY_WINDOW", 30 * 24 * time.Hour},
		{&cfg.Retention.Windows, raw.Retention.Windows, "RETENTION_WINDOWS", 7 * 24 * time.Hour},
		{&cfg.Retention.Activity, raw.Retention.Activity, "RETENTION_ACTIVITY", 30 * 24 * time.Hour},
	}
	for _, d := range durations {
		if *d.dst, err = durationOr(d.raw, d.env, d.fallback); err != nil {
			return nil, err
		}
	}

	tz := firstNonEmpty(raw.Limits.Timezone, envOrDefault("LIMITS_TIMEZONE", "UTC"))
	if cfg.Limits.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("load limits timezone %q: %w", tz, err)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("store driver %q requires a database URL (DATABASE_URL)", DriverPostgres)
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// durationOr parses the YAML value, then the environment variable, then
// falls back. An unparsable YAML value is an error.
func durationOr(raw, key string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", raw, err)
		}
		return d, nil
	}
	return envOrDefaultDuration(key, fallback), nil
}

func intOr(raw int, key string, fallback int) int {
	if raw != 0 {
		return raw
	}
	return envOrDefaultInt(key, fallback)
}

func int64Or(raw int64, key string, fallback int64) int64 {
	if raw != 0 {
		return raw
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func floatOr(raw float64, key string, fallback float64) float64 {
	if raw != 0 {
		return raw
	}
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
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
