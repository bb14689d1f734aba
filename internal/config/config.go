// Package config handles application configuration from environment
// variables and the scoring policy file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage (both optional; in-memory when unset)
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Scoring inputs
	PolicyPath   string
	ManifestPath string // JSON array of feature names; canonical order when unset
	LexiconPath  string // YAML spam/vague tables; built-in tables when unset

	// Oracles (local stand-ins when unset)
	ClassifierURL string
	ScorerURL     string
	OracleTimeout time.Duration

	BatchWorkers int
	RateLimitRPM int
	CORSOrigins  []string // empty allows any origin
	APIKeys      []string // name:sha256hex entries; empty disables auth

	OTLPEndpoint     string
	TraceSampleRatio float64

	// Alerts (disabled when AlertWebhookURL is unset)
	AlertWebhookURL    string
	AlertWebhookSecret string
	AlertMinStatus     string // "flagged" or "banned_recommendation"

	LiveFeedMaxClients int

	// Stream worker
	KafkaBrokers     []string
	KafkaInputTopic  string
	KafkaOutputTopic string
	KafkaGroup       string

	Policy Policy
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultPolicyPath    = "config.json"
	DefaultCacheTTL      = 10 * time.Minute
	DefaultOracleTimeout = 5 * time.Second
	DefaultBatchWorkers  = 8
	DefaultRateLimitRPM  = 600
	DefaultInputTopic    = "karma-logs"
	DefaultOutputTopic   = "karma-assessments"
	DefaultKafkaGroup    = "karmaguard"
	DefaultAlertStatus   = "banned_recommendation"
	DefaultFeedClients   = 1000
)

// Load reads configuration from environment variables and the policy file.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		CacheTTL:         getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		PolicyPath:       getEnv("POLICY_PATH", DefaultPolicyPath),
		ManifestPath:     os.Getenv("MANIFEST_PATH"),
		LexiconPath:      os.Getenv("LEXICON_PATH"),
		ClassifierURL:    os.Getenv("CLASSIFIER_URL"),
		ScorerURL:        os.Getenv("SCORER_URL"),
		OracleTimeout:    getEnvDuration("ORACLE_TIMEOUT", DefaultOracleTimeout),
		BatchWorkers:     int(getEnvInt64("BATCH_WORKERS", DefaultBatchWorkers)),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		APIKeys:          splitList(os.Getenv("API_KEYS")),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),

		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertMinStatus:     getEnv("ALERT_MIN_STATUS", DefaultAlertStatus),
		LiveFeedMaxClients: int(getEnvInt64("LIVE_FEED_MAX_CLIENTS", DefaultFeedClients)),

		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaInputTopic:  getEnv("KAFKA_INPUT_TOPIC", DefaultInputTopic),
		KafkaOutputTopic: getEnv("KAFKA_OUTPUT_TOPIC", DefaultOutputTopic),
		KafkaGroup:       getEnv("KAFKA_GROUP", DefaultKafkaGroup),
	}

	// The default policy path is optional; an explicit one must exist.
	policy, err := LoadPolicy(cfg.PolicyPath, os.Getenv("POLICY_PATH") == "")
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be positive")
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.OracleTimeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.AlertMinStatus != "flagged" && c.AlertMinStatus != "banned_recommendation" {
		return fmt.Errorf("ALERT_MIN_STATUS must be flagged or banned_recommendation, got %q", c.AlertMinStatus)
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required in production when ALERT_WEBHOOK_URL is set")
	}
	if c.LiveFeedMaxClients < 1 {
		return fmt.Errorf("LIVE_FEED_MAX_CLIENTS must be positive")
	}
	return c.Policy.Validate()
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Thresholds are the fraud-probability status boundaries.
type Thresholds struct {
	Clean   float64 `yaml:"clean" json:"clean"`
	Flagged float64 `yaml:"flagged" json:"flagged"`
}

// Policy is the scoring policy file. JSON files parse as YAML.
type Policy struct {
	Version               string     `yaml:"version" json:"version"`
	FraudScoreThresholds  Thresholds `yaml:"fraud_score_thresholds" json:"fraud_score_thresholds"`
	MutualUpvoteThreshold int        `yaml:"mutual_upvote_threshold" json:"mutual_upvote_threshold"`
	TimestampFallback     string     `yaml:"timestamp_fallback" json:"timestamp_fallback"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Version:               "1.0.0",
		FraudScoreThresholds:  Thresholds{Clean: 0.2, Flagged: 0.6},
		MutualUpvoteThreshold: 2,
		TimestampFallback:     "exclude",
	}
}

// LoadPolicy reads the policy file at path over the defaults. Keys absent
// from the file keep their default values. A missing file is an error
// unless optional is set.
func LoadPolicy(path string, optional bool) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && optional {
		return p, nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	t := p.FraudScoreThresholds
	if t.Clean < 0 || t.Flagged > 1 || t.Clean >= t.Flagged {
		return fmt.Errorf("fraud_score_thresholds must satisfy 0 <= clean < flagged <= 1, got clean=%v flagged=%v", t.Clean, t.Flagged)
	}
	if p.MutualUpvoteThreshold < 1 {
		return fmt.Errorf("mutual_upvote_threshold must be at least 1")
	}
	switch strings.ToLower(p.TimestampFallback) {
	case "", "exclude", "now":
	default:
		return fmt.Errorf("timestamp_fallback must be exclude or now, got %q", p.TimestampFallback)
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
