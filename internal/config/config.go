// Package config handles configuration loading for tradesentry.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"tradesentry/internal/event"
)

// Config holds the complete application configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	DDoS      DDoSConfig      `yaml:"ddos"`
	Threat    ThreatConfig    `yaml:"threat"`
	Intrusion IntrusionConfig `yaml:"intrusion"`
	Behavior  BehaviorConfig  `yaml:"behavior"`
	Blocklist BlocklistConfig `yaml:"blocklist"`
	Events    EventsConfig    `yaml:"events"`
	Notify    NotifyConfig    `yaml:"notify"`
	Sinks     SinksConfig     `yaml:"sinks"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig holds the Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DefaultLimit  int           `yaml:"default_limit" validate:"gt=0"`
	Window        time.Duration `yaml:"window" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DDoSConfig holds DDoS detection settings.
type DDoSConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Threshold           int           `yaml:"threshold" validate:"gt=0"`
	SuspiciousThreshold int           `yaml:"suspicious_threshold" validate:"gt=0"`
	Window              time.Duration `yaml:"window" validate:"gt=0"`
	MaxConcurrent       int           `yaml:"max_concurrent" validate:"gt=0"`
	BlockDuration       time.Duration `yaml:"block_duration"`
	AutoBlock           bool          `yaml:"auto_block"`
	Whitelist           []string      `yaml:"whitelist"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}

// ThreatConfig holds payload threat scanning settings.
type ThreatConfig struct {
	Enabled     bool   `yaml:"enabled"`
	PatternFile string `yaml:"pattern_file"`
}

// IntrusionConfig holds intrusion pattern settings.
type IntrusionConfig struct {
	MatchRatio  float64 `yaml:"match_ratio" validate:"gte=0,lte=1"`
	PatternFile string  `yaml:"pattern_file"`
}

// BehaviorConfig holds behavior analysis settings.
type BehaviorConfig struct {
	Enabled              bool          `yaml:"enabled"`
	TimeWindow           time.Duration `yaml:"time_window" validate:"gt=0"`
	InactivityPurge      time.Duration `yaml:"inactivity_purge" validate:"gt=0"`
	FailedLoginThreshold int           `yaml:"failed_login_threshold" validate:"gt=0"`
	ActivityBurst        int           `yaml:"activity_burst" validate:"gt=0"`
	BlockThreshold       int           `yaml:"block_threshold" validate:"gt=0,lte=100"`
	AutoBlock            bool          `yaml:"auto_block"`
	BlockDuration        time.Duration `yaml:"block_duration"`
	MaxTravelSpeedKmh    float64       `yaml:"max_travel_speed_kmh"`
	SuspiciousCountries  []string      `yaml:"suspicious_countries"`
	LoginHourTolerance   int           `yaml:"login_hour_tolerance"`
	SensitiveFields      []string      `yaml:"sensitive_fields"`
	MinBaselineSample    int           `yaml:"min_baseline_sample"`
	RiskDecay            int           `yaml:"risk_decay"`
	PruneInterval        time.Duration `yaml:"prune_interval"`
	BaselineInterval     time.Duration `yaml:"baseline_interval"`
}

// BlocklistConfig holds block registry settings.
type BlocklistConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the edge blocklist publisher settings.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig holds event ledger settings.
type EventsConfig struct {
	RetentionPeriod time.Duration          `yaml:"retention_period" validate:"gt=0"`
	MaxEvents       int                    `yaml:"max_events" validate:"gt=0"`
	QueueSize       int                    `yaml:"queue_size" validate:"gt=0"`
	BlockDuration   time.Duration          `yaml:"block_duration"`
	CleanupInterval time.Duration          `yaml:"cleanup_interval"`
	Escalations     []event.EscalationRule `yaml:"escalations"`
}

// NotifyConfig holds notification dispatch settings.
type NotifyConfig struct {
	QueueSize      int             `yaml:"queue_size"`
	Workers        int             `yaml:"workers"`
	MaxRetries     int             `yaml:"max_retries"`
	InitialBackoff time.Duration   `yaml:"initial_backoff"`
	MaxBackoff     time.Duration   `yaml:"max_backoff"`
	SendTimeout    time.Duration   `yaml:"send_timeout"`
	Channels       []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one outbound notification channel.
type ChannelConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	Type        string            `yaml:"type" validate:"oneof=webhook shoutrrr"`
	URL         string            `yaml:"url" validate:"required"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	MinSeverity event.Severity    `yaml:"min_severity"`
}

// SinksConfig holds durable event stream settings.
type SinksConfig struct {
	ClickHouse ClickHouseSinkConfig `yaml:"clickhouse"`
	Kafka      KafkaSinkConfig      `yaml:"kafka"`
	Archive    ArchiveSinkConfig    `yaml:"archive"`
}

// ClickHouseSinkConfig holds ClickHouse sink settings.
type ClickHouseSinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Hosts         []string      `yaml:"hosts"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Table         string        `yaml:"table"`
	TLSEnabled    bool          `yaml:"tls_enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// KafkaSinkConfig holds Kafka sink settings.
type KafkaSinkConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ArchiveSinkConfig holds S3 archive settings.
type ArchiveSinkConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	StorageClass    string        `yaml:"storage_class"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			DefaultLimit:  1000,
			Window:        time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		DDoS: DDoSConfig{
			Enabled:             true,
			Threshold:           1000,
			SuspiciousThreshold: 500,
			Window:              time.Minute,
			MaxConcurrent:       100,
			BlockDuration:       time.Hour,
			AutoBlock:           true,
			CleanupInterval:     5 * time.Minute,
		},
		Threat: ThreatConfig{
			Enabled: true,
		},
		Intrusion: IntrusionConfig{
			MatchRatio: 0.7,
		},
		Behavior: BehaviorConfig{
			Enabled:              true,
			TimeWindow:           time.Hour,
			InactivityPurge:      7 * 24 * time.Hour,
			FailedLoginThreshold: 5,
			ActivityBurst:        100,
			BlockThreshold:       80,
			AutoBlock:            true,
			BlockDuration:        time.Hour,
			MaxTravelSpeedKmh:    1000,
			LoginHourTolerance:   2,
			SensitiveFields:      []string{"password", "token", "key", "secret"},
			MinBaselineSample:    10,
			RiskDecay:            5,
			PruneInterval:        10 * time.Minute,
			BaselineInterval:     time.Hour,
		},
		Blocklist: BlocklistConfig{
			SweepInterval: time.Minute,
			Redis: RedisConfig{
				Enabled:   false,
				Address:   "localhost:6379",
				KeyPrefix: "tradesentry:blocklist",
			},
		},
		Events: EventsConfig{
			RetentionPeriod: 30 * 24 * time.Hour,
			MaxEvents:       100000,
			QueueSize:       1024,
			BlockDuration:   time.Hour,
			CleanupInterval: time.Hour,
		},
		Notify: NotifyConfig{
			QueueSize:      256,
			Workers:        2,
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			SendTimeout:    10 * time.Second,
		},
		Sinks: SinksConfig{
			ClickHouse: ClickHouseSinkConfig{
				Enabled:       false,
				Hosts:         []string{"localhost:9000"},
				Database:      "tradesentry",
				Username:      "default",
				Table:         "security_events",
				BatchSize:     500,
				FlushInterval: 5 * time.Second,
			},
			Kafka: KafkaSinkConfig{
				Enabled:      false,
				Brokers:      []string{"localhost:9092"},
				Topic:        "tradesentry.events",
				BatchSize:    100,
				BatchTimeout: time.Second,
			},
			Archive: ArchiveSinkConfig{
				Enabled:       false,
				Region:        "us-east-1",
				Bucket:        "tradesentry-archive",
				Prefix:        "events/",
				StorageClass:  "INTELLIGENT_TIERING",
				BatchSize:     1000,
				FlushInterval: 5 * time.Minute,
			},
		},
	}
}

// Load loads configuration from a file or returns defaults. Environment
// variables override file values.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("TRADESENTRY_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("TRADESENTRY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if addr := os.Getenv("TRADESENTRY_METRICS_ADDR"); addr != "" {
		c.Metrics.Address = addr
	}

	if limit := os.Getenv("TRADESENTRY_RATELIMIT_DEFAULT"); limit != "" {
		fmt.Sscanf(limit, "%d", &c.RateLimit.DefaultLimit)
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Sinks.ClickHouse.Enabled = true
		c.Sinks.ClickHouse.Hosts = splitAndTrim(host, ",")
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Sinks.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Sinks.Kafka.Enabled = true
		c.Sinks.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Blocklist.Redis.Enabled = true
		c.Blocklist.Redis.Address = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Blocklist.Redis.Password = pass
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate checks the configuration. Violations are returned as a single
// error naming every failed field.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			var failures []string
			for _, fe := range verrs {
				failures = append(failures, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(failures, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.DDoS.SuspiciousThreshold > c.DDoS.Threshold {
		return fmt.Errorf("invalid configuration: ddos suspicious_threshold exceeds threshold")
	}
	for _, esc := range c.Events.Escalations {
		if len(esc.Targets) == 0 {
			return fmt.Errorf("invalid configuration: escalation for %q has no targets", esc.Severity)
		}
	}
	return nil
}
