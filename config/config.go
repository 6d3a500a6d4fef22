// ABOUTME: Configuration loading and parsing for roomkit hosts
// ABOUTME: YAML with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete roomkit configuration a host loads at startup.
type Config struct {
	Engine   EngineConfig             `yaml:"engine"`
	Dedupe   DedupeConfig             `yaml:"dedupe"`
	Realtime RealtimeConfig           `yaml:"realtime"`
	Metrics  MetricsConfig            `yaml:"metrics"`
	Logging  LoggingConfig            `yaml:"logging"`
	Channels map[string]ChannelConfig `yaml:"channels"`
}

// EngineConfig holds pipeline knobs.
type EngineConfig struct {
	MaxChainDepth          int  `yaml:"max_chain_depth"`
	LockRegistrySize       int  `yaml:"lock_registry_size"`
	MaxConcurrentPipelines int  `yaml:"max_concurrent_pipelines"`
	AutoCreateRooms        *bool `yaml:"auto_create_rooms"`

	ProcessTimeout  time.Duration `yaml:"-"`
	IdentityTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProcessTimeoutRaw  string `yaml:"process_timeout"`
	IdentityTimeoutRaw string `yaml:"identity_timeout"`

	IdentityChannelTypes []string `yaml:"identity_channel_types"`
}

// DedupeConfig controls the inbound redelivery cache.
type DedupeConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"-"`
	TTLRaw  string        `yaml:"ttl"`
}

// RealtimeConfig selects the ephemeral bus implementation.
type RealtimeConfig struct {
	Kind string     `yaml:"kind"` // "memory" (default) or "nats"
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig holds connection settings for the NATS realtime bus.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChannelConfig carries per-channel delivery guards, keyed by channel id.
type ChannelConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTime     time.Duration `yaml:"-"`
	RecoveryTimeRaw  string        `yaml:"recovery_time"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

// RateLimitConfig mirrors the token bucket windows; at most one should
// be set.
type RateLimitConfig struct {
	MaxPerSecond int `yaml:"max_per_second"`
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxPerHour   int `yaml:"max_per_hour"`
}

// RetryConfig mirrors the delivery backoff schedule.
type RetryConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	BaseDelay          time.Duration `yaml:"-"`
	MaxDelay           time.Duration `yaml:"-"`
	ExponentialBase    float64       `yaml:"exponential_base"`
	BaseDelayRaw       string        `yaml:"base_delay"`
	MaxDelayRaw        string        `yaml:"max_delay"`
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Engine.MaxChainDepth < 0 {
		return fmt.Errorf("engine.max_chain_depth cannot be negative")
	}
	if c.Realtime.Kind != "" && c.Realtime.Kind != "memory" && c.Realtime.Kind != "nats" {
		return fmt.Errorf("realtime.kind must be \"memory\" or \"nats\", got %q", c.Realtime.Kind)
	}
	if c.Realtime.Kind == "nats" && c.Realtime.NATS.URL == "" {
		return fmt.Errorf("realtime.nats.url is required when realtime.kind is nats")
	}
	for id, ch := range c.Channels {
		set := 0
		for _, n := range []int{ch.RateLimit.MaxPerSecond, ch.RateLimit.MaxPerMinute, ch.RateLimit.MaxPerHour} {
			if n < 0 {
				return fmt.Errorf("channels.%s.rate_limit: negative rate", id)
			}
			if n > 0 {
				set++
			}
		}
		if set > 1 {
			return fmt.Errorf("channels.%s.rate_limit: at most one window may be set", id)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func parseDurations(cfg *Config) error {
	var err error

	parse := func(raw, field string, out *time.Duration) error {
		if raw == "" {
			return nil
		}
		*out, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field, raw, err)
		}
		return nil
	}

	if err := parse(cfg.Engine.ProcessTimeoutRaw, "process_timeout", &cfg.Engine.ProcessTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Engine.IdentityTimeoutRaw, "identity_timeout", &cfg.Engine.IdentityTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Dedupe.TTLRaw, "dedupe.ttl", &cfg.Dedupe.TTL); err != nil {
		return err
	}
	for id, ch := range cfg.Channels {
		if err := parse(ch.RecoveryTimeRaw, "recovery_time", &ch.RecoveryTime); err != nil {
			return err
		}
		if err := parse(ch.Retry.BaseDelayRaw, "retry.base_delay", &ch.Retry.BaseDelay); err != nil {
			return err
		}
		if err := parse(ch.Retry.MaxDelayRaw, "retry.max_delay", &ch.Retry.MaxDelay); err != nil {
			return err
		}
		cfg.Channels[id] = ch
	}
	return nil
}
