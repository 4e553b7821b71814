package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"database"`
	} `yaml:"database"`
	RabbitMQ struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"rabbitmq"`
	Gateway struct {
		Port      int    `yaml:"port"`
		RulesFile string `yaml:"rules_file"` // declarative broadcast rules, optional
	} `yaml:"gateway"`
	JWT struct {
		SecretKey string `yaml:"secret_key"`
	} `yaml:"jwt"`
	Realtime Realtime `yaml:"realtime"`
}

// Realtime tunes the connection manager, broadcasting engine, and sync
// coordinator. All intervals are milliseconds in YAML.
type Realtime struct {
	ReconnectIntervalMS  int `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms"`
	ConfirmTimeoutMS     int `yaml:"confirm_timeout_ms"`
	MaxRetries           int `yaml:"max_retries"`
	RetryDelayMS         int `yaml:"retry_delay_ms"`
	BatchSize            int `yaml:"batch_size"`
	SyncIntervalMS       int `yaml:"sync_interval_ms"`
	HistoryLimit         int `yaml:"history_limit"`
	ProcessIntervalMS    int `yaml:"process_interval_ms"`
}

// Duration accessors for the millisecond fields.
func (r Realtime) ReconnectInterval() time.Duration { return millis(r.ReconnectIntervalMS) }
func (r Realtime) HeartbeatInterval() time.Duration { return millis(r.HeartbeatIntervalMS) }
func (r Realtime) ConfirmTimeout() time.Duration    { return millis(r.ConfirmTimeoutMS) }
func (r Realtime) RetryDelay() time.Duration        { return millis(r.RetryDelayMS) }
func (r Realtime) SyncInterval() time.Duration      { return millis(r.SyncIntervalMS) }
func (r Realtime) ProcessInterval() time.Duration   { return millis(r.ProcessIntervalMS) }

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// LoadFromFile loads config from a YAML file, applies defaults, and validates
// required fields.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with only defaults applied, for tests and
// in-process clients that never touch a file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets safe defaults for some fields.
func applyDefaults(cfg *Config) {
	// Database
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}

	// RabbitMQ
	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "localhost"
	}
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}

	// Gateway
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8080
	}

	// Realtime
	rt := &cfg.Realtime
	if rt.ReconnectIntervalMS == 0 {
		rt.ReconnectIntervalMS = 5000
	}
	if rt.MaxReconnectAttempts == 0 {
		rt.MaxReconnectAttempts = 5
	}
	if rt.HeartbeatIntervalMS == 0 {
		rt.HeartbeatIntervalMS = 30000
	}
	if rt.ConfirmTimeoutMS == 0 {
		rt.ConfirmTimeoutMS = 10000
	}
	if rt.MaxRetries == 0 {
		rt.MaxRetries = 3
	}
	if rt.RetryDelayMS == 0 {
		rt.RetryDelayMS = 1000
	}
	if rt.BatchSize == 0 {
		rt.BatchSize = 10
	}
	if rt.SyncIntervalMS == 0 {
		rt.SyncIntervalMS = 30000
	}
	if rt.HistoryLimit == 0 {
		rt.HistoryLimit = 1000
	}
	if rt.ProcessIntervalMS == 0 {
		rt.ProcessIntervalMS = 100
	}

	if cfg.JWT.SecretKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			// fallback: time-based bytes
			key = []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		cfg.JWT.SecretKey = base64.StdEncoding.EncodeToString(key)
	}
}

// validate checks required fields and basic ranges. Zero or negative
// intervals are programmer errors and fail here, at construction time.
func (c *Config) validate() error {
	var problems []string

	// DB
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		problems = append(problems, "database.port must be in 1..65535")
	}
	if c.Database.User == "" {
		problems = append(problems, "database.user is required")
	}
	if c.Database.Password == "" {
		problems = append(problems, "database.password is required")
	}
	if c.Database.Name == "" {
		problems = append(problems, "database.database is required")
	}

	// RabbitMQ
	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		problems = append(problems, "rabbitmq.port must be in 1..65535")
	}
	if c.RabbitMQ.User == "" {
		problems = append(problems, "rabbitmq.user is required")
	}
	if c.RabbitMQ.Password == "" {
		problems = append(problems, "rabbitmq.password is required")
	}

	// Gateway
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		problems = append(problems, "gateway.port must be in 1..65535")
	}

	problems = append(problems, c.Realtime.Problems()...)

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Problems validates the realtime tuning block and returns a list of issues.
// Exposed so in-process constructors can fail fast on hand-built configs.
func (r Realtime) Problems() []string {
	var problems []string
	check := func(name string, v int) {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("realtime.%s must be positive", name))
		}
	}
	check("reconnect_interval_ms", r.ReconnectIntervalMS)
	check("max_reconnect_attempts", r.MaxReconnectAttempts)
	check("heartbeat_interval_ms", r.HeartbeatIntervalMS)
	check("confirm_timeout_ms", r.ConfirmTimeoutMS)
	check("max_retries", r.MaxRetries)
	check("retry_delay_ms", r.RetryDelayMS)
	check("batch_size", r.BatchSize)
	check("sync_interval_ms", r.SyncIntervalMS)
	check("history_limit", r.HistoryLimit)
	check("process_interval_ms", r.ProcessIntervalMS)
	return problems
}
