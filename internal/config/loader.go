package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "chatloop"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Stream.WatchdogInterval == 0 {
		cfg.Stream.WatchdogInterval = 20 * time.Second
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8091"
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = "./data/chatloop.db"
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if cfg.Backend.Token == "" {
		return fmt.Errorf("backend.token is required")
	}
	if envVarPattern.MatchString(cfg.Backend.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.Backend.Token)
		if len(matches) > 1 {
			return fmt.Errorf("backend.token: environment variable ${%s} is not set", matches[1])
		}
	}
	if cfg.Stream.WatchdogInterval < 0 {
		return fmt.Errorf("stream.watchdog_interval must not be negative")
	}
	if cfg.Chat.AccountID == "" {
		return fmt.Errorf("chat.account_id is required")
	}
	if cfg.Chat.UserID == "" {
		return fmt.Errorf("chat.user_id is required")
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
