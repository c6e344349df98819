package config

import "time"

// Config represents the complete chatloop configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Backend BackendConfig `yaml:"backend"`
	Stream  StreamConfig  `yaml:"stream"`
	Chat    ChatConfig    `yaml:"chat"`
	Server  ServerConfig  `yaml:"server"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// BackendConfig defines the connection to the session store and run service.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// StreamConfig defines event stream client behavior.
type StreamConfig struct {
	// WatchdogInterval is how long to wait for a frame before posting a
	// "still working" status message. Configurable, not load-bearing.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StatusText       string        `yaml:"status_text"`
}

// ChatConfig identifies the account and user on whose behalf runs execute.
type ChatConfig struct {
	AccountID string `yaml:"account_id"`
	UserID    string `yaml:"user_id"`
}

// ServerConfig defines the local agent backend started by `chatloop serve`.
type ServerConfig struct {
	Listen       string `yaml:"listen"`
	Token        string `yaml:"token"`
	DatabasePath string `yaml:"database_path"`
}
