package config

import "time"

// Config holds all configuration for the gateway process.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Server         ServerConfig         `yaml:"server"`
	Forwarder      ForwarderConfig      `yaml:"forwarder"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Providers      []ProviderConfig     `yaml:"providers"`
	SortModes      []SortModeConfig     `yaml:"sort_modes"`
}

// ServerConfig holds the gateway's own loopback HTTP bind configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	PreferredPort   int           `yaml:"preferred_port"`
	PortFallbackN   int           `yaml:"port_fallback_n"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ForwarderConfig tunes the failover loop.
type ForwarderConfig struct {
	MaxAttemptsPerProvider int           `yaml:"max_attempts_per_provider"`
	FirstByteTimeout       time.Duration `yaml:"first_byte_timeout"`
	CooldownSeconds        int64         `yaml:"cooldown_seconds"`
}

// CircuitBreakerConfig tunes the per-provider breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenWindow       time.Duration `yaml:"open_window"`
}

// ProviderConfig is the on-disk shape of one configured upstream provider.
// The gateway core never writes this file; it's the external collaborator's
// job to keep it current, but something has to read it for a standalone
// binary to have any providers to route to.
type ProviderConfig struct {
	Name          string             `yaml:"name"`
	CliKey        string             `yaml:"cli_key"`
	BaseURL       string             `yaml:"base_url"`
	CredentialRef string             `yaml:"credential_ref"`
	ID            int64              `yaml:"id"`
	Enabled       bool               `yaml:"enabled"`
	ClaudeModels  *ClaudeModelConfig `yaml:"claude_models,omitempty"`
}

// ClaudeModelConfig mirrors domain.ClaudeModels for config unmarshalling.
type ClaudeModelConfig struct {
	Main      string `yaml:"main"`
	Reasoning string `yaml:"reasoning"`
	Haiku     string `yaml:"haiku"`
	Sonnet    string `yaml:"sonnet"`
	Opus      string `yaml:"opus"`
}

// SortModeConfig is the on-disk shape of one named provider ordering.
type SortModeConfig struct {
	CliKey string  `yaml:"cli_key"`
	Name   string  `yaml:"name"`
	Order  []int64 `yaml:"order"`
	Active bool    `yaml:"active"`
}

// LoggingConfig holds logging configuration, matching the fields
// internal/logger.Config expects.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	FileOutput bool   `yaml:"file_output"`
	PrettyLogs bool   `yaml:"pretty_logs"`
}
