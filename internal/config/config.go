// Package config loads the gateway's configuration from a YAML file plus
// GW_-prefixed environment overrides, and watches the file for changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/aio/gateway/internal/constants"
)

const (
	DefaultFileWriteDelay = 150 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults; a fresh
// install with no config file still binds and serves, just with an empty
// provider pool.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			PreferredPort:   constants.DefaultPreferredPort,
			PortFallbackN:   constants.DefaultPortFallbackN,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be write-deadlined
			ShutdownTimeout: constants.DefaultStopTimeout,
		},
		Forwarder: ForwarderConfig{
			MaxAttemptsPerProvider: constants.DefaultMaxAttemptsPerPro,
			FirstByteTimeout:       constants.DefaultFirstByteTimeout,
			CooldownSeconds:        0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: constants.DefaultFailureThreshold,
			OpenWindow:       constants.DefaultOpenWindow,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			FileOutput: true,
			PrettyLogs: true,
		},
	}
}

// Load reads gateway.yaml (or GW_CONFIG_FILE) plus GW_-prefixed env vars
// into a Config, watching the file for subsequent changes.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("gateway")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("GW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("GW_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}

	return cfg, nil
}

// Reload re-unmarshals viper's already-loaded (and file-watched) settings
// into a fresh Config, for use from an OnConfigChange callback registered
// via Load. It does not touch the config path or watch registration.
func Reload() (*Config, error) {
	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, nil
}
