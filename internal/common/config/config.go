// Package config provides configuration management for the orchestrator.
// It loads from environment variables (prefix ORCH_), an optional config
// file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Team    TeamConfig    `mapstructure:"team"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds optional NATS event-bus fan-out configuration. Empty URL
// means the in-memory bus is the only bus in use.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GatewayConfig configures the WebSocket connection to the tool executor.
type GatewayConfig struct {
	URL               string `mapstructure:"url"`
	Token             string `mapstructure:"token"`
	Strict            bool   `mapstructure:"strict"`
	ReconnectDelayMS  int    `mapstructure:"reconnectDelayMs"`
	MaxReconnectTries int    `mapstructure:"maxReconnectTries"`
	HeartbeatSec      int    `mapstructure:"heartbeatSec"`
	RequestTimeoutSec int    `mapstructure:"requestTimeoutSec"`
}

// ReconnectDelay returns the initial reconnect delay as a duration.
func (g *GatewayConfig) ReconnectDelay() time.Duration {
	return time.Duration(g.ReconnectDelayMS) * time.Millisecond
}

// Heartbeat returns the heartbeat interval as a duration.
func (g *GatewayConfig) Heartbeat() time.Duration {
	return time.Duration(g.HeartbeatSec) * time.Second
}

// RequestTimeout returns the per-request timeout as a duration.
func (g *GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutSec) * time.Second
}

// TeamConfig holds orchestrator-wide defaults for team scaling.
type TeamConfig struct {
	DefaultMaxAgents     int `mapstructure:"defaultMaxAgents"`
	DefaultMaxRetries    int `mapstructure:"defaultMaxRetries"`
	ScaleDownTimeoutSec  int `mapstructure:"scaleDownTimeoutSec"`
	LockMaxRetries       int `mapstructure:"lockMaxRetries"`
	LockBaseDelayMS      int `mapstructure:"lockBaseDelayMs"`
	LockMaxDelayMS       int `mapstructure:"lockMaxDelayMs"`
}

// ScaleDownTimeout returns the graceful-kill wait before escalating to force.
func (t *TeamConfig) ScaleDownTimeout() time.Duration {
	return time.Duration(t.ScaleDownTimeoutSec) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat mirrors logger.detectFormat for use before a Logger exists.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./orchestrator.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.maxConns", 10)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.strict", false)
	v.SetDefault("gateway.reconnectDelayMs", 1000)
	v.SetDefault("gateway.maxReconnectTries", 10)
	v.SetDefault("gateway.heartbeatSec", 20)
	v.SetDefault("gateway.requestTimeoutSec", 30)

	v.SetDefault("team.defaultMaxAgents", 10)
	v.SetDefault("team.defaultMaxRetries", 3)
	v.SetDefault("team.scaleDownTimeoutSec", 30)
	v.SetDefault("team.lockMaxRetries", 5)
	v.SetDefault("team.lockBaseDelayMs", 50)
	v.SetDefault("team.lockMaxDelayMs", 2000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (if non-empty),
// then the working directory and /etc/orchestrator/, plus environment and
// defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// OPENCLAW_* env vars are a separate, spec-mandated namespace (gateway
	// auth and strictness) that does not follow the ORCH_ prefix convention.
	_ = v.BindEnv("gateway.token", "OPENCLAW_GATEWAY_TOKEN")
	_ = v.BindEnv("gateway.strict", "OPENCLAW_REQUIRED")
	_ = v.BindEnv("store.path", "ORCH_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", cfg.Store.Driver))
	}

	if cfg.Team.DefaultMaxAgents <= 0 {
		errs = append(errs, "team.defaultMaxAgents must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
