package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultListenAddress     = "0.0.0.0"
	DefaultProducerPort      = 9999
	DefaultApproverPort      = 9998
	DefaultKeepaliveInterval = 20  // seconds, bridge -> client ping cadence
	DefaultPingDeadline      = 35  // seconds, client-side silence tolerance
	DefaultRetryInterval     = 5   // seconds between connect attempts
	DefaultRetryWindow       = 120 // seconds before the client gives up
	DefaultConnectTimeout    = 5   // seconds per dial attempt
	DefaultExecTimeout       = 300 // seconds per privileged command
	DefaultLogLevel          = "info"
	DefaultShutdownTimeout   = 3 // seconds
	DefaultBridgeAddress     = "localhost:9999"
)

// Config holds the full application configuration for both the bridge
// daemon and the producer agent.
type Config struct {
	Bridge          BridgeConfig   `mapstructure:"bridge"`
	Client          ClientConfig   `mapstructure:"client"`
	Executor        ExecutorConfig `mapstructure:"executor"`
	TokenPath       string         `mapstructure:"token_path"`
	BlocklistPath   string         `mapstructure:"blocklist_path"`
	LogLevel        string         `mapstructure:"log_level"`
	LogPath         string         `mapstructure:"log_path"`
	ShutdownTimeout time.Duration  `mapstructure:"-"` // parsed separately
}

// BridgeConfig configures the bridge daemon's listeners and keepalive.
type BridgeConfig struct {
	ListenAddress     string        `mapstructure:"listen_address"`
	ProducerPort      int           `mapstructure:"producer_port"`
	ApproverPort      int           `mapstructure:"approver_port"`
	KeepaliveInterval time.Duration `mapstructure:"-"`
}

// ClientConfig configures the producer's bridge client.
type ClientConfig struct {
	BridgeAddress  string        `mapstructure:"bridge_address"`
	ConnectTimeout time.Duration `mapstructure:"-"`
	RetryInterval  time.Duration `mapstructure:"-"`
	RetryWindow    time.Duration `mapstructure:"-"`
	PingDeadline   time.Duration `mapstructure:"-"`
}

// ExecutorConfig configures privileged command execution.
type ExecutorConfig struct {
	Timeout time.Duration `mapstructure:"-"`
}

// ProducerAddr returns the bridge's producer-facing listen address.
func (c *BridgeConfig) ProducerAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ProducerPort)
}

// ApproverAddr returns the bridge's approver-facing listen address.
func (c *BridgeConfig) ApproverAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ApproverPort)
}

// Load reads configuration from a file, environment variables, and defaults.
// A missing file is not an error; defaults and env apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			slog.Warn("Could not get absolute config path, using provided path", "path", configPath, "error", err)
			absPath = configPath
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	// BK_BRIDGE_PRODUCER_PORT, BK_LOG_LEVEL, etc.
	v.SetEnvPrefix("BK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				slog.Warn("Config file not found, using defaults and environment variables.", "path", configPath)
			} else {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		} else {
			slog.Info("Loaded configuration file", "path", v.ConfigFileUsed())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// Viper reads the interval fields as plain second counts.
	cfg.ShutdownTimeout = time.Duration(v.GetInt("shutdown_timeout")) * time.Second
	cfg.Bridge.KeepaliveInterval = time.Duration(v.GetInt("bridge.keepalive_interval")) * time.Second
	cfg.Client.ConnectTimeout = time.Duration(v.GetInt("client.connect_timeout")) * time.Second
	cfg.Client.RetryInterval = time.Duration(v.GetInt("client.retry_interval")) * time.Second
	cfg.Client.RetryWindow = time.Duration(v.GetInt("client.retry_window")) * time.Second
	cfg.Client.PingDeadline = time.Duration(v.GetInt("client.ping_deadline")) * time.Second
	cfg.Executor.Timeout = time.Duration(v.GetInt("executor.timeout")) * time.Second

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Bridge.ProducerPort <= 0 || cfg.Bridge.ProducerPort > 65535 {
		return fmt.Errorf("invalid bridge.producer_port %d (must be 1-65535)", cfg.Bridge.ProducerPort)
	}
	if cfg.Bridge.ApproverPort <= 0 || cfg.Bridge.ApproverPort > 65535 {
		return fmt.Errorf("invalid bridge.approver_port %d (must be 1-65535)", cfg.Bridge.ApproverPort)
	}
	if cfg.Bridge.ProducerPort == cfg.Bridge.ApproverPort {
		return errors.New("bridge.producer_port and bridge.approver_port must differ")
	}
	if cfg.Bridge.KeepaliveInterval <= 0 {
		return errors.New("bridge.keepalive_interval must be a positive number of seconds")
	}
	if cfg.Client.BridgeAddress == "" {
		return errors.New("client.bridge_address must be specified")
	}
	if cfg.Client.ConnectTimeout <= 0 {
		return errors.New("client.connect_timeout must be a positive number of seconds")
	}
	if cfg.Client.RetryInterval <= 0 {
		return errors.New("client.retry_interval must be a positive number of seconds")
	}
	if cfg.Client.RetryWindow < cfg.Client.RetryInterval {
		return errors.New("client.retry_window must be at least client.retry_interval")
	}
	if cfg.Client.PingDeadline <= cfg.Bridge.KeepaliveInterval {
		return errors.New("client.ping_deadline must exceed bridge.keepalive_interval")
	}
	if cfg.Executor.Timeout <= 0 {
		return errors.New("executor.timeout must be a positive number of seconds")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be a positive number of seconds")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.listen_address", DefaultListenAddress)
	v.SetDefault("bridge.producer_port", DefaultProducerPort)
	v.SetDefault("bridge.approver_port", DefaultApproverPort)
	v.SetDefault("bridge.keepalive_interval", DefaultKeepaliveInterval)

	v.SetDefault("client.bridge_address", DefaultBridgeAddress)
	v.SetDefault("client.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("client.retry_interval", DefaultRetryInterval)
	v.SetDefault("client.retry_window", DefaultRetryWindow)
	v.SetDefault("client.ping_deadline", DefaultPingDeadline)

	v.SetDefault("executor.timeout", DefaultExecTimeout)

	v.SetDefault("token_path", "")
	v.SetDefault("blocklist_path", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_path", "")
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
}
