// Package config handles claudescope configuration loading and defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the daemon, broker, and CLI.
type Config struct {
	Daemon      DaemonConfig      `yaml:"daemon"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Wrapper     WrapperConfig     `yaml:"wrapper"`
	Broker      BrokerConfig      `yaml:"broker"`
}

// DaemonConfig defines claudescoped settings.
type DaemonConfig struct {
	Socket             string        `yaml:"socket"`
	DataDir            string        `yaml:"data_dir"`
	EventDir           string        `yaml:"event_dir"`     // drop directory written by the hook
	ProcessedDir       string        `yaml:"processed_dir"` // consumed raw files move here
	CheckpointFile     string        `yaml:"checkpoint_file"`
	WrapperRegistry    string        `yaml:"wrapper_registry"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	LogFile            string        `yaml:"log_file"`
	LogLevel           string        `yaml:"log_level"`
	SentryDSN          string        `yaml:"sentry_dsn"`
}

// CorrelationConfig tunes the event processor.
type CorrelationConfig struct {
	// Window is how long a pending sub-agent spawn stays eligible for
	// matching against a newly observed session.
	Window time.Duration `yaml:"window"`
	// DedupCap and DedupTrim bound the processed-event-id cache.
	DedupCap  int `yaml:"dedup_cap"`
	DedupTrim int `yaml:"dedup_trim"`
}

// WrapperConfig tunes PTY wrapper supervision.
type WrapperConfig struct {
	Command     string        `yaml:"command"`      // agent binary to spawn
	SettleDelay time.Duration `yaml:"settle_delay"` // starting → processing without output
	ScanWindow  int           `yaml:"scan_window"`  // output chars scanned for prompts
}

// BrokerConfig defines the UI-facing broker endpoints.
type BrokerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"` // TCP ND-JSON clients
	HTTPAddr          string        `yaml:"http_addr"`   // WebSocket clients
	ReconnectFast     time.Duration `yaml:"reconnect_fast"`
	ReconnectSlow     time.Duration `yaml:"reconnect_slow"`
	FastRetryAttempts int           `yaml:"fast_retry_attempts"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".claudescope")

	return &Config{
		Daemon: DaemonConfig{
			Socket:             filepath.Join(base, "daemon.sock"),
			DataDir:            filepath.Join(base, "data"),
			EventDir:           filepath.Join(base, "events", "pending"),
			ProcessedDir:       filepath.Join(base, "events", "processed"),
			CheckpointFile:     filepath.Join(base, "daemon-state.json"),
			WrapperRegistry:    filepath.Join(base, "wrappers.json"),
			CheckpointInterval: 30 * time.Second,
			LogFile:            filepath.Join(base, "claudescoped.log"),
			LogLevel:           "info",
		},
		Correlation: CorrelationConfig{
			Window:    30 * time.Second,
			DedupCap:  10000,
			DedupTrim: 5000,
		},
		Wrapper: WrapperConfig{
			Command:     "claude",
			SettleDelay: 3 * time.Second,
			ScanWindow:  1000,
		},
		Broker: BrokerConfig{
			ListenAddr:        "127.0.0.1:4517",
			HTTPAddr:          "127.0.0.1:4518",
			ReconnectFast:     500 * time.Millisecond,
			ReconnectSlow:     5 * time.Second,
			FastRetryAttempts: 5,
		},
	}
}

// Load reads configuration from the default path, falling back to defaults
// when no config file exists.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Daemon.SentryDSN = os.ExpandEnv(cfg.Daemon.SentryDSN)
	return cfg, nil
}

// DefaultConfigPath returns the configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("CLAUDESCOPE_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/claudescope/config.yaml")
}
