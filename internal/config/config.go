// Package config holds the klingswap configuration file and its defaults.
// Swap limits, provider endpoints and timeouts are defined here and nowhere else.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/klingswap/internal/backend"
	"github.com/Klingon-tech/klingswap/internal/chain"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultAPIURL is the public Boltz API.
	DefaultAPIURL = "https://api.boltz.exchange"

	// MinAmountSats and MaxAmountSats bound every swap amount.
	MinAmountSats int64 = 50_000
	MaxAmountSats int64 = 25_000_000

	// DefaultFeeRate is used when no estimator answers, in sat/vB.
	DefaultFeeRate = 2.0

	DefaultDeadline          = 24 * time.Hour
	DefaultBroadcastAttempts = 5
	DefaultRequestTimeout    = 30 * time.Second
	DefaultRequestsPerSecond = 10.0
	DefaultRequestBurst      = 5
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

var ErrInvalidConfig = errors.New("invalid config")

// =============================================================================
// Config
// =============================================================================

// Config holds all klingswap settings.
type Config struct {
	// Network is mainnet, testnet or regtest.
	Network chain.Network `yaml:"network"`

	Boltz   BoltzConfig    `yaml:"boltz"`
	Backend backend.Config `yaml:"backend"`
	Swap    SwapConfig     `yaml:"swap"`
	Storage StorageConfig  `yaml:"storage"`
	Logging LoggingConfig  `yaml:"logging"`
}

// BoltzConfig points at the swap provider.
type BoltzConfig struct {
	APIURL string `yaml:"api_url"`

	// WSURL overrides the websocket endpoint. Empty derives it from APIURL.
	WSURL string `yaml:"ws_url,omitempty"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// SwapConfig holds per-swap tuning.
type SwapConfig struct {
	// FeeRate is the fallback claim fee rate in sat/vB.
	FeeRate float64 `yaml:"fee_rate"`

	// Deadline bounds how long a session may run before it expires.
	Deadline time.Duration `yaml:"deadline"`

	BroadcastAttempts int `yaml:"broadcast_attempts"`

	MinAmount int64 `yaml:"min_amount"`
	MaxAmount int64 `yaml:"max_amount"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the config file and the journal.
	DataDir string `yaml:"data_dir"`

	// Journal enables the sqlite swap history.
	Journal bool `yaml:"journal"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// DefaultSwapConfig returns the swap defaults.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		FeeRate:           DefaultFeeRate,
		Deadline:          DefaultDeadline,
		BroadcastAttempts: DefaultBroadcastAttempts,
		MinAmount:         MinAmountSats,
		MaxAmount:         MaxAmountSats,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Boltz: BoltzConfig{
			APIURL:            DefaultAPIURL,
			RequestTimeout:    DefaultRequestTimeout,
			RequestsPerSecond: DefaultRequestsPerSecond,
		},
		Backend: backend.DefaultConfig(),
		Swap:    DefaultSwapConfig(),
		Storage: StorageConfig{
			DataDir: "~/.klingswap",
			Journal: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(string(c.Network)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Boltz.APIURL == "" {
		return fmt.Errorf("%w: boltz.api_url is empty", ErrInvalidConfig)
	}
	if c.Boltz.RequestTimeout <= 0 {
		return fmt.Errorf("%w: boltz.request_timeout must be positive", ErrInvalidConfig)
	}
	if c.Swap.FeeRate <= 0 {
		return fmt.Errorf("%w: swap.fee_rate must be positive", ErrInvalidConfig)
	}
	if c.Swap.MinAmount <= 0 || c.Swap.MaxAmount < c.Swap.MinAmount {
		return fmt.Errorf("%w: swap amount limits [%d, %d]", ErrInvalidConfig, c.Swap.MinAmount, c.Swap.MaxAmount)
	}
	if c.Swap.BroadcastAttempts < 1 {
		return fmt.Errorf("%w: swap.broadcast_attempts must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return expandPath(c.Storage.DataDir)
}

// JournalPath returns the sqlite journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir(), "swaps.db")
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# klingswap configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
